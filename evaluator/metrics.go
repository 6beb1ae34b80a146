package evaluator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jwtauthn_evaluations_total",
	Help: "Authentication outcomes by kind.",
}, []string{"outcome"})
