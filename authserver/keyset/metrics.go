package keyset

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

var (
	fetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jwtauthn_jwks_fetches_total",
		Help: "Key-set fetch attempts by result.",
	}, []string{"result"})

	staleServes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jwtauthn_jwks_stale_serves_total",
		Help: "Requests served from a stale key set while a refresh was pending.",
	}, []string{"url"})

	forcedRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jwtauthn_jwks_forced_refreshes_total",
		Help: "Refreshes forced by a kid miss.",
	}, []string{"url"})

	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jwtauthn_jwks_evictions_total",
		Help: "Key-set entries evicted after losing all rule references.",
	})
)
