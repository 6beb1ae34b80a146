// Package server exposes the evaluation engine to the calling proxy runtime
// over HTTP: a check endpoint per request, a snapshot endpoint for the
// configuration-distribution collaborator, and health/metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/zirain/jwtauthn/authserver/keyset"
	"github.com/zirain/jwtauthn/evaluator"
	"github.com/zirain/jwtauthn/extractor"
	"github.com/zirain/jwtauthn/policy"
	"github.com/zirain/jwtauthn/policy/store"
	v1 "github.com/zirain/jwtauthn/policy/v1"
)

const maxBodyBytes = 4 << 20

// Server is the engine's HTTP front end.
type Server struct {
	listener net.Listener
	server   *http.Server

	eval  *evaluator.Evaluator
	store *store.Store
	cache *keyset.Cache
}

// New creates a Server listening on addr.
func New(addr string, eval *evaluator.Evaluator, st *store.Store, cache *keyset.Cache) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		zap.L().Error("Unable to listen on socket", zap.Error(err))
		return nil, fmt.Errorf("unable to listen on socket: %v", err)
	}

	s := &Server{
		listener: listener,
		eval:     eval,
		store:    st,
		cache:    cache,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/check", s.handleCheck)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	zap.L().Info("Listening", zap.String("addr", s.Addr()))
	return s, nil
}

// Addr returns the listening address of the server
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Run starts the server run
func (s *Server) Run(shutdown chan error) {
	shutdown <- s.server.Serve(s.listener)
}

// Close gracefully shuts down the server; used for testing
func (s *Server) Close() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

////////////////// check //////////////////////////

// CheckRequest is the per-request data supplied by the calling proxy.
type CheckRequest struct {
	Workload CheckWorkload       `json:"workload"`
	Headers  map[string][]string `json:"headers,omitempty"`
	Query    map[string][]string `json:"query,omitempty"`
	Cookies  map[string]string   `json:"cookies,omitempty"`
}

// CheckWorkload identifies the workload receiving the request.
type CheckWorkload struct {
	Namespace string             `json:"namespace"`
	Labels    map[string]string  `json:"labels,omitempty"`
	Resource  *policy.ResourceID `json:"resource,omitempty"`
}

// CheckResponse is the authentication outcome returned to the proxy.
type CheckResponse struct {
	Outcome   string              `json:"outcome"`
	Status    int                 `json:"status"`
	Principal string              `json:"principal,omitempty"`
	Issuer    string              `json:"issuer,omitempty"`
	Audiences []string            `json:"audiences,omitempty"`
	Claims    map[string][]string `json:"claims,omitempty"`

	// StripLocation names the extraction point the proxy should clear
	// before forwarding, when the matched rule does not forward the token.
	StripLocation string `json:"stripLocation,omitempty"`

	Reason          string `json:"reason,omitempty"`
	WWWAuthenticate string `json:"wwwAuthenticate,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CheckRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "malformed check request", http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	workload := policy.Workload{
		Namespace: req.Workload.Namespace,
		Labels:    req.Workload.Labels,
		Resource:  req.Workload.Resource,
	}

	// Header names arrive in whatever case the proxy used; canonicalize so
	// location lookups behave like net/http.
	headers := make(http.Header, len(req.Headers))
	for name, values := range req.Headers {
		for _, v := range values {
			headers.Add(name, v)
		}
	}

	result := s.eval.Evaluate(r.Context(), workload, extractor.Request{
		Headers: headers,
		Query:   url.Values(req.Query),
		Cookies: req.Cookies,
	})

	resp := CheckResponse{
		Outcome: result.Outcome.String(),
		Status:  http.StatusOK,
	}
	switch result.Outcome {
	case evaluator.Authenticated:
		resp.Principal = result.Principal
		resp.Issuer = result.Issuer
		resp.Audiences = result.Audiences
		resp.Claims = result.Claims.Flatten()
		if !result.ForwardToken {
			resp.StripLocation = result.MatchedLocation.Kind.String() + ":" + result.MatchedLocation.Name
		}
	case evaluator.Rejected:
		resp.Status = http.StatusUnauthorized
		if result.Rejection != nil {
			resp.Status = result.Rejection.HTTPCode()
			resp.Reason = result.Rejection.Error()
			resp.WWWAuthenticate = result.Rejection.WWWAuthenticate()
		}
	}

	zap.L().Debug("Check evaluated",
		zap.String("request_id", requestID),
		zap.String("namespace", workload.Namespace),
		zap.String("outcome", resp.Outcome),
		zap.Int("rules", result.RulesApplied),
	)

	writeJSON(w, http.StatusOK, &resp)
}

////////////////// snapshot //////////////////////////

// SnapshotDocument is the versioned policy set pushed by the control plane.
// The body may be YAML or JSON.
type SnapshotDocument struct {
	Version  int64                      `json:"version"`
	Policies []v1.RequestAuthentication `json:"policies"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	var doc SnapshotDocument
	if err := yaml.Unmarshal(body, &doc); err != nil {
		http.Error(w, "malformed snapshot: "+err.Error(), http.StatusBadRequest)
		return
	}

	snap := store.NewSnapshot(doc.Version, doc.Policies)
	if err := s.store.Swap(snap); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	// Entries for URIs no rule references any longer age out.
	s.cache.Retain(snap.JwksURIs())

	writeJSON(w, http.StatusOK, map[string]int64{"version": doc.Version})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, context.Canceled) {
		zap.L().Debug("Failed to write response", zap.Error(err))
	}
}
