// Package store holds the current policy snapshot. Snapshots are immutable;
// updates are atomic swaps so a resolution in progress never observes a
// half-updated policy set.
package store

import (
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	autherrors "github.com/zirain/jwtauthn/errors"
	v1 "github.com/zirain/jwtauthn/policy/v1"
)

// PolicyStore stores policy snapshots
type PolicyStore interface {
	Snapshot() *Snapshot
	Swap(*Snapshot) error
}

// Snapshot is one immutable, versioned view of all policy objects.
type Snapshot struct {
	version     int64
	byNamespace map[string][]*v1.RequestAuthentication
}

// NewSnapshot indexes the given policies by namespace. Policies whose rules
// are all malformed are skipped with a logged ConfigurationError; a policy
// with a mix keeps its well-formed rules.
func NewSnapshot(version int64, policies []v1.RequestAuthentication) *Snapshot {
	s := &Snapshot{
		version:     version,
		byNamespace: make(map[string][]*v1.RequestAuthentication),
	}
	for i := range policies {
		p := sanitize(&policies[i])
		if p == nil {
			continue
		}
		s.byNamespace[p.Namespace] = append(s.byNamespace[p.Namespace], p)
	}
	// Deterministic order within a namespace.
	for _, list := range s.byNamespace {
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	}
	return s
}

// Version returns the snapshot's control-plane version.
func (s *Snapshot) Version() int64 { return s.version }

// Namespace returns the policies owned by the given namespace, name-sorted.
func (s *Snapshot) Namespace(ns string) []*v1.RequestAuthentication {
	return s.byNamespace[ns]
}

// JwksURIs returns every key-set URI referenced by any rule in the snapshot.
func (s *Snapshot) JwksURIs() map[string]struct{} {
	uris := make(map[string]struct{})
	for _, list := range s.byNamespace {
		for _, p := range list {
			for i := range p.Spec.JwtRules {
				if uri := p.Spec.JwtRules[i].JwksURI; uri != "" {
					uris[uri] = struct{}{}
				}
			}
		}
	}
	return uris
}

// sanitize drops malformed rules, logging each as a ConfigurationError. A
// policy with no usable rule still matches workloads (it resolves to zero
// rules, which permits unauthenticated traffic), so it is kept.
func sanitize(p *v1.RequestAuthentication) *v1.RequestAuthentication {
	rules := make([]v1.JwtRule, 0, len(p.Spec.JwtRules))
	for i := range p.Spec.JwtRules {
		r := p.Spec.JwtRules[i]
		if err := r.Validate(); err != nil {
			cfgErr := &autherrors.ConfigurationError{Policy: p.Key(), Msg: err.Error()}
			zap.L().Warn("Skipping malformed jwt rule", zap.String("policy", p.Key()), zap.Error(cfgErr))
			continue
		}
		rules = append(rules, r)
	}
	out := *p
	out.Spec.JwtRules = rules
	return &out
}

// Store is the process-wide snapshot holder.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// New creates a Store holding an empty snapshot.
func New() *Store {
	s := &Store{}
	s.current.Store(NewSnapshot(0, nil))
	return s
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Swap installs a newer snapshot. A snapshot older than the current one is
// rejected; the control plane may deliver retries out of order.
func (s *Store) Swap(next *Snapshot) error {
	for {
		cur := s.current.Load()
		if next.version < cur.version {
			return fmt.Errorf("rejecting snapshot version %d: current version is %d", next.version, cur.version)
		}
		if s.current.CompareAndSwap(cur, next) {
			zap.L().Info("Installed policy snapshot", zap.Int64("version", next.version))
			return nil
		}
	}
}
