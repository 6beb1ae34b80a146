// Package resolver determines which policies apply to a workload and merges
// their rule sets.
package resolver

import (
	"errors"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/labels"

	autherrors "github.com/zirain/jwtauthn/errors"
	"github.com/zirain/jwtauthn/policy"
	"github.com/zirain/jwtauthn/policy/store"
	v1 "github.com/zirain/jwtauthn/policy/v1"
)

// ResolvedRule is one eligible rule plus the policy it came from.
type ResolvedRule struct {
	Rule   *v1.JwtRule
	Policy string
}

// ResolvedPolicySet is the union of rules from every matching policy. Rule
// order is deterministic (root-namespace policies first, then same-namespace,
// each name-sorted, rules in declaration order) but establishes no
// precedence; every rule is independently eligible to be satisfied.
type ResolvedPolicySet struct {
	Rules []ResolvedRule
}

// Empty reports whether no rules resolved, meaning the workload requires no
// authentication.
func (s ResolvedPolicySet) Empty() bool { return len(s.Rules) == 0 }

// matchMode is the policy's configured match strategy.
type matchMode int

const (
	modeUnset matchMode = iota
	modeSelector
	modeTargetRefs
)

// scope distinguishes root-namespace policies, which broaden their reach.
type scope int

const (
	scopeNamespace scope = iota
	scopeRoot
)

// matchFunc decides whether one policy applies to the workload. One function
// per {match mode} x {scope} cell keeps the root-namespace broadening
// auditable instead of burying it in conditionals.
type matchFunc func(p *v1.RequestAuthentication, w policy.Workload) bool

var matrix = map[matchMode]map[scope]matchFunc{
	// No selector and no target refs: the policy applies to every workload
	// in its namespace, or mesh-wide from the root namespace.
	modeUnset: {
		scopeNamespace: func(*v1.RequestAuthentication, policy.Workload) bool { return true },
		scopeRoot:      func(*v1.RequestAuthentication, policy.Workload) bool { return true },
	},
	// Label-subset selector. Scope only changes which workloads see the
	// policy at all (handled by namespace collection), not the match test.
	modeSelector: {
		scopeNamespace: matchSelector,
		scopeRoot:      matchSelector,
	},
	// Target refs: exact resource match in the policy's namespace. From the
	// root namespace the reference broadens to matching resources in any
	// namespace; this is a deliberate scope expansion of the contract.
	modeTargetRefs: {
		scopeNamespace: func(p *v1.RequestAuthentication, w policy.Workload) bool {
			return w.Namespace == p.Namespace && matchTargetRefs(p, w)
		},
		scopeRoot: func(p *v1.RequestAuthentication, w policy.Workload) bool {
			return matchTargetRefs(p, w)
		},
	},
}

// Resolver computes ResolvedPolicySets against the store's current snapshot.
// It keeps no caches of its own; re-resolution picks up snapshot swaps.
type Resolver struct {
	store         store.PolicyStore
	rootNamespace string
}

// New creates a Resolver.
func New(st store.PolicyStore, rootNamespace string) (*Resolver, error) {
	if st == nil {
		zap.L().Error("Trying to create Resolver, but no store provided.")
		return nil, errors.New("could not create resolver using undefined store")
	}
	return &Resolver{store: st, rootNamespace: rootNamespace}, nil
}

// Resolve returns the merged rule set for the workload: root-namespace
// policies plus policies in the workload's own namespace, filtered through
// the match matrix.
func (r *Resolver) Resolve(w policy.Workload) ResolvedPolicySet {
	snap := r.store.Snapshot()

	var set ResolvedPolicySet
	if r.rootNamespace != "" && r.rootNamespace != w.Namespace {
		r.collect(&set, snap.Namespace(r.rootNamespace), scopeRoot, w)
	}
	r.collect(&set, snap.Namespace(w.Namespace), scopeNamespace, w)

	zap.L().Debug("Resolved policies",
		zap.String("namespace", w.Namespace),
		zap.Int("rules", len(set.Rules)),
	)
	return set
}

func (r *Resolver) collect(set *ResolvedPolicySet, policies []*v1.RequestAuthentication, sc scope, w policy.Workload) {
	for _, p := range policies {
		mode := r.modeOf(p, w)
		if !matrix[mode][sc](p, w) {
			continue
		}
		for i := range p.Spec.JwtRules {
			set.Rules = append(set.Rules, ResolvedRule{Rule: &p.Spec.JwtRules[i], Policy: p.Key()})
		}
	}
}

// modeOf picks the policy's match strategy. Selector and target refs are
// mutually exclusive at admission; a policy carrying both is tolerated by
// treating target refs as authoritative when the workload has a resource
// identity, else falling back to the selector.
func (r *Resolver) modeOf(p *v1.RequestAuthentication, w policy.Workload) matchMode {
	hasSelector := p.Spec.Selector != nil
	hasRefs := len(p.Spec.TargetRefs) > 0

	switch {
	case hasSelector && hasRefs:
		cfgErr := &autherrors.ConfigurationError{Policy: p.Key(), Msg: "both selector and targetRefs set"}
		zap.L().Warn("Tolerating misconfigured policy", zap.Error(cfgErr))
		if w.Resource != nil {
			return modeTargetRefs
		}
		return modeSelector
	case hasRefs:
		return modeTargetRefs
	case hasSelector:
		return modeSelector
	default:
		return modeUnset
	}
}

func matchSelector(p *v1.RequestAuthentication, w policy.Workload) bool {
	sel := labels.SelectorFromSet(p.Spec.Selector.MatchLabels)
	return sel.Matches(labels.Set(w.Labels))
}

func matchTargetRefs(p *v1.RequestAuthentication, w policy.Workload) bool {
	if w.Resource == nil {
		return false
	}
	for _, ref := range p.Spec.TargetRefs {
		if w.Resource.Matches(ref.Group, ref.Kind, ref.Name) {
			return true
		}
	}
	return false
}
