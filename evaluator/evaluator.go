// Package evaluator orchestrates per-request authentication: resolve the
// applicable policies, locate candidate tokens, validate them, and produce
// an authentication outcome.
package evaluator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/zirain/jwtauthn/claims"
	autherrors "github.com/zirain/jwtauthn/errors"
	"github.com/zirain/jwtauthn/extractor"
	"github.com/zirain/jwtauthn/policy"
	"github.com/zirain/jwtauthn/policy/resolver"
	"github.com/zirain/jwtauthn/validator"
)

// Outcome is the authentication decision for one request.
type Outcome int

const (
	// NoTokenPresent - no resolved rule found any token; the request passes
	// through unauthenticated. Absence of credentials is permitted.
	NoTokenPresent Outcome = iota
	// Authenticated - a token validated against one of the resolved rules.
	Authenticated
	// Rejected - at least one token was presented and every presented token
	// failed validation. The evaluator never fails open on a validation
	// error.
	Rejected
)

func (o Outcome) String() string {
	return [...]string{"no_token", "authenticated", "rejected"}[o]
}

// Result carries the outcome plus, on success, the derived identity and
// projected claims.
type Result struct {
	Outcome   Outcome
	Principal string
	Issuer    string
	Audiences []string
	Claims    *claims.Projection
	RawClaims map[string]interface{}

	// MatchedRule and MatchedLocation identify the satisfied rule; the
	// caller uses them for token forwarding decisions.
	MatchedRule     string
	MatchedLocation extractor.Location
	ForwardToken    bool

	// Rejection is set when Outcome is Rejected.
	Rejection *autherrors.TokenError

	// RulesApplied is how many rules resolved for the workload.
	RulesApplied int
}

// Evaluator runs the authentication decision per request. Instances are
// safe for concurrent use; evaluation holds no shared mutable state beyond
// the key-set cache.
type Evaluator struct {
	resolver  *resolver.Resolver
	validator validator.TokenValidator
}

// New creates an Evaluator.
func New(r *resolver.Resolver, v validator.TokenValidator) (*Evaluator, error) {
	if r == nil || v == nil {
		return nil, errors.New("evaluator requires a resolver and a validator")
	}
	return &Evaluator{resolver: r, validator: v}, nil
}

// Evaluate runs one request through the resolved rule set.
//
// Rules are attempted in resolved order and, within a rule, locations in
// declared order; the first location holding a token is that rule's only
// candidate, and the first rule whose candidate validates wins. When tokens
// are presented at several locations simultaneously this ordering is the
// documented deterministic tie-break. If every presented token fails, the
// last failure is surfaced.
func (e *Evaluator) Evaluate(ctx context.Context, w policy.Workload, req extractor.Request) *Result {
	set := e.resolver.Resolve(w)
	if set.Empty() {
		// Zero resolved rules: the workload requires no authentication.
		outcomes.WithLabelValues(NoTokenPresent.String()).Inc()
		return &Result{Outcome: NoTokenPresent}
	}

	var lastRejection *autherrors.TokenError
	tokenFound := false

	for i := range set.Rules {
		rule := set.Rules[i].Rule

		token, loc, ok := extractor.Token(req, rule)
		if !ok {
			continue
		}
		tokenFound = true

		if ctx.Err() != nil {
			// Request abandoned; any refresh it triggered keeps running.
			outcomes.WithLabelValues(Rejected.String()).Inc()
			return &Result{Outcome: Rejected, RulesApplied: len(set.Rules),
				Rejection: autherrors.Rejection(autherrors.ReasonKeysUnavailable, rule.Issuer, ctx.Err().Error())}
		}

		res, rejection := e.validator.Validate(ctx, token, rule)
		if rejection != nil {
			zap.L().Debug("Rule rejected token",
				zap.String("policy", set.Rules[i].Policy),
				zap.String("issuer", rule.Issuer),
				zap.Error(rejection),
			)
			lastRejection = rejection
			continue
		}

		outcomes.WithLabelValues(Authenticated.String()).Inc()
		return &Result{
			Outcome:         Authenticated,
			Principal:       res.Principal(),
			Issuer:          res.Issuer,
			Audiences:       res.Audiences,
			Claims:          claims.Project(res.Claims),
			RawClaims:       res.Claims,
			MatchedRule:     set.Rules[i].Policy,
			MatchedLocation: loc,
			ForwardToken:    rule.ForwardOriginalToken,
			RulesApplied:    len(set.Rules),
		}
	}

	if !tokenFound {
		outcomes.WithLabelValues(NoTokenPresent.String()).Inc()
		return &Result{Outcome: NoTokenPresent, RulesApplied: len(set.Rules)}
	}

	outcomes.WithLabelValues(Rejected.String()).Inc()
	return &Result{Outcome: Rejected, Rejection: lastRejection, RulesApplied: len(set.Rules)}
}
