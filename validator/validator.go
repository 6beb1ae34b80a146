// Package validator verifies JWTs against the rules that resolved for a
// workload, using key material from the key-set cache.
package validator

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/zirain/jwtauthn/authserver/keyset"
	autherrors "github.com/zirain/jwtauthn/errors"
	v1 "github.com/zirain/jwtauthn/policy/v1"
)

const kid = "kid"

// allowedAlgs is the signing-algorithm allow-list. "none" is absent by
// construction; symmetric schemes are accepted only against oct keys.
var allowedAlgs = map[string]struct{}{
	"RS256": {}, "RS384": {}, "RS512": {},
	"PS256": {}, "PS384": {}, "PS512": {},
	"ES256": {}, "ES384": {}, "ES512": {},
	"HS256": {}, "HS384": {}, "HS512": {},
}

// TokenValidator parses and validates JWT tokens according to a rule
type TokenValidator interface {
	Validate(ctx context.Context, tokenStr string, rule *v1.JwtRule) (*Result, *autherrors.TokenError)
}

// Result is the decoded claim set of a validated token.
type Result struct {
	Issuer    string
	Subject   string
	Claims    map[string]interface{}
	Audiences []string
}

// Principal returns the authenticated identity, issuer/subject.
func (r *Result) Principal() string {
	return r.Issuer + "/" + r.Subject
}

// Validator implements TokenValidator over the shared key-set cache.
type Validator struct {
	keys *keyset.Cache
	skew time.Duration
	now  func() time.Time
}

////////////////// constructor //////////////////

// New creates a new TokenValidator with the given clock-skew tolerance.
func New(keys *keyset.Cache, skew time.Duration) *Validator {
	return &Validator{keys: keys, skew: skew, now: time.Now}
}

////////////////// interface //////////////////////////

// Validate verifies signature, issuer, audience and time claims. Nothing in
// the token is trusted before the signature checks out.
func (v *Validator) Validate(ctx context.Context, tokenStr string, rule *v1.JwtRule) (*Result, *autherrors.TokenError) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	token, err := parser.Parse(tokenStr, v.keyfunc(ctx, rule))
	if err != nil {
		return nil, v.rejectionFor(err, rule.Issuer)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, autherrors.Rejection(autherrors.ReasonMalformed, rule.Issuer, "unexpected claims type")
	}

	if rejection := v.validateClaims(claims, rule); rejection != nil {
		zap.L().Debug("Unauthorized - invalid token", zap.String("issuer", rule.Issuer), zap.Error(rejection))
		return nil, rejection
	}

	sub, _ := claims["sub"].(string)
	return &Result{
		Issuer:    rule.Issuer,
		Subject:   sub,
		Claims:    claims,
		Audiences: audienceValues(claims["aud"]),
	}, nil
}

////////////////// signature //////////////////////////

// keyfunc resolves the verification key by kid and enforces the algorithm
// allow-list and algorithm/key-type agreement.
func (v *Validator) keyfunc(ctx context.Context, rule *v1.JwtRule) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		alg := token.Method.Alg()
		if _, ok := allowedAlgs[alg]; !ok {
			return nil, autherrors.Rejection(autherrors.ReasonAlgNotAllowed, rule.Issuer, fmt.Sprintf("alg %q", alg))
		}

		keyID, _ := token.Header[kid].(string)

		key, err := v.resolveKey(ctx, rule, keyID)
		if err != nil {
			return nil, err
		}

		// The declared algorithm must match the key type; a mismatch is the
		// classic algorithm-confusion attempt.
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
			if _, ok := key.(*rsa.PublicKey); !ok {
				return nil, autherrors.Rejection(autherrors.ReasonAlgNotAllowed, rule.Issuer, fmt.Sprintf("alg %q does not match key type", alg))
			}
		case *jwt.SigningMethodECDSA:
			if _, ok := key.(*ecdsa.PublicKey); !ok {
				return nil, autherrors.Rejection(autherrors.ReasonAlgNotAllowed, rule.Issuer, fmt.Sprintf("alg %q does not match key type", alg))
			}
		case *jwt.SigningMethodHMAC:
			if _, ok := key.([]byte); !ok {
				return nil, autherrors.Rejection(autherrors.ReasonAlgNotAllowed, rule.Issuer, fmt.Sprintf("alg %q does not match key type", alg))
			}
		default:
			return nil, autherrors.Rejection(autherrors.ReasonAlgNotAllowed, rule.Issuer, fmt.Sprintf("alg %q", alg))
		}

		return key, nil
	}
}

// resolveKey finds the verification key in the rule's inline set, the cache,
// or the rule's static fallback when the URI has never been fetchable.
func (v *Validator) resolveKey(ctx context.Context, rule *v1.JwtRule, keyID string) (interface{}, error) {
	if rule.Jwks != "" {
		keys, err := keyset.ParseKeySet([]byte(rule.Jwks))
		if err != nil {
			return nil, &autherrors.ConfigurationError{Policy: rule.Issuer, Msg: "inline jwks malformed"}
		}
		if key := keys.Get(keyID); key != nil {
			return key, nil
		}
		return nil, keyset.ErrKeyNotFound
	}

	key, err := v.keys.Key(ctx, rule.JwksURI, keyID)
	if err == nil {
		return key, nil
	}

	var fetchErr *autherrors.KeyFetchError
	if errors.As(err, &fetchErr) && rule.FallbackJwks != "" {
		keys, perr := keyset.ParseKeySet([]byte(rule.FallbackJwks))
		if perr != nil {
			return nil, err
		}
		if key := keys.Get(keyID); key != nil {
			zap.L().Debug("Using static fallback keys", zap.String("issuer", rule.Issuer))
			return key, nil
		}
	}
	return nil, err
}

// rejectionFor maps a parse failure to a specific rejection reason.
func (v *Validator) rejectionFor(err error, issuer string) *autherrors.TokenError {
	var tokenErr *autherrors.TokenError
	if errors.As(err, &tokenErr) {
		return tokenErr
	}
	var fetchErr *autherrors.KeyFetchError
	if errors.As(err, &fetchErr) {
		return autherrors.Rejection(autherrors.ReasonKeysUnavailable, issuer, fetchErr.Error())
	}
	if errors.Is(err, keyset.ErrKeyNotFound) {
		return autherrors.Rejection(autherrors.ReasonKeyNotFound, issuer, "")
	}
	var cfgErr *autherrors.ConfigurationError
	if errors.As(err, &cfgErr) {
		return autherrors.Rejection(autherrors.ReasonKeysUnavailable, issuer, cfgErr.Error())
	}

	var vErr *jwt.ValidationError
	if errors.As(err, &vErr) {
		switch {
		case vErr.Errors&jwt.ValidationErrorMalformed != 0:
			return autherrors.Rejection(autherrors.ReasonMalformed, issuer, "token contains an invalid number of segments")
		case vErr.Errors&jwt.ValidationErrorSignatureInvalid != 0:
			return autherrors.Rejection(autherrors.ReasonBadSignature, issuer, "")
		}
	}
	return autherrors.Rejection(autherrors.ReasonBadSignature, issuer, err.Error())
}

////////////////// claims //////////////////////////

// validateClaims checks issuer, audience, and time claims with the
// configured skew tolerance.
func (v *Validator) validateClaims(claims jwt.MapClaims, rule *v1.JwtRule) *autherrors.TokenError {
	iss, _ := claims["iss"].(string)
	if iss != rule.Issuer {
		return autherrors.Rejection(autherrors.ReasonIssuerMismatch, rule.Issuer, fmt.Sprintf("token issuer %q", iss))
	}

	if len(rule.Audiences) > 0 {
		if !audiencesIntersect(rule.Audiences, audienceValues(claims["aud"])) {
			return autherrors.Rejection(autherrors.ReasonAudienceMismatch, rule.Issuer, "")
		}
	}

	now := v.now()

	if exp, ok := numericDate(claims["exp"]); ok {
		if !now.Before(exp.Add(v.skew)) {
			return autherrors.Rejection(autherrors.ReasonExpired, rule.Issuer, "")
		}
	}
	if nbf, ok := numericDate(claims["nbf"]); ok {
		if now.Add(v.skew).Before(nbf) {
			return autherrors.Rejection(autherrors.ReasonNotYetValid, rule.Issuer, "nbf is in the future")
		}
	}
	if iat, ok := numericDate(claims["iat"]); ok {
		if now.Add(v.skew).Before(iat) {
			return autherrors.Rejection(autherrors.ReasonNotYetValid, rule.Issuer, "iat is in the future")
		}
	}

	return nil
}

// audienceValues normalizes the aud claim, which may be a single value or a set.
func audienceValues(aud interface{}) []string {
	switch t := aud.(type) {
	case string:
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func audiencesIntersect(required, presented []string) bool {
	for _, r := range required {
		for _, p := range presented {
			if r == p {
				return true
			}
		}
	}
	return false
}

func numericDate(claim interface{}) (time.Time, bool) {
	switch t := claim.(type) {
	case float64:
		return time.Unix(int64(t), 0), true
	case int64:
		return time.Unix(t, 0), true
	}
	return time.Time{}, false
}
