package evaluator

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/zirain/jwtauthn/authserver/keyset"
	autherrors "github.com/zirain/jwtauthn/errors"
	"github.com/zirain/jwtauthn/extractor"
	"github.com/zirain/jwtauthn/policy"
	"github.com/zirain/jwtauthn/policy/resolver"
	"github.com/zirain/jwtauthn/policy/store"
	v1 "github.com/zirain/jwtauthn/policy/v1"
	"github.com/zirain/jwtauthn/validator"
)

const (
	issuerFoo = "issuer-foo"
	issuerBar = "issuer-bar"
)

type signer struct {
	key  *rsa.PrivateKey
	kid  string
	jwks string
}

func newSigner(t *testing.T, kid string) *signer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	doc, err := json.Marshal(map[string]interface{}{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": kid,
			"n":   base64.RawURLEncoding.EncodeToString(priv.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.PublicKey.E)).Bytes()),
		}},
	})
	require.NoError(t, err)
	return &signer{key: priv, kid: kid, jwks: string(doc)}
}

func (s *signer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	str, err := token.SignedString(s.key)
	require.NoError(t, err)
	return str
}

func claimsFor(issuer string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": issuer,
		"sub": "subject-1",
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	}
}

func newEvaluator(t *testing.T, policies ...v1.RequestAuthentication) *Evaluator {
	t.Helper()
	st := store.New()
	require.NoError(t, st.Swap(store.NewSnapshot(1, policies)))

	res, err := resolver.New(st, "istio-system")
	require.NoError(t, err)

	cache := keyset.NewCache(keyset.Options{
		TTL:                time.Minute,
		Grace:              time.Hour,
		FetchTimeout:       2 * time.Second,
		MinRefreshInterval: 10 * time.Second,
		Retention:          time.Minute,
	}, nil)

	e, err := New(res, validator.New(cache, time.Minute))
	require.NoError(t, err)
	return e
}

func authnPolicy(ns, name string, rules ...v1.JwtRule) v1.RequestAuthentication {
	return v1.RequestAuthentication{
		ObjectMeta: metav1.ObjectMeta{Namespace: ns, Name: name},
		Spec:       v1.RequestAuthenticationSpec{JwtRules: rules},
	}
}

func bearer(token string) extractor.Request {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return extractor.Request{Headers: h}
}

func TestEvaluateNoRulesPassesThrough(t *testing.T) {
	e := newEvaluator(t)

	result := e.Evaluate(context.Background(), policy.Workload{Namespace: "frontend"}, bearer("whatever"))
	assert.Equal(t, NoTokenPresent, result.Outcome)
}

func TestEvaluateNoTokenPresent(t *testing.T) {
	s := newSigner(t, "kid-1")
	e := newEvaluator(t, authnPolicy("frontend", "default",
		v1.JwtRule{Issuer: issuerFoo, Jwks: s.jwks}))

	result := e.Evaluate(context.Background(), policy.Workload{Namespace: "frontend"}, extractor.Request{})
	assert.Equal(t, NoTokenPresent, result.Outcome)
	assert.Equal(t, 1, result.RulesApplied)
	assert.Nil(t, result.Rejection)
}

func TestEvaluateAuthenticated(t *testing.T) {
	s := newSigner(t, "kid-1")
	e := newEvaluator(t, authnPolicy("frontend", "default",
		v1.JwtRule{Issuer: issuerFoo, Jwks: s.jwks}))

	claims := claimsFor(issuerFoo)
	claims["name"] = map[string]interface{}{"givenName": "Alice"}

	result := e.Evaluate(context.Background(), policy.Workload{Namespace: "frontend"}, bearer(s.sign(t, claims)))
	require.Equal(t, Authenticated, result.Outcome)
	assert.Equal(t, issuerFoo+"/subject-1", result.Principal)
	assert.Equal(t, issuerFoo, result.Issuer)
	assert.Equal(t, "frontend/default", result.MatchedRule)
	assert.False(t, result.ForwardToken)

	v, ok := result.Claims.Lookup("request.auth.claims.name.givenName")
	require.True(t, ok)
	assert.True(t, v.Equals("Alice"))
}

func TestEvaluateExpiredTokenRejected(t *testing.T) {
	s := newSigner(t, "kid-1")
	e := newEvaluator(t, authnPolicy("frontend", "default",
		v1.JwtRule{Issuer: issuerFoo, Jwks: s.jwks}))

	claims := claimsFor(issuerFoo)
	claims["exp"] = float64(time.Now().Add(-time.Hour).Unix())

	result := e.Evaluate(context.Background(), policy.Workload{Namespace: "frontend"}, bearer(s.sign(t, claims)))
	require.Equal(t, Rejected, result.Outcome)
	require.NotNil(t, result.Rejection)
	assert.Equal(t, autherrors.ReasonExpired, result.Rejection.Reason)
}

func TestEvaluateIssuerMismatchRejected(t *testing.T) {
	s := newSigner(t, "kid-1")
	e := newEvaluator(t, authnPolicy("frontend", "default",
		v1.JwtRule{Issuer: issuerFoo, Jwks: s.jwks}))

	result := e.Evaluate(context.Background(), policy.Workload{Namespace: "frontend"},
		bearer(s.sign(t, claimsFor(issuerBar))))
	require.Equal(t, Rejected, result.Outcome)
	require.NotNil(t, result.Rejection)
	assert.Equal(t, autherrors.ReasonIssuerMismatch, result.Rejection.Reason)
}

func TestEvaluateSecondRuleSatisfied(t *testing.T) {
	// Two resolved rules; the token is issued by the second rule's issuer.
	// The first rule fails on issuer mismatch, the second authenticates.
	fooSigner := newSigner(t, "kid-foo")
	barSigner := newSigner(t, "kid-bar")

	e := newEvaluator(t, authnPolicy("frontend", "default",
		v1.JwtRule{Issuer: issuerFoo, Jwks: fooSigner.jwks},
		v1.JwtRule{Issuer: issuerBar, Jwks: barSigner.jwks},
	))

	result := e.Evaluate(context.Background(), policy.Workload{Namespace: "frontend"},
		bearer(barSigner.sign(t, claimsFor(issuerBar))))
	require.Equal(t, Authenticated, result.Outcome)
	assert.Equal(t, issuerBar, result.Issuer)
	assert.Equal(t, issuerBar+"/subject-1", result.Principal)
}

func TestEvaluateMultiTokenDeterministicTieBreak(t *testing.T) {
	// Tokens presented at two locations simultaneously: rule order, then
	// location order, decides. The first rule's location is the custom
	// header, so its token wins even though the Authorization header also
	// carries a valid token for the second rule.
	fooSigner := newSigner(t, "kid-foo")
	barSigner := newSigner(t, "kid-bar")

	e := newEvaluator(t, authnPolicy("frontend", "default",
		v1.JwtRule{
			Issuer:      issuerFoo,
			Jwks:        fooSigner.jwks,
			FromHeaders: []v1.JwtHeader{{Name: "X-Foo-Token"}},
		},
		v1.JwtRule{Issuer: issuerBar, Jwks: barSigner.jwks},
	))

	h := http.Header{}
	h.Set("X-Foo-Token", fooSigner.sign(t, claimsFor(issuerFoo)))
	h.Set("Authorization", "Bearer "+barSigner.sign(t, claimsFor(issuerBar)))

	result := e.Evaluate(context.Background(), policy.Workload{Namespace: "frontend"},
		extractor.Request{Headers: h})
	require.Equal(t, Authenticated, result.Outcome)
	assert.Equal(t, issuerFoo, result.Issuer)
	assert.Equal(t, extractor.Header, result.MatchedLocation.Kind)
	assert.Equal(t, "X-Foo-Token", result.MatchedLocation.Name)
}

func TestEvaluateTokenFromQueryParam(t *testing.T) {
	s := newSigner(t, "kid-1")
	e := newEvaluator(t, authnPolicy("frontend", "default",
		v1.JwtRule{Issuer: issuerFoo, Jwks: s.jwks, FromParams: []string{"access_token"}}))

	q := url.Values{}
	q.Set("access_token", s.sign(t, claimsFor(issuerFoo)))

	result := e.Evaluate(context.Background(), policy.Workload{Namespace: "frontend"},
		extractor.Request{Query: q})
	require.Equal(t, Authenticated, result.Outcome)
	assert.Equal(t, extractor.QueryParam, result.MatchedLocation.Kind)
}

func TestEvaluateForwardToken(t *testing.T) {
	s := newSigner(t, "kid-1")
	e := newEvaluator(t, authnPolicy("frontend", "default",
		v1.JwtRule{Issuer: issuerFoo, Jwks: s.jwks, ForwardOriginalToken: true}))

	result := e.Evaluate(context.Background(), policy.Workload{Namespace: "frontend"},
		bearer(s.sign(t, claimsFor(issuerFoo))))
	require.Equal(t, Authenticated, result.Outcome)
	assert.True(t, result.ForwardToken)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}
