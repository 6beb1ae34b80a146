package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zirain/jwtauthn/authserver/keyset"
	"github.com/zirain/jwtauthn/evaluator"
	"github.com/zirain/jwtauthn/policy/resolver"
	"github.com/zirain/jwtauthn/policy/store"
	"github.com/zirain/jwtauthn/validator"
)

type testServer struct {
	base   string
	client *http.Client
	srv    *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st := store.New()
	res, err := resolver.New(st, "istio-system")
	require.NoError(t, err)

	cache := keyset.NewCache(keyset.Options{
		TTL:                time.Minute,
		Grace:              time.Hour,
		FetchTimeout:       2 * time.Second,
		MinRefreshInterval: 10 * time.Second,
		Retention:          time.Minute,
	}, nil)

	eval, err := evaluator.New(res, validator.New(cache, time.Minute))
	require.NoError(t, err)

	srv, err := New("127.0.0.1:0", eval, st, cache)
	require.NoError(t, err)

	shutdown := make(chan error, 1)
	go srv.Run(shutdown)
	t.Cleanup(func() { _ = srv.Close() })

	return &testServer{
		base:   "http://" + srv.Addr(),
		client: &http.Client{Timeout: 5 * time.Second},
		srv:    srv,
	}
}

func (ts *testServer) do(t *testing.T, method, path, contentType string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.base+path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := ts.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (ts *testServer) check(t *testing.T, req CheckRequest) (*http.Response, CheckResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, raw := ts.do(t, http.MethodPost, "/check", "application/json", body)
	var out CheckResponse
	require.NoError(t, json.Unmarshal(raw, &out))
	return resp, out
}

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

func snapshotYAML(version int64, jwks string) []byte {
	return []byte(fmt.Sprintf(`
version: %d
policies:
  - metadata:
      namespace: frontend
      name: default
    spec:
      jwtRules:
        - issuer: issuer-foo
          jwks: %q
`, version, jwks))
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSnapshotThenCheck(t *testing.T) {
	ts := newTestServer(t)
	s := newSigner(t, "kid-1")

	resp, raw := ts.do(t, http.MethodPut, "/snapshot", "application/yaml", snapshotYAML(1, s.jwks))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	token := s.sign(t, jwt.MapClaims{
		"iss": "issuer-foo",
		"sub": "subject-1",
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	})

	// Lowercase header name from the proxy must still match.
	resp, out := ts.check(t, CheckRequest{
		Workload: CheckWorkload{Namespace: "frontend"},
		Headers:  map[string][]string{"authorization": {"Bearer " + token}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "authenticated", out.Outcome)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, "issuer-foo/subject-1", out.Principal)
	assert.Equal(t, "issuer-foo", out.Issuer)
	// The rule does not forward the original token.
	assert.Equal(t, "header:Authorization", out.StripLocation)
	assert.Equal(t, []string{"subject-1"}, out.Claims["request.auth.claims.sub"])
}

func TestCheckNoToken(t *testing.T) {
	ts := newTestServer(t)
	s := newSigner(t, "kid-1")

	resp, _ := ts.do(t, http.MethodPut, "/snapshot", "application/yaml", snapshotYAML(1, s.jwks))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, out := ts.check(t, CheckRequest{Workload: CheckWorkload{Namespace: "frontend"}})
	assert.Equal(t, "no_token", out.Outcome)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Empty(t, out.Principal)
}

func TestCheckRejectedExpiredToken(t *testing.T) {
	ts := newTestServer(t)
	s := newSigner(t, "kid-1")

	resp, _ := ts.do(t, http.MethodPut, "/snapshot", "application/yaml", snapshotYAML(1, s.jwks))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token := s.sign(t, jwt.MapClaims{
		"iss": "issuer-foo",
		"sub": "subject-1",
		"exp": float64(time.Now().Add(-time.Hour).Unix()),
	})

	_, out := ts.check(t, CheckRequest{
		Workload: CheckWorkload{Namespace: "frontend"},
		Headers:  map[string][]string{"Authorization": {"Bearer " + token}},
	})
	assert.Equal(t, "rejected", out.Outcome)
	assert.Equal(t, http.StatusUnauthorized, out.Status)
	assert.NotEmpty(t, out.Reason)
	assert.Contains(t, out.WWWAuthenticate, "Bearer")
}

func TestCheckUnmatchedNamespacePassesThrough(t *testing.T) {
	ts := newTestServer(t)
	s := newSigner(t, "kid-1")

	resp, _ := ts.do(t, http.MethodPut, "/snapshot", "application/yaml", snapshotYAML(1, s.jwks))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, out := ts.check(t, CheckRequest{
		Workload: CheckWorkload{Namespace: "backend"},
		Headers:  map[string][]string{"Authorization": {"Bearer not-a-jwt"}},
	})
	assert.Equal(t, "no_token", out.Outcome)
}

func TestSnapshotRejectsOlderVersion(t *testing.T) {
	ts := newTestServer(t)
	s := newSigner(t, "kid-1")

	resp, _ := ts.do(t, http.MethodPut, "/snapshot", "application/yaml", snapshotYAML(5, s.jwks))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPut, "/snapshot", "application/yaml", snapshotYAML(4, s.jwks))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSnapshotMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodPut, "/snapshot", "application/yaml", []byte("policies: [unterminated"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/check", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCheckMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodPost, "/check", "application/json", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
