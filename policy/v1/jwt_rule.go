package v1

import (
	"errors"
	"net/url"
)

// JwtRule describes one acceptable token issuer and how to verify its tokens.
type JwtRule struct {
	// Issuer must equal the token's `iss` claim exactly.
	Issuer string `json:"issuer"`

	// Audiences, when set, requires the token's `aud` claim to contain at
	// least one of the listed values.
	Audiences []string `json:"audiences,omitempty"`

	// JwksURI is the endpoint publishing the issuer's key set.
	JwksURI string `json:"jwksUri,omitempty"`

	// Jwks is an inline JSON key set, used instead of JwksURI.
	Jwks string `json:"jwks,omitempty"`

	// FallbackJwks is a static key set used only when JwksURI has never
	// been fetchable.
	FallbackJwks string `json:"fallbackJwks,omitempty"`

	// Token extraction locations, attempted in declared order. When none
	// are set the Authorization header with a "Bearer " prefix is used.
	FromHeaders []JwtHeader `json:"fromHeaders,omitempty"`
	FromParams  []string    `json:"fromParams,omitempty"`
	FromCookies []string    `json:"fromCookies,omitempty"`

	// ForwardOriginalToken keeps the credential on the annotated request
	// instead of stripping it after validation.
	ForwardOriginalToken bool `json:"forwardOriginalToken,omitempty"`
}

// JwtHeader names a header carrying a token and the value prefix to strip.
type JwtHeader struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix,omitempty"`
}

// Validate reports whether the rule is well formed enough to evaluate.
func (r *JwtRule) Validate() error {
	if r.Issuer == "" {
		return errors.New("jwt rule missing issuer")
	}
	if r.JwksURI == "" && r.Jwks == "" {
		return errors.New("jwt rule missing jwks source")
	}
	if r.JwksURI != "" {
		u, err := url.Parse(r.JwksURI)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("jwt rule jwksUri is not an absolute URL")
		}
	}
	return nil
}
