// Package errors contains the evaluation error taxonomy and its mapping onto
// RFC 6750 bearer-token responses.
package errors

import (
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes - https://tools.ietf.org/html/rfc6750#section-3.1
const (
	InvalidRequest = "invalid_request"
	InvalidToken   = "invalid_token"
)

// Reason identifies why a token was rejected.
type Reason string

const (
	ReasonMalformed        Reason = "token malformed"
	ReasonBadSignature     Reason = "signature verification failed"
	ReasonAlgNotAllowed    Reason = "signing algorithm not allowed"
	ReasonExpired          Reason = "token expired"
	ReasonNotYetValid      Reason = "token not yet valid"
	ReasonIssuerMismatch   Reason = "issuer mismatch"
	ReasonAudienceMismatch Reason = "audience mismatch"
	ReasonKeyNotFound      Reason = "no key matches token kid"
	ReasonKeysUnavailable  Reason = "keys unavailable"
)

// TokenError rejects a presented credential.
type TokenError struct {
	Reason Reason
	Issuer string
	Msg    string
}

func (e *TokenError) Error() string {
	if e.Msg == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Msg
}

// HTTPCode returns the response status for the rejection.
func (e *TokenError) HTTPCode() int {
	return http.StatusUnauthorized
}

// WWWAuthenticate renders the RFC 6750 challenge header value.
func (e *TokenError) WWWAuthenticate() string {
	return fmt.Sprintf("Bearer realm=%q, error=%q, error_description=%q", "token", InvalidToken, e.Error())
}

// Rejection creates a TokenError for the given reason.
func Rejection(reason Reason, issuer, msg string) *TokenError {
	return &TokenError{Reason: reason, Issuer: issuer, Msg: msg}
}

// KeyFetchError reports a failure to obtain key material for a URI. It is
// only fatal to a request when no usable key set exists at all.
type KeyFetchError struct {
	URI string
	Err error
}

func (e *KeyFetchError) Error() string {
	return fmt.Sprintf("fetching keys from %s: %v", e.URI, e.Err)
}

func (e *KeyFetchError) Unwrap() error { return e.Err }

// ConfigurationError reports a malformed or contradictory policy. The policy
// is logged and skipped rather than crashing the evaluator.
type ConfigurationError struct {
	Policy string
	Msg    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("policy %s misconfigured: %s", e.Policy, e.Msg)
}
