// Package extractor locates candidate bearer tokens on a request according
// to a rule's configured extraction points.
package extractor

import (
	"net/http"
	"net/url"
	"strings"

	v1 "github.com/zirain/jwtauthn/policy/v1"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

// LocationKind names a token extraction point type.
type LocationKind int

const (
	// Header token locations
	Header LocationKind = iota
	// QueryParam token locations
	QueryParam
	// Cookie token locations
	Cookie
)

func (k LocationKind) String() string {
	return [...]string{"header", "query", "cookie"}[k]
}

// Location is a single extraction point on a request.
type Location struct {
	Kind   LocationKind
	Name   string
	Prefix string
}

// Request holds the per-request data tokens are extracted from. Extraction
// is pure; the request is never modified.
type Request struct {
	Headers http.Header
	Query   url.Values
	Cookies map[string]string
}

// FromHTTP builds a Request from an *http.Request.
func FromHTTP(r *http.Request) Request {
	cookies := make(map[string]string, len(r.Cookies()))
	for _, c := range r.Cookies() {
		if _, ok := cookies[c.Name]; !ok {
			cookies[c.Name] = c.Value
		}
	}
	return Request{
		Headers: r.Header,
		Query:   r.URL.Query(),
		Cookies: cookies,
	}
}

// Locations returns a rule's extraction points in declared order, or the
// default Authorization/Bearer location when none are configured.
func Locations(rule *v1.JwtRule) []Location {
	n := len(rule.FromHeaders) + len(rule.FromParams) + len(rule.FromCookies)
	if n == 0 {
		return []Location{{Kind: Header, Name: authorizationHeader, Prefix: bearerPrefix}}
	}
	locs := make([]Location, 0, n)
	for _, h := range rule.FromHeaders {
		locs = append(locs, Location{Kind: Header, Name: h.Name, Prefix: h.Prefix})
	}
	for _, p := range rule.FromParams {
		locs = append(locs, Location{Kind: QueryParam, Name: p})
	}
	for _, c := range rule.FromCookies {
		locs = append(locs, Location{Kind: Cookie, Name: c})
	}
	return locs
}

// Token returns the first token present at the rule's locations, in declared
// order. Prefix matching on headers is case-sensitive.
func Token(req Request, rule *v1.JwtRule) (string, Location, bool) {
	for _, loc := range Locations(rule) {
		if token, ok := extract(req, loc); ok {
			return token, loc, true
		}
	}
	return "", Location{}, false
}

func extract(req Request, loc Location) (string, bool) {
	switch loc.Kind {
	case Header:
		value := req.Headers.Get(loc.Name)
		if value == "" {
			return "", false
		}
		if loc.Prefix != "" {
			if !strings.HasPrefix(value, loc.Prefix) {
				return "", false
			}
			value = value[len(loc.Prefix):]
		}
		return value, value != ""
	case QueryParam:
		value := req.Query.Get(loc.Name)
		return value, value != ""
	case Cookie:
		value := req.Cookies[loc.Name]
		return value, value != ""
	}
	return "", false
}
