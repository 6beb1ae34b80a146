// Package claims flattens validated token claims into the metadata namespace
// consumed by routing and authorization, addressable as
// request.auth.claims.<path>.
//
// Projection is a public contract: string values project as strings, arrays
// project as unordered sets of their string elements, nested objects project
// recursively, and every other value type is omitted rather than an error.
// Downstream matching depends on predictable omission, not failure. (The
// claim-rule matcher in the validator's lineage coerces numbers and booleans
// into match sets; projection deliberately does not.)
package claims

import (
	"fmt"
	"sort"
	"strings"
)

// Prefix is the root of the projected metadata namespace.
const Prefix = "request.auth.claims"

// Kind discriminates projected values.
type Kind int

const (
	// String is a single string value, matched exactly or by prefix.
	String Kind = iota
	// Set is an unordered set of permitted string values.
	Set
	// Object is an intermediate node with children.
	Object
)

// Value is one node of the projection.
type Value struct {
	kind     Kind
	str      string
	set      map[string]struct{}
	children map[string]*Value
}

// Kind returns the node's kind.
func (v *Value) Kind() Kind { return v.kind }

// String returns the string value of a String node.
func (v *Value) String() string { return v.str }

// Equals reports whether the node matches s exactly: a String node by value
// equality, a Set node by membership.
func (v *Value) Equals(s string) bool {
	switch v.kind {
	case String:
		return v.str == s
	case Set:
		_, ok := v.set[s]
		return ok
	}
	return false
}

// HasPrefix reports whether the node's value (or any set member) starts with p.
func (v *Value) HasPrefix(p string) bool {
	switch v.kind {
	case String:
		return strings.HasPrefix(v.str, p)
	case Set:
		for member := range v.set {
			if strings.HasPrefix(member, p) {
				return true
			}
		}
	}
	return false
}

// Members returns a Set node's values, sorted for determinism.
func (v *Value) Members() []string {
	if v.kind != Set {
		return nil
	}
	out := make([]string, 0, len(v.set))
	for member := range v.set {
		out = append(out, member)
	}
	sort.Strings(out)
	return out
}

// Projection is the flattened claim namespace of one validated token.
type Projection struct {
	root *Value
}

// Project builds the projection for a validated claim set.
func Project(claimSet map[string]interface{}) *Projection {
	return &Projection{root: projectObject(claimSet)}
}

func projectObject(m map[string]interface{}) *Value {
	node := &Value{kind: Object, children: make(map[string]*Value, len(m))}
	for k, raw := range m {
		if child := projectValue(raw); child != nil {
			node.children[k] = child
		}
	}
	return node
}

// projectValue converts one claim value, returning nil for unsupported types.
func projectValue(raw interface{}) *Value {
	switch t := raw.(type) {
	case string:
		return &Value{kind: String, str: t}
	case []interface{}:
		set := make(map[string]struct{}, len(t))
		for _, member := range t {
			s, ok := member.(string)
			if !ok {
				return nil
			}
			set[s] = struct{}{}
		}
		return &Value{kind: Set, set: set}
	case map[string]interface{}:
		return projectObject(t)
	}
	return nil
}

// Lookup resolves an attribute path such as
// request.auth.claims.name.givenName or request.auth.claims[foo.com/name].
// A key containing a literal dot is addressable only via the bracket form.
func (p *Projection) Lookup(path string) (*Value, bool) {
	segments, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	node := p.root
	for _, seg := range segments {
		if node.kind != Object {
			return nil, false
		}
		next, ok := node.children[seg]
		if !ok {
			return nil, false
		}
		node = next
	}
	if node == p.root {
		return nil, false
	}
	return node, true
}

// Flatten renders every leaf as an addressable attribute name mapped to its
// permitted values. Keys needing escaping use the bracket form.
func (p *Projection) Flatten() map[string][]string {
	out := make(map[string][]string)
	flatten(Prefix, p.root, out)
	return out
}

func flatten(prefix string, node *Value, out map[string][]string) {
	switch node.kind {
	case String:
		out[prefix] = []string{node.str}
	case Set:
		out[prefix] = node.Members()
	case Object:
		for k, child := range node.children {
			flatten(prefix+segmentSuffix(k), child, out)
		}
	}
}

func segmentSuffix(key string) string {
	if strings.ContainsAny(key, ".[]") {
		return "[" + key + "]"
	}
	return "." + key
}

// ParsePath splits an attribute path into claim-key segments. Segments are
// separated by '.', or given as bracketed literals '[...]' for keys that
// contain special characters. The leading request.auth.claims prefix is
// accepted and stripped.
func ParsePath(path string) ([]string, error) {
	path = strings.TrimPrefix(path, Prefix)
	var segments []string
	for len(path) > 0 {
		switch path[0] {
		case '.':
			path = path[1:]
			if path == "" || path[0] == '.' {
				return nil, fmt.Errorf("empty segment in claim path")
			}
		case '[':
			end := strings.IndexByte(path, ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated '[' in claim path")
			}
			if end == 1 {
				return nil, fmt.Errorf("empty bracket segment in claim path")
			}
			segments = append(segments, path[1:end])
			path = path[end+1:]
		default:
			end := strings.IndexAny(path, ".[")
			if end < 0 {
				segments = append(segments, path)
				path = ""
			} else {
				if end == 0 {
					return nil, fmt.Errorf("empty segment in claim path")
				}
				segments = append(segments, path[:end])
				path = path[end:]
			}
		}
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("empty claim path")
	}
	return segments, nil
}
