// Package policy contains shared types describing the workloads policies apply to.
package policy

// Workload captures the identity of the workload receiving a request.
type Workload struct {
	Namespace string
	Labels    map[string]string
	// Resource is set for gateway-attached workloads addressable by
	// target reference.
	Resource *ResourceID
}

// ResourceID identifies a specific resource a TargetRef may point at.
type ResourceID struct {
	Group, Kind, Name string
}

// Matches reports whether the identity matches the given reference fields.
func (r *ResourceID) Matches(group, kind, name string) bool {
	if r == nil {
		return false
	}
	return r.Group == group && r.Kind == kind && r.Name == name
}
