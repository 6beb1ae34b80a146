// Package v1 contains the request authentication policy resource types.
package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// +genclient
// +genclient:noStatus
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// RequestAuthentication declares how inbound requests to a workload are
// authenticated via JWTs.
type RequestAuthentication struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec RequestAuthenticationSpec `json:"spec"`
}

// RequestAuthenticationSpec is the spec for a RequestAuthentication resource.
// Selector and TargetRefs are mutually exclusive; a policy with neither set
// applies to every workload in its namespace.
type RequestAuthenticationSpec struct {
	Selector   *WorkloadSelector `json:"selector,omitempty"`
	TargetRefs []TargetRef       `json:"targetRefs,omitempty"`
	JwtRules   []JwtRule         `json:"jwtRules,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// RequestAuthenticationList is a list of RequestAuthentication resources
type RequestAuthenticationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata"`

	Items []RequestAuthentication `json:"items"`
}

// WorkloadSelector selects workloads whose labels are a superset of MatchLabels.
type WorkloadSelector struct {
	MatchLabels map[string]string `json:"matchLabels,omitempty"`
}

// TargetRef references a single resource in the policy's namespace.
type TargetRef struct {
	Group string `json:"group,omitempty"`
	Kind  string `json:"kind"`
	Name  string `json:"name"`
}

// Key returns the policy's namespace/name identifier.
func (r *RequestAuthentication) Key() string {
	return r.Namespace + "/" + r.Name
}
