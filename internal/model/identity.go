package model

import (
	"slices"
	"time"
)

// Scope is a permission carried by an access token.
type Scope string

const (
	ScopeTrialsRead  Scope = "trials:read"
	ScopeTrialsWrite Scope = "trials:write"
	// ScopeAdmin implies every other scope and may cancel any trial.
	ScopeAdmin Scope = "admin"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeTrialsRead || s == ScopeTrialsWrite || s == ScopeAdmin
}

// Identity is the verified caller attached to a request.
type Identity struct {
	Subject   string    `json:"subject"`
	Scopes    []Scope   `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Has reports whether the identity holds scope s, directly or through admin.
func (i Identity) Has(s Scope) bool {
	return slices.Contains(i.Scopes, ScopeAdmin) || slices.Contains(i.Scopes, s)
}

// IsAdmin reports whether the identity holds the admin scope.
func (i Identity) IsAdmin() bool {
	return slices.Contains(i.Scopes, ScopeAdmin)
}

// CanManage reports whether the identity may cancel t.
func (i Identity) CanManage(t Trial) bool {
	return i.IsAdmin() || (i.Subject != "" && i.Subject == t.Owner)
}

// BreakerState is the state of a dependency's circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ServiceHealthRecord is the circuit breaker's view of one dependency.
type ServiceHealthRecord struct {
	ServiceName         string       `json:"service_name"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureAt       *time.Time   `json:"last_failure_at,omitempty"`
	NextProbeAt         *time.Time   `json:"next_probe_at,omitempty"`
}
