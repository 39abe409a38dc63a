package model

import (
	"strings"
	"time"
)

// Limits on trial creation parameters.
const (
	MaxPopulationSize = 100_000
	MaxGenerations    = 100_000
	MaxCARulesLen     = 16 * 1024
	DefaultMutation   = 0.05
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeBudgetExceeded     = "BUDGET_EXCEEDED"
	ErrCodeRequestRejected    = "REQUEST_REJECTED"
)

// CreateTrialRequest is the request body for POST /trials.
type CreateTrialRequest struct {
	PopulationSize int      `json:"population_size"`
	Generations    int      `json:"generations"`
	TokenBudget    int64    `json:"token_budget"`
	MutationRate   *float64 `json:"mutation_rate,omitempty"`
	CARules        string   `json:"ca_rules,omitempty"`
	WorkflowDAGID  *string  `json:"workflow_dag_id,omitempty"`
}

// Validate rejects malformed creation parameters.
func (r CreateTrialRequest) Validate() error {
	switch {
	case r.PopulationSize < 1:
		return &ValidationError{Field: "population_size", Message: "must be at least 1"}
	case r.PopulationSize > MaxPopulationSize:
		return &ValidationError{Field: "population_size", Message: "exceeds maximum"}
	case r.Generations < 1:
		return &ValidationError{Field: "generations", Message: "must be at least 1"}
	case r.Generations > MaxGenerations:
		return &ValidationError{Field: "generations", Message: "exceeds maximum"}
	case r.TokenBudget < 1:
		return &ValidationError{Field: "token_budget", Message: "must be at least 1"}
	case len(r.CARules) > MaxCARulesLen:
		return &ValidationError{Field: "ca_rules", Message: "exceeds maximum length"}
	}
	if r.MutationRate != nil && (*r.MutationRate < 0 || *r.MutationRate > 1) {
		return &ValidationError{Field: "mutation_rate", Message: "must be between 0 and 1"}
	}
	if r.WorkflowDAGID != nil && strings.TrimSpace(*r.WorkflowDAGID) == "" {
		return &ValidationError{Field: "workflow_dag_id", Message: "must not be blank"}
	}
	return nil
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Subject string `json:"subject"`
	APIKey  string `json:"api_key"`
}

// RefreshTokenRequest is the request body for POST /auth/refresh.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenPairResponse is returned by both auth endpoints.
type TokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	TokenType        string    `json:"token_type"`
}

// WorkflowStatusResponse is the response for GET /trials/{id}/workflow.
type WorkflowStatusResponse struct {
	DAGID  string `json:"dag_id"`
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status       string                `json:"status"`
	Version      string                `json:"version"`
	Store        string                `json:"store"`
	Dependencies []ServiceHealthRecord `json:"dependencies"`
	ActiveTrials int                   `json:"active_trials"`
	Uptime       int64                 `json:"uptime_seconds"`
}
