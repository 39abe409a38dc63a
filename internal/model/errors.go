package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared by the repository implementations and the coordinator.
var (
	ErrNotFound          = errors.New("not found")
	ErrTerminalState     = errors.New("trial is in a terminal state")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrMetricExists      = errors.New("generation metric already recorded")
	ErrLeaseHeld         = errors.New("lease held by another worker")
)

// TransientDependencyError is a timeout, connection failure or 5xx from a
// downstream service. It counts toward the service's breaker and may be retried.
type TransientDependencyError struct {
	Service    string
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientDependencyError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: transient failure (status %d): %v", e.Service, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: transient failure: %v", e.Service, e.Op, e.Err)
}

func (e *TransientDependencyError) Unwrap() error { return e.Err }

// PermanentRequestError is a client-caused rejection (4xx) from a downstream
// service. It never counts toward the breaker and is never retried.
type PermanentRequestError struct {
	Service    string
	Op         string
	StatusCode int
	Message    string
}

func (e *PermanentRequestError) Error() string {
	return fmt.Sprintf("%s %s: rejected (status %d): %s", e.Service, e.Op, e.StatusCode, e.Message)
}

// CircuitOpenError is returned without contacting the service while its
// breaker is open, or while a half-open probe is already in flight.
type CircuitOpenError struct {
	Service     string
	NextProbeAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: circuit open until %s", e.Service, e.NextProbeAt.Format(time.RFC3339Nano))
}

// BudgetExceededError rejects an allocation that would push tokens_used past
// the trial's token_budget.
type BudgetExceededError struct {
	TrialID   uuid.UUID
	Budget    int64
	Used      int64
	Requested int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("trial %s: token budget exceeded: used %d + requested %d > budget %d",
		e.TrialID, e.Used, e.Requested, e.Budget)
}

// AuthError is a missing, malformed or expired credential (Forbidden=false),
// or a valid credential lacking the required permission (Forbidden=true).
type AuthError struct {
	Forbidden bool
	Message   string
}

func (e *AuthError) Error() string {
	if e.Forbidden {
		return "forbidden: " + e.Message
	}
	return "unauthorized: " + e.Message
}

// ValidationError is a malformed request rejected before any work begins.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// IsTransient reports whether err should count against a dependency's breaker.
func IsTransient(err error) bool {
	var te *TransientDependencyError
	return errors.As(err, &te)
}
