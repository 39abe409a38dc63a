// Package hatchery provides a Go client for the Hatchery trial coordinator API.
package hatchery

import (
	"errors"
	"fmt"
)

// Error represents an error from the Hatchery API with the HTTP status code
// and the server's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("hatchery: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return hasStatus(err, 404) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return hasStatus(err, 401) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return hasStatus(err, 403) }

// IsConflict returns true if the error is a 409, e.g. cancelling a finished
// trial or a budget that cannot be allocated.
func IsConflict(err error) bool { return hasStatus(err, 409) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return hasStatus(err, 429) }

// IsUnavailable returns true if the server could not reach a dependency (503).
func IsUnavailable(err error) bool { return hasStatus(err, 503) }
