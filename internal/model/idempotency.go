package model

import (
	"encoding/json"
	"errors"
)

var (
	// ErrIdempotencyPayloadMismatch is returned when a subject reuses an
	// Idempotency-Key on the same endpoint with a different request body.
	ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyInProgress is returned while the first request under a key
	// has not finished.
	ErrIdempotencyInProgress = errors.New("idempotency key request already in progress")
)

// IdempotencyLookup is the state of an Idempotency-Key reservation. When
// Completed is set, the stored response must be replayed instead of running
// the request again.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	ResponseData json.RawMessage
}
