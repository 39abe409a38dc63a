package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/hatchery/internal/model"
)

// BeginIdempotency reserves key for subject on endpoint.
//
// A zero lookup with a nil error means the caller owns the key and must finish
// with CompleteIdempotency or ClearIdempotency. A completed lookup carries the
// response to replay. An in-progress key is never taken over, even when
// stale: the first request may have created its trial before dying, so the
// key stays blocked until CleanupIdempotencyKeys drops it.
func (db *DB) BeginIdempotency(ctx context.Context, subject, endpoint, key, requestHash string) (model.IdempotencyLookup, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (subject, endpoint, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, $4, 'in_progress')
		 ON CONFLICT DO NOTHING`,
		subject, endpoint, key, requestHash,
	)
	if err != nil {
		return model.IdempotencyLookup{}, fmt.Errorf("storage: begin idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return model.IdempotencyLookup{}, nil
	}

	var (
		storedHash   string
		status       string
		statusCode   *int
		responseData []byte
	)
	if err := db.pool.QueryRow(ctx,
		`SELECT request_hash, status, status_code, response_data
		 FROM idempotency_keys
		 WHERE subject = $1 AND endpoint = $2 AND idempotency_key = $3`,
		subject, endpoint, key,
	).Scan(&storedHash, &status, &statusCode, &responseData); err != nil {
		return model.IdempotencyLookup{}, fmt.Errorf("storage: lookup idempotency: %w", err)
	}

	if storedHash != requestHash {
		return model.IdempotencyLookup{}, model.ErrIdempotencyPayloadMismatch
	}
	if status != "completed" {
		return model.IdempotencyLookup{}, model.ErrIdempotencyInProgress
	}
	lookup := model.IdempotencyLookup{Completed: true, ResponseData: responseData}
	if statusCode != nil {
		lookup.StatusCode = *statusCode
	}
	return lookup, nil
}

// CompleteIdempotency stores the response for a key reserved by BeginIdempotency.
func (db *DB) CompleteIdempotency(ctx context.Context, subject, endpoint, key string, statusCode int, response any) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency response: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', status_code = $4, response_data = $5::jsonb, updated_at = now()
		 WHERE subject = $1 AND endpoint = $2 AND idempotency_key = $3 AND status = 'in_progress'`,
		subject, endpoint, key, statusCode, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency %q: %w", key, ErrNotFound)
	}
	return nil
}

// ClearIdempotency drops an in-progress reservation so the client can retry
// after a request that changed nothing.
func (db *DB) ClearIdempotency(ctx context.Context, subject, endpoint, key string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE subject = $1 AND endpoint = $2 AND idempotency_key = $3 AND status = 'in_progress'`,
		subject, endpoint, key,
	)
	if err != nil {
		return fmt.Errorf("storage: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys deletes completed records older than completedTTL and
// abandoned reservations older than inProgressTTL.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < now() - ($1 * interval '1 microsecond'))
		    OR (status = 'in_progress' AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		completedTTL.Microseconds(), inProgressTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
