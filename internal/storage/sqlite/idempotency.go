package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/hatchery/internal/model"
)

// BeginIdempotency reserves key for subject on endpoint. See the Postgres
// repository for the contract; the single connection serializes the
// insert-then-read pair.
func (s *Store) BeginIdempotency(ctx context.Context, subject, endpoint, key, requestHash string) (model.IdempotencyLookup, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (subject, endpoint, idempotency_key, request_hash, status, updated_at)
		 VALUES (?, ?, ?, ?, 'in_progress', ?)
		 ON CONFLICT DO NOTHING`,
		subject, endpoint, key, requestHash, toUnix(time.Now()),
	)
	if err != nil {
		return model.IdempotencyLookup{}, fmt.Errorf("sqlite: begin idempotency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return model.IdempotencyLookup{}, nil
	}

	var (
		storedHash, status string
		statusCode         sql.NullInt64
		response           sql.NullString
	)
	if err := s.db.QueryRowContext(ctx,
		`SELECT request_hash, status, status_code, response_data FROM idempotency_keys
		 WHERE subject = ? AND endpoint = ? AND idempotency_key = ?`,
		subject, endpoint, key,
	).Scan(&storedHash, &status, &statusCode, &response); err != nil {
		return model.IdempotencyLookup{}, fmt.Errorf("sqlite: lookup idempotency: %w", err)
	}
	if storedHash != requestHash {
		return model.IdempotencyLookup{}, model.ErrIdempotencyPayloadMismatch
	}
	if status != "completed" {
		return model.IdempotencyLookup{}, model.ErrIdempotencyInProgress
	}
	lookup := model.IdempotencyLookup{Completed: true, StatusCode: int(statusCode.Int64)}
	if response.Valid {
		lookup.ResponseData = json.RawMessage(response.String)
	}
	return lookup, nil
}

// CompleteIdempotency stores the response for a reserved key.
func (s *Store) CompleteIdempotency(ctx context.Context, subject, endpoint, key string, statusCode int, response any) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("sqlite: marshal idempotency response: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET status = 'completed', status_code = ?, response_data = ?, updated_at = ?
		 WHERE subject = ? AND endpoint = ? AND idempotency_key = ? AND status = 'in_progress'`,
		statusCode, string(payload), toUnix(time.Now()), subject, endpoint, key,
	)
	if err != nil {
		return fmt.Errorf("sqlite: complete idempotency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: complete idempotency %q: %w", key, model.ErrNotFound)
	}
	return nil
}

// ClearIdempotency drops an in-progress reservation.
func (s *Store) ClearIdempotency(ctx context.Context, subject, endpoint, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys
		 WHERE subject = ? AND endpoint = ? AND idempotency_key = ? AND status = 'in_progress'`,
		subject, endpoint, key,
	); err != nil {
		return fmt.Errorf("sqlite: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys deletes expired completed records and abandoned reservations.
func (s *Store) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < ?) OR (status = 'in_progress' AND updated_at < ?)`,
		toUnix(now.Add(-completedTTL)), toUnix(now.Add(-inProgressTTL)),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup idempotency keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
