package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ashita-ai/hatchery/internal/model"
)

// IdempotencyStore keeps replay records for requests sent with an
// Idempotency-Key header. Both trial repositories implement it.
type IdempotencyStore interface {
	BeginIdempotency(ctx context.Context, subject, endpoint, key, requestHash string) (model.IdempotencyLookup, error)
	CompleteIdempotency(ctx context.Context, subject, endpoint, key string, statusCode int, response any) error
	ClearIdempotency(ctx context.Context, subject, endpoint, key string) error
}

// maxIdempotencyKeyLen bounds the header value stored per request.
const maxIdempotencyKeyLen = 255

// idempotentWrite is a reservation held for the duration of one request.
type idempotentWrite struct {
	subject  string
	endpoint string
	key      string
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite reserves the request's Idempotency-Key, if any.
//
// It returns proceed=false when the response has already been written: a
// replay of the stored result, a conflict, or an error. A nil handle with
// proceed=true means the request carried no key.
func (h *Handlers) beginIdempotentWrite(w http.ResponseWriter, r *http.Request, subject, endpoint string, payload any) (*idempotentWrite, bool) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" || h.idempotency == nil {
		return nil, true
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("Idempotency-Key must be at most %d characters", maxIdempotencyKeyLen))
		return nil, false
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash request for idempotency", err)
		return nil, false
	}

	lookup, err := h.idempotency.BeginIdempotency(r.Context(), subject, endpoint, key, hash)
	switch {
	case err == nil && lookup.Completed:
		status := lookup.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, r, status, lookup.ResponseData)
		return nil, false
	case err == nil:
		return &idempotentWrite{subject: subject, endpoint: endpoint, key: key}, true
	case errors.Is(err, model.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
	case errors.Is(err, model.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
	default:
		h.writeInternalError(w, r, "idempotency lookup failed", err)
	}
	return nil, false
}

// completeIdempotentWrite records the response of a committed request. The
// mutation already happened, so a failure is logged rather than returned; the
// key then stays reserved until cleanup and retries get 409.
func (h *Handlers) completeIdempotentWrite(r *http.Request, iw *idempotentWrite, status int, data any) {
	if iw == nil {
		return
	}
	// Detached from the request so a client disconnect cannot leave a gap.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()

	op := func() error {
		return h.idempotency.CompleteIdempotency(ctx, iw.subject, iw.endpoint, iw.key, status, data)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		h.logger.Error("failed to finalize idempotency record after committed request",
			"error", err,
			"subject", iw.subject,
			"endpoint", iw.endpoint,
			"request_id", RequestIDFromContext(r.Context()))
	}
}

// clearIdempotentWrite releases the key of a request that changed nothing.
func (h *Handlers) clearIdempotentWrite(r *http.Request, iw *idempotentWrite) {
	if iw == nil {
		return
	}
	if err := h.idempotency.ClearIdempotency(context.WithoutCancel(r.Context()), iw.subject, iw.endpoint, iw.key); err != nil {
		h.logger.Error("failed to clear idempotency record",
			"error", err, "subject", iw.subject, "endpoint", iw.endpoint)
	}
}
