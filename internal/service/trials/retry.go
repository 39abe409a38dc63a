package trials

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ashita-ai/hatchery/internal/model"
)

// callPolicy describes how one downstream operation may be retried.
type callPolicy struct {
	service string
	// attempts is the total number of invocations allowed for transient
	// failures, including the first. 1 means never retry.
	attempts int
	// retryable, when set, is consulted before every retry.
	retryable func() bool
}

// minOpenWait keeps the open-breaker wait from spinning when next_probe_at
// is already due but another caller holds the half-open probe.
const minOpenWait = 20 * time.Millisecond

// call runs op under p. Transient failures are retried with jittered
// exponential backoff. A CircuitOpenError does not consume an attempt: the
// caller waits for the breaker's next probe time until OpenBreakerGrace has
// passed since the breaker was first seen open. Permanent errors return at once.
// Waits end early when ctx is done; the last error is returned.
func (c *Coordinator) call(ctx context.Context, p callPolicy, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBaseDelay
	b.MaxInterval = c.cfg.RetryMaxDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	var openSince time.Time
	failures := 0
	for {
		err := op()
		if err == nil {
			return nil
		}

		var open *model.CircuitOpenError
		if errors.As(err, &open) {
			now := c.now()
			if openSince.IsZero() {
				openSince = now
			}
			remaining := c.cfg.OpenBreakerGrace - now.Sub(openSince)
			if remaining <= 0 {
				return err
			}
			wait := max(open.NextProbeAt.Sub(now), minOpenWait)
			if !sleep(ctx, min(wait, remaining)) {
				return err
			}
			continue
		}
		openSince = time.Time{}

		if !model.IsTransient(err) {
			return err
		}
		failures++
		if failures >= p.attempts || (p.retryable != nil && !p.retryable()) {
			return err
		}
		c.logger.Debug("trials: retrying transient failure",
			"service", p.service, "attempt", failures, "error", err)
		if !sleep(ctx, b.NextBackOff()) {
			return err
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// failureReason maps the error that ended a trial to its recorded reason and
// the error code carried by the error event.
func failureReason(err error) (reason, code string) {
	var budget *model.BudgetExceededError
	var rejected *model.PermanentRequestError
	var open *model.CircuitOpenError
	var transient *model.TransientDependencyError
	switch {
	case errors.As(err, &budget):
		return model.ReasonBudgetExceeded, model.ErrCodeBudgetExceeded
	case errors.As(err, &rejected):
		return model.ReasonRequestRejected(rejected.Service), model.ErrCodeRequestRejected
	case errors.As(err, &open):
		return model.ReasonServiceUnavailable(open.Service), model.ErrCodeServiceUnavailable
	case errors.As(err, &transient):
		return model.ReasonServiceUnavailable(transient.Service), model.ErrCodeServiceUnavailable
	}
	return "internal_error", model.ErrCodeInternalError
}
