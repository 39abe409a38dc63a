// Package breaker isolates the coordinator from unhealthy downstream services.
//
// Each dependency gets its own Breaker with its own mutex. The mutex guards
// only state transitions and is never held across the downstream call, so a
// slow dependency cannot stall callers of another. Opening backs off
// exponentially: a breaker that re-opens after a failed probe waits twice as
// long before the next probe, up to a cap.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hatchery/internal/model"
	"github.com/ashita-ai/hatchery/internal/telemetry"
)

// Config tunes a Breaker.
type Config struct {
	// Threshold is the number of consecutive transient failures within Window
	// that opens the breaker.
	Threshold int
	// Window bounds a failure streak, measured from its first failure.
	Window time.Duration
	// BaseBackoff is the open interval at the moment the threshold is reached.
	BaseBackoff time.Duration
	// MaxBackoff caps the open interval.
	MaxBackoff time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:   5,
		Window:      60 * time.Second,
		BaseBackoff: time.Second,
		MaxBackoff:  60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	return c
}

// Breaker tracks the health of one downstream service.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	transitions metric.Int64Counter

	mu            sync.Mutex
	state         model.BreakerState
	failures      int
	streakStart   time.Time
	lastFailureAt time.Time
	nextProbeAt   time.Time
	probing       bool
}

// New creates a closed breaker for the named service.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
		state:  model.BreakerClosed,
	}
	if c, err := telemetry.Meter("hatchery/breaker").Int64Counter("hatchery.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions")); err == nil {
		b.transitions = c
	}
	return b
}

// Name returns the service the breaker guards.
func (b *Breaker) Name() string { return b.name }

// Call runs op under deadline if the breaker admits it and records the
// outcome. While open it returns *model.CircuitOpenError without invoking op.
//
// A deadline breach is reported as a *model.TransientDependencyError. If the
// caller's own context ends first, the outcome is not held against the service.
func (b *Breaker) Call(ctx context.Context, deadline time.Duration, op func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	err = op(callCtx)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if err != nil && timedOut && !model.IsTransient(err) {
		err = &model.TransientDependencyError{Service: b.name, Op: "call", Err: err}
	}

	switch {
	case err == nil:
		b.onSuccess(probe)
	case model.IsTransient(err) && (timedOut || ctx.Err() == nil):
		b.onFailure(probe)
	default:
		b.onNeutral(probe)
	}
	return err
}

// admit decides whether a call may proceed and whether it is the half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case model.BreakerOpen:
		if b.now().Before(b.nextProbeAt) {
			return false, &model.CircuitOpenError{Service: b.name, NextProbeAt: b.nextProbeAt}
		}
		b.setState(model.BreakerHalfOpen)
		b.probing = true
		return true, nil
	case model.BreakerHalfOpen:
		if b.probing {
			return false, &model.CircuitOpenError{Service: b.name, NextProbeAt: b.nextProbeAt}
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) onSuccess(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
		b.setState(model.BreakerClosed)
	} else if b.state != model.BreakerClosed {
		// Admitted before another caller tripped the breaker. Only the
		// half-open call may close it.
		return
	}
	b.failures = 0
	b.streakStart = time.Time{}
	b.nextProbeAt = time.Time{}
}

func (b *Breaker) onFailure(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailureAt = now

	if probe {
		b.probing = false
		b.failures++
		b.open(now)
		return
	}
	if b.state != model.BreakerClosed {
		// A call admitted before another caller tripped the breaker.
		return
	}
	if b.failures == 0 || now.Sub(b.streakStart) > b.cfg.Window {
		b.failures = 0
		b.streakStart = now
	}
	b.failures++
	if b.failures >= b.cfg.Threshold {
		b.open(now)
	}
}

// onNeutral releases a probe slot without changing health: the dependency
// answered, but with a client-caused error, or the caller gave up.
func (b *Breaker) onNeutral(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// open must be called with mu held.
func (b *Breaker) open(now time.Time) {
	b.nextProbeAt = now.Add(b.backoff(b.failures))
	b.setState(model.BreakerOpen)
	b.logger.Warn("breaker: opened",
		"service", b.name,
		"consecutive_failures", b.failures,
		"next_probe_at", b.nextProbeAt)
}

// backoff returns base·2^(n−threshold), capped at MaxBackoff.
func (b *Breaker) backoff(n int) time.Duration {
	exp := n - b.cfg.Threshold
	if exp < 0 {
		exp = 0
	}
	d := float64(b.cfg.BaseBackoff) * math.Pow(2, float64(exp))
	if d > float64(b.cfg.MaxBackoff) || math.IsInf(d, 0) {
		return b.cfg.MaxBackoff
	}
	return time.Duration(d)
}

// setState must be called with mu held.
func (b *Breaker) setState(next model.BreakerState) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if next == model.BreakerClosed {
		b.logger.Info("breaker: closed", "service", b.name, "from", string(prev))
	}
	if b.transitions != nil {
		b.transitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("service", b.name),
			attribute.String("from", string(prev)),
			attribute.String("to", string(next)),
		))
	}
}

// Record returns a snapshot of the breaker's health record.
func (b *Breaker) Record() model.ServiceHealthRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := model.ServiceHealthRecord{
		ServiceName:         b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		rec.LastFailureAt = &t
	}
	if b.state != model.BreakerClosed && !b.nextProbeAt.IsZero() {
		t := b.nextProbeAt
		rec.NextProbeAt = &t
	}
	return rec
}

// State returns the current breaker state.
func (b *Breaker) State() model.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ProbeDue reports whether the breaker is open and its probe time has come.
func (b *Breaker) ProbeDue() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == model.BreakerOpen && !b.now().Before(b.nextProbeAt)
}
