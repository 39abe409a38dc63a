package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/hatchery/internal/model"
)

// ProbeFunc issues a liveness probe against a dependency. It must route
// through the service's breaker so the probe acts as the half-open trial call.
type ProbeFunc func(ctx context.Context) error

// Prober periodically probes dependencies whose breakers are open and due,
// so a recovered service is noticed even when no trial is calling it. It also
// runs capability refreshes against healthy dependencies on the same interval.
type Prober struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	probes    map[string]ProbeFunc
	refreshes map[string]ProbeFunc
}

// NewProber creates a prober that checks every interval, each probe bounded by timeout.
func NewProber(registry *Registry, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	return &Prober{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		probes:    make(map[string]ProbeFunc),
		refreshes: make(map[string]ProbeFunc),
	}
}

// Register sets the probe for service. Unknown services are ignored.
func (p *Prober) Register(service string, fn ProbeFunc) {
	if _, ok := p.registry.Get(service); !ok {
		return
	}
	p.mu.Lock()
	p.probes[service] = fn
	p.mu.Unlock()
}

// RegisterRefresh sets a call that re-reads what service advertises about
// itself. It runs on every tick while the service's breaker is closed; while
// open, the recovery probe is expected to refresh the same state.
func (p *Prober) RegisterRefresh(service string, fn ProbeFunc) {
	if _, ok := p.registry.Get(service); !ok {
		return
	}
	p.mu.Lock()
	p.refreshes[service] = fn
	p.mu.Unlock()
}

// Run probes and refreshes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeDue(ctx)
			p.Refresh(ctx)
		}
	}
}

// ProbeDue probes every registered service whose breaker is open and past
// its next probe time. Probes run concurrently; ProbeDue waits for all of them.
func (p *Prober) ProbeDue(ctx context.Context) {
	p.mu.Lock()
	due := make(map[string]ProbeFunc)
	for name, fn := range p.probes {
		if b, ok := p.registry.Get(name); ok && b.ProbeDue() {
			due[name] = fn
		}
	}
	p.mu.Unlock()

	p.runAll(ctx, "probe", due)
}

// Refresh runs every registered refresh whose service's breaker is closed and
// waits for them.
func (p *Prober) Refresh(ctx context.Context) {
	p.mu.Lock()
	due := make(map[string]ProbeFunc)
	for name, fn := range p.refreshes {
		if b, ok := p.registry.Get(name); ok && b.State() == model.BreakerClosed {
			due[name] = fn
		}
	}
	p.mu.Unlock()

	p.runAll(ctx, "refresh", due)
}

func (p *Prober) runAll(ctx context.Context, kind string, fns map[string]ProbeFunc) {
	var wg sync.WaitGroup
	for name, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			if err := fn(callCtx); err != nil {
				p.logger.Debug("breaker: "+kind+" failed", "service", name, "error", err)
				return
			}
			if kind == "probe" {
				p.logger.Info("breaker: probe succeeded", "service", name)
			}
		}()
	}
	wg.Wait()
}
