package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ashita-ai/hatchery/internal/model"
)

// Registry holds one breaker per known dependency. The set is fixed at
// construction and the map is never written afterwards, so lookups take no lock.
type Registry struct {
	breakers map[string]*Breaker
	names    []string
}

// NewRegistry creates a closed breaker for every named service.
func NewRegistry(cfg Config, logger *slog.Logger, services ...string) *Registry {
	r := &Registry{breakers: make(map[string]*Breaker, len(services))}
	for _, name := range services {
		if _, dup := r.breakers[name]; dup {
			continue
		}
		r.breakers[name] = New(name, cfg, logger)
		r.names = append(r.names, name)
	}
	slices.Sort(r.names)
	return r
}

// Get returns the breaker for service.
func (r *Registry) Get(service string) (*Breaker, bool) {
	b, ok := r.breakers[service]
	return b, ok
}

// Call runs op through the named service's breaker.
func (r *Registry) Call(ctx context.Context, service string, deadline time.Duration, op func(ctx context.Context) error) error {
	b, ok := r.breakers[service]
	if !ok {
		return fmt.Errorf("breaker: unknown service %q", service)
	}
	return b.Call(ctx, deadline, op)
}

// Records returns every dependency's health record, ordered by service name.
func (r *Registry) Records() []model.ServiceHealthRecord {
	out := make([]model.ServiceHealthRecord, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.breakers[name].Record())
	}
	return out
}

// AnyOpen reports whether some dependency is currently unavailable.
func (r *Registry) AnyOpen() bool {
	for _, b := range r.breakers {
		if b.State() != model.BreakerClosed {
			return true
		}
	}
	return false
}
