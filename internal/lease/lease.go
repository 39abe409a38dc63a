// Package lease grants exclusive ownership of a trial's generation loop.
//
// A worker holds the lease for a trial from start to terminal state. Local
// leases serve a single process; Redis leases (redsync) extend the guarantee
// across instances and expire if their holder dies.
package lease

import (
	"context"
	"sync"

	"github.com/ashita-ai/hatchery/internal/model"
)

// Lease is a held lock on a key.
type Lease interface {
	Key() string
	// Lost is closed if the lease could not be kept alive. The holder must
	// stop mutating the guarded resource at its next safe point.
	Lost() <-chan struct{}
	Release(ctx context.Context) error
}

// Leaser hands out leases. Acquire returns model.ErrLeaseHeld when another
// holder owns key.
type Leaser interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Local is an in-process Leaser.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an empty in-process leaser.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// Acquire implements Leaser.
func (l *Local) Acquire(_ context.Context, key string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, model.ErrLeaseHeld
	}
	l.held[key] = struct{}{}
	return &localLease{owner: l, key: key, lost: make(chan struct{})}, nil
}

type localLease struct {
	owner *Local
	key   string
	lost  chan struct{}
	once  sync.Once
}

func (l *localLease) Key() string            { return l.key }
func (l *localLease) Lost() <-chan struct{} { return l.lost }

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		delete(l.owner.held, l.key)
		l.owner.mu.Unlock()
	})
	return nil
}
