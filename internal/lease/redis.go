package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/hatchery/internal/model"
)

const keyPrefix = "hatchery:lease:"

// Redis is a Leaser backed by a redsync mutex. A held lease is extended every
// ttl/3; if an extension fails the lease reports itself lost.
type Redis struct {
	rs     *redsync.Redsync
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis creates a Redis leaser whose locks expire after ttl unless extended.
func NewRedis(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Redis {
	return &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire implements Leaser.
func (r *Redis) Acquire(ctx context.Context, key string) (Lease, error) {
	mutex := r.rs.NewMutex(keyPrefix+key,
		redsync.WithExpiry(r.ttl),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return nil, model.ErrLeaseHeld
		}
		return nil, fmt.Errorf("lease: acquire %s: %w", key, err)
	}

	l := &redisLease{
		key:    key,
		mutex:  mutex,
		logger: r.logger,
		lost:   make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.keepAlive(r.ttl / 3)
	return l, nil
}

// isContention distinguishes "someone else holds it" from Redis failures.
// redsync reports contention either as ErrFailed or as a taken-lock error
// depending on how many tries were made.
func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}

type redisLease struct {
	key    string
	mutex  *redsync.Mutex
	logger *slog.Logger

	lost     chan struct{}
	lostOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (l *redisLease) Key() string            { return l.key }
func (l *redisLease) Lost() <-chan struct{} { return l.lost }

func (l *redisLease) keepAlive(every time.Duration) {
	defer close(l.done)
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			ok, err := l.mutex.ExtendContext(ctx)
			cancel()
			if err != nil || !ok {
				l.logger.Warn("lease: extend failed, lease lost", "key", l.key, "error", err)
				l.lostOnce.Do(func() { close(l.lost) })
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
	select {
	case <-l.lost:
		return nil
	default:
	}
	if _, err := l.mutex.UnlockContext(ctx); err != nil {
		return fmt.Errorf("lease: release %s: %w", l.key, err)
	}
	return nil
}
