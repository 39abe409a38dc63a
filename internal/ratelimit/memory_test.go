package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

// fakeClock lets refill tests advance time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func allow(t *testing.T, l Limiter, key string) Decision {
	t.Helper()
	d, err := l.Allow(context.Background(), key)
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	return d
}

func TestMemoryLimiterAllowUnderBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 5) // 10 rps, burst 5
	defer closeLimiter(t, m)

	for i := 0; i < 5; i++ {
		d := allow(t, m, "k1")
		if !d.Allowed {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
		if d.Remaining != 4-i {
			t.Fatalf("request %d: expected remaining %d, got %d", i, 4-i, d.Remaining)
		}
	}
}

func TestMemoryLimiterDenyAfterBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 3) // 10 rps, burst 3
	defer closeLimiter(t, m)
	clock := &fakeClock{now: time.Now()}
	m.now = clock.Now

	for i := 0; i < 3; i++ {
		if !allow(t, m, "k1").Allowed {
			t.Fatalf("expected Allow for request %d", i)
		}
	}

	d := allow(t, m, "k1")
	if d.Allowed {
		t.Fatal("expected deny after burst exhausted")
	}
	if d.RetryAfter < 99*time.Millisecond || d.RetryAfter > 101*time.Millisecond {
		t.Fatalf("expected retry after one token interval, got %s", d.RetryAfter)
	}
}

func TestMemoryLimiterTokenRefill(t *testing.T) {
	m := NewMemoryLimiter(1, 2)
	defer closeLimiter(t, m)
	clock := &fakeClock{now: time.Now()}
	m.now = clock.Now

	allow(t, m, "k1")
	allow(t, m, "k1")
	if allow(t, m, "k1").Allowed {
		t.Fatal("should be denied immediately after exhausting burst")
	}

	clock.Advance(time.Second)
	if !allow(t, m, "k1").Allowed {
		t.Fatal("expected Allow after refill period")
	}
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m := NewMemoryLimiter(10, 1) // burst 1
	defer closeLimiter(t, m)

	if !allow(t, m, "a").Allowed {
		t.Fatal("first request for 'a' should succeed")
	}
	if allow(t, m, "a").Allowed {
		t.Fatal("second request for 'a' should be denied")
	}
	if !allow(t, m, "b").Allowed {
		t.Fatal("first request for 'b' should succeed")
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter(100, 50)
	defer closeLimiter(t, m)
	clock := &fakeClock{now: time.Now()}
	m.now = clock.Now

	var wg sync.WaitGroup
	allowed := make([]int, 10)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				d, err := m.Allow(context.Background(), "shared")
				if err != nil {
					t.Errorf("goroutine %d: Allow error: %v", idx, err)
					return
				}
				if d.Allowed {
					allowed[idx]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, c := range allowed {
		total += c
	}
	// The clock is frozen, so exactly the burst is admitted.
	if total != 50 {
		t.Fatalf("expected 50 allowed requests, got %d", total)
	}
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer closeLimiter(t, m)
	clock := &fakeClock{now: time.Now()}
	m.now = clock.Now

	allow(t, m, "stale")
	clock.Advance(15 * time.Minute)
	allow(t, m, "recent")
	m.evictStale()

	m.mu.Lock()
	_, staleExists := m.buckets["stale"]
	_, recentExists := m.buckets["recent"]
	m.mu.Unlock()

	if staleExists {
		t.Fatal("expected stale bucket to be evicted")
	}
	if !recentExists {
		t.Fatal("expected recent bucket to survive eviction")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 1000; i++ {
		if !allow(t, l, "anything").Allowed {
			t.Fatal("NoopLimiter should always allow")
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("NoopLimiter.Close error: %v", err)
	}
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m := NewMemoryLimiter(1000, 3)
	defer closeLimiter(t, m)
	clock := &fakeClock{now: time.Now()}
	m.now = clock.Now

	allow(t, m, "k1")
	clock.Advance(time.Hour)

	for i := 0; i < 3; i++ {
		if !allow(t, m, "k1").Allowed {
			t.Fatalf("expected Allow for request %d after long idle", i)
		}
	}
	if allow(t, m, "k1").Allowed {
		t.Fatal("expected deny after burst exhausted, even after long idle")
	}
}

func TestDecisionHeaders(t *testing.T) {
	h := Decision{Allowed: false, Limit: 5, Remaining: -1, RetryAfter: 200 * time.Millisecond}.Headers()
	if h["X-RateLimit-Limit"] != "5" || h["X-RateLimit-Remaining"] != "0" {
		t.Fatalf("unexpected headers: %v", h)
	}
	if h["Retry-After"] != "1" {
		t.Fatalf("Retry-After rounds up to at least one second, got %q", h["Retry-After"])
	}
	if _, ok := (Decision{Allowed: true, Limit: 5}).Headers()["Retry-After"]; ok {
		t.Fatal("allowed decisions carry no Retry-After")
	}
}
