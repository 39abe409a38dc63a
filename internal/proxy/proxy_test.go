package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hatchery/internal/breaker"
	"github.com/ashita-ai/hatchery/internal/model"
)

func testDeadlines() Deadlines {
	return Deadlines{Evolve: time.Second, Mutation: time.Second, Read: time.Second}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHTTPCallerClassifiesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/unavailable":
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "overloaded"})
		case "/throttled":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/invalid":
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": map[string]string{"message": "population too large"}})
		case "/garbage":
			_, _ = w.Write([]byte("<html>"))
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		}
	}))
	defer srv.Close()

	c := NewHTTPCaller(model.ServiceAgent, srv.URL, "")
	ctx := context.Background()

	err := c.Call(ctx, "unavailable", nil, nil, time.Second)
	var te *model.TransientDependencyError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Contains(t, te.Error(), "overloaded")

	err = c.Call(ctx, "throttled", nil, nil, time.Second)
	assert.True(t, model.IsTransient(err))

	err = c.Call(ctx, "invalid", map[string]int{"n": 1}, nil, time.Second)
	var pe *model.PermanentRequestError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "population too large", pe.Message)
	assert.False(t, model.IsTransient(err))

	err = c.Call(ctx, "garbage", nil, nil, time.Second)
	assert.True(t, model.IsTransient(err))

	var health map[string]string
	require.NoError(t, c.Call(ctx, "health", nil, &health, time.Second))
	assert.Equal(t, map[string]string{"status": "ok"}, health)

	var wrongShape []int
	err = c.Call(ctx, "health", nil, &wrongShape, time.Second)
	assert.True(t, model.IsTransient(err))
}

func TestHTTPCallerDeadlineIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewHTTPCaller(model.ServiceAgent, srv.URL, "")
	start := time.Now()
	err := c.Call(context.Background(), "v1/evolve", map[string]int{}, nil, 50*time.Millisecond)
	assert.True(t, model.IsTransient(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPCallerHeaders(t *testing.T) {
	var got http.Header
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		method = r.Method
		writeJSON(w, http.StatusOK, map[string]int64{"remaining_budget": 1})
	}))
	defer srv.Close()

	c := NewHTTPCaller(model.ServiceEconomy, srv.URL+"/", "svc-token")
	err := c.Call(WithIdempotencyKey(context.Background(), "k-1"), "/v1/consume", map[string]int{"tokens": 1}, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "Bearer svc-token", got.Get("Authorization"))
	assert.Equal(t, "k-1", got.Get("Idempotency-Key"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
}

// naiveEconomy deducts on every consume request and ignores idempotency keys,
// so any duplicate request from the client shows up as a double deduction.
type naiveEconomy struct {
	mu        sync.Mutex
	balance   int64
	consumes  atomic.Int32
	allocates atomic.Int32
	gate      chan struct{}
	advertise atomic.Bool
}

func (e *naiveEconomy) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/consume", func(w http.ResponseWriter, r *http.Request) {
		e.consumes.Add(1)
		if e.gate != nil {
			<-e.gate
		}
		var req model.ConsumeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		e.mu.Lock()
		e.balance -= req.Tokens
		remaining := e.balance
		e.mu.Unlock()
		writeJSON(w, http.StatusOK, model.ConsumeResult{RemainingBudget: remaining})
	})
	mux.HandleFunc("POST /v1/allocate", func(w http.ResponseWriter, r *http.Request) {
		e.allocates.Add(1)
		var req model.AllocateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, http.StatusOK, model.AllocateResult{GrantedTokens: req.Tokens})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, model.ServiceLiveness{Status: "ok", IdempotentConsume: e.advertise.Load()})
	})
	return mux
}

func TestEconomyConsumeSameKeyDeductsOnce(t *testing.T) {
	econ := &naiveEconomy{balance: 100, gate: make(chan struct{})}
	srv := httptest.NewServer(econ.handler())
	defer srv.Close()

	client := NewEconomyClient(NewHTTPCaller(model.ServiceEconomy, srv.URL, ""), testDeadlines(), false)
	trialID := uuid.New()
	key := model.ConsumeKey(trialID, 1)

	var wg sync.WaitGroup
	results := make([]int64, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = client.Consume(context.Background(), trialID, 60, key)
		}()
	}

	require.Eventually(t, func() bool { return econ.consumes.Load() >= 1 }, time.Second, time.Millisecond)
	// Give the second caller time to join the in-flight request.
	time.Sleep(20 * time.Millisecond)
	close(econ.gate)
	wg.Wait()

	for i := range 2 {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(40), results[i])
	}
	assert.Equal(t, int32(1), econ.consumes.Load(), "exactly one deduction reaches the service")

	remaining, err := client.Consume(context.Background(), trialID, 60, key)
	require.NoError(t, err)
	assert.Equal(t, int64(40), remaining, "a later replay returns the recorded result")
	assert.Equal(t, int32(1), econ.consumes.Load())

	client.Forget(trialID)
	_, ok := client.lookup(key)
	assert.False(t, ok)
}

func TestEconomyProbeRefreshesCapability(t *testing.T) {
	econ := &naiveEconomy{balance: 100}
	econ.advertise.Store(true)
	srv := httptest.NewServer(econ.handler())
	defer srv.Close()

	client := NewEconomyClient(NewHTTPCaller(model.ServiceEconomy, srv.URL, ""), testDeadlines(), false)
	assert.False(t, client.SupportsIdempotentReplay(), "unconfirmed until probed")
	require.NoError(t, client.Probe(context.Background()))
	assert.True(t, client.SupportsIdempotentReplay())

	econ.advertise.Store(false)
	require.NoError(t, client.Probe(context.Background()))
	assert.False(t, client.SupportsIdempotentReplay())

	forced := NewEconomyClient(NewHTTPCaller(model.ServiceEconomy, srv.URL, ""), testDeadlines(), true)
	require.NoError(t, forced.Probe(context.Background()))
	assert.True(t, forced.SupportsIdempotentReplay())
}

func TestEconomyAllocate(t *testing.T) {
	econ := &naiveEconomy{balance: 100}
	srv := httptest.NewServer(econ.handler())
	defer srv.Close()

	client := NewEconomyClient(NewHTTPCaller(model.ServiceEconomy, srv.URL, ""), testDeadlines(), false)
	granted, err := client.Allocate(context.Background(), uuid.New(), 25)
	require.NoError(t, err)
	assert.Equal(t, int64(25), granted)
	assert.Equal(t, int32(1), econ.allocates.Load())
}

func TestAgentEvolveGeneration(t *testing.T) {
	var got model.EvolveRequest
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/evolve", r.URL.Path)
		key = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, model.EvolveResult{
			Metrics:          model.EvolveMetrics{AvgFitness: 0.5, MaxFitness: 0.9, DiversityIndex: 0.3, TokensUsed: 120},
			NewPopulationIDs: []string{"p1", "p2"},
		})
	}))
	defer srv.Close()

	agent := NewAgentClient(NewHTTPCaller(model.ServiceAgent, srv.URL, ""), testDeadlines())
	trialID := uuid.New()
	res, err := agent.EvolveGeneration(context.Background(), model.EvolveRequest{
		TrialID: trialID, Generation: 2, PopulationSize: 2, PopulationIDs: []string{"a", "b"}, MutationRate: 0.1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(120), res.Metrics.TokensUsed)
	assert.Equal(t, []string{"p1", "p2"}, res.NewPopulationIDs)
	assert.Equal(t, 2, got.Generation)
	assert.Equal(t, trialID.String()+":2:evolve", key)
}

func TestGuardedOpensAndFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := breaker.New(model.ServiceAgent, breaker.Config{Threshold: 2, Window: time.Minute, BaseBackoff: time.Hour, MaxBackoff: time.Hour}, slog.Default())
	agent := NewAgentClient(NewGuarded(NewHTTPCaller(model.ServiceAgent, srv.URL, ""), b), testDeadlines())

	for range 2 {
		_, err := agent.EvolveGeneration(context.Background(), model.EvolveRequest{TrialID: uuid.New(), Generation: 1})
		assert.True(t, model.IsTransient(err))
	}
	_, err := agent.EvolveGeneration(context.Background(), model.EvolveRequest{TrialID: uuid.New(), Generation: 1})
	var open *model.CircuitOpenError
	require.True(t, errors.As(err, &open))
	assert.Equal(t, int32(2), hits.Load())
}

func TestGuardedCountsUndecodableBodies(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, map[string]string{"metrics": "not an object"})
	}))
	defer srv.Close()

	b := breaker.New(model.ServiceAgent, breaker.Config{Threshold: 2, Window: time.Minute, BaseBackoff: time.Hour, MaxBackoff: time.Hour}, slog.Default())
	agent := NewAgentClient(NewGuarded(NewHTTPCaller(model.ServiceAgent, srv.URL, ""), b), testDeadlines())

	for range 2 {
		_, err := agent.EvolveGeneration(context.Background(), model.EvolveRequest{TrialID: uuid.New(), Generation: 1})
		assert.True(t, model.IsTransient(err))
	}
	assert.Equal(t, model.BreakerOpen, b.Record().State)

	_, err := agent.EvolveGeneration(context.Background(), model.EvolveRequest{TrialID: uuid.New(), Generation: 1})
	var open *model.CircuitOpenError
	require.True(t, errors.As(err, &open))
	assert.Equal(t, int32(2), hits.Load())
}

func TestWorkflowClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/runs":
			var req model.WorkflowRunRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			writeJSON(w, http.StatusCreated, model.WorkflowRun{RunID: "run-" + req.DAGID})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/runs/run-report":
			writeJSON(w, http.StatusOK, model.WorkflowRun{RunID: "run-report", Status: "success"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	wf := NewWorkflowClient(NewHTTPCaller(model.ServiceWorkflow, srv.URL, ""), testDeadlines())
	runID, err := wf.TriggerRun(context.Background(), "report", map[string]any{"trial_id": "t"})
	require.NoError(t, err)
	assert.Equal(t, "run-report", runID)

	status, err := wf.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "success", status)

	_, err = wf.GetRunStatus(context.Background(), "missing")
	var pe *model.PermanentRequestError
	assert.True(t, errors.As(err, &pe))
}

func TestHTTPCallerWithClient(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	err := NewHTTPCaller(model.ServiceAgent, srv.URL, "").Call(context.Background(), "health", nil, nil, time.Second)
	require.Error(t, err, "the default client does not trust the test certificate")

	c := NewHTTPCaller(model.ServiceAgent, srv.URL, "").WithClient(srv.Client()).WithClient(nil)
	require.NoError(t, c.Call(context.Background(), "health", nil, nil, time.Second))
}
