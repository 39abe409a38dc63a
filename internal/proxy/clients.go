package proxy

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/hatchery/internal/model"
)

// Deadlines are the per-class call deadlines.
type Deadlines struct {
	Evolve   time.Duration // one evolution step
	Mutation time.Duration // economy allocate/consume, workflow trigger
	Read     time.Duration // status reads and liveness probes
}

// DefaultDeadlines returns the production deadlines.
func DefaultDeadlines() Deadlines {
	return Deadlines{Evolve: 60 * time.Second, Mutation: 30 * time.Second, Read: 10 * time.Second}
}

// AgentClient runs evolution steps on the Agent Service.
type AgentClient struct {
	caller    Caller
	deadlines Deadlines
}

// NewAgentClient creates an Agent Service client on top of caller.
func NewAgentClient(caller Caller, d Deadlines) *AgentClient {
	return &AgentClient{caller: caller, deadlines: d}
}

// EvolveGeneration runs one generation. The step is keyed by trial and
// generation, so the Agent Service can treat a repeated request as a replay.
func (a *AgentClient) EvolveGeneration(ctx context.Context, req model.EvolveRequest) (model.EvolveResult, error) {
	const op = "v1/evolve"
	key := req.TrialID.String() + ":" + strconv.Itoa(req.Generation) + ":evolve"
	var res model.EvolveResult
	if err := a.caller.Call(WithIdempotencyKey(ctx, key), op, req, &res, a.deadlines.Evolve); err != nil {
		return model.EvolveResult{}, err
	}
	if res.Metrics.TokensUsed < 0 {
		return model.EvolveResult{}, &model.TransientDependencyError{
			Service: model.ServiceAgent, Op: op, Err: errors.New("negative tokens_used in response"),
		}
	}
	return res, nil
}

// Probe issues the Agent Service liveness probe.
func (a *AgentClient) Probe(ctx context.Context) error {
	return a.caller.Call(ctx, "health", nil, nil, a.deadlines.Read)
}

type appliedConsume struct {
	trialID uuid.UUID
	result  model.ConsumeResult
}

// EconomyClient allocates and consumes trial tokens on the Economy Service.
//
// Consume never issues two requests for the same idempotency key from this
// process: concurrent calls share one in-flight request and later calls get
// the recorded result. Whether a failed consume may be retried depends on the
// service confirming that it de-duplicates replays (SupportsIdempotentReplay).
type EconomyClient struct {
	caller    Caller
	deadlines Deadlines
	forced    bool

	idempotent atomic.Bool
	flights    singleflight.Group

	mu      sync.Mutex
	applied map[string]appliedConsume
}

// NewEconomyClient creates an Economy Service client. forceIdempotent
// declares replay safety without waiting for the liveness probe to confirm it.
func NewEconomyClient(caller Caller, d Deadlines, forceIdempotent bool) *EconomyClient {
	e := &EconomyClient{
		caller:    caller,
		deadlines: d,
		forced:    forceIdempotent,
		applied:   make(map[string]appliedConsume),
	}
	e.idempotent.Store(forceIdempotent)
	return e
}

// Allocate reserves tokens for a trial and returns the granted amount.
// It carries no idempotency key, so callers must not retry it.
func (e *EconomyClient) Allocate(ctx context.Context, trialID uuid.UUID, tokens int64) (int64, error) {
	const op = "v1/allocate"
	var res model.AllocateResult
	if err := e.caller.Call(ctx, op, model.AllocateRequest{TrialID: trialID, Tokens: tokens}, &res, e.deadlines.Mutation); err != nil {
		return 0, err
	}
	return res.GrantedTokens, nil
}

// Consume deducts tokens from the trial's account under key and returns the
// remaining balance.
func (e *EconomyClient) Consume(ctx context.Context, trialID uuid.UUID, tokens int64, key string) (int64, error) {
	if key == "" {
		res, err := e.consume(ctx, model.ConsumeRequest{TrialID: trialID, Tokens: tokens})
		return res.RemainingBudget, err
	}
	if res, ok := e.lookup(key); ok {
		return res.RemainingBudget, nil
	}

	v, err, _ := e.flights.Do(key, func() (any, error) {
		// A flight that finished between lookup and Do has already recorded
		// its result.
		if res, ok := e.lookup(key); ok {
			return res, nil
		}
		res, err := e.consume(ctx, model.ConsumeRequest{TrialID: trialID, Tokens: tokens, IdempotencyKey: key})
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.applied[key] = appliedConsume{trialID: trialID, result: res}
		e.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(model.ConsumeResult).RemainingBudget, nil
}

func (e *EconomyClient) consume(ctx context.Context, req model.ConsumeRequest) (model.ConsumeResult, error) {
	const op = "v1/consume"
	if req.IdempotencyKey != "" {
		ctx = WithIdempotencyKey(ctx, req.IdempotencyKey)
	}
	var res model.ConsumeResult
	if err := e.caller.Call(ctx, op, req, &res, e.deadlines.Mutation); err != nil {
		return model.ConsumeResult{}, err
	}
	return res, nil
}

func (e *EconomyClient) lookup(key string) (model.ConsumeResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.applied[key]
	return a.result, ok
}

// SupportsIdempotentReplay reports whether a keyed consume may be retried.
func (e *EconomyClient) SupportsIdempotentReplay() bool {
	return e.idempotent.Load()
}

// Forget drops recorded consume results for a finished trial.
func (e *EconomyClient) Forget(trialID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, a := range e.applied {
		if a.trialID == trialID {
			delete(e.applied, key)
		}
	}
}

// Probe issues the Economy Service liveness probe and refreshes the
// idempotent-replay capability from its answer.
func (e *EconomyClient) Probe(ctx context.Context) error {
	const op = "health"
	var live model.ServiceLiveness
	if err := e.caller.Call(ctx, op, nil, &live, e.deadlines.Read); err != nil {
		return err
	}
	e.idempotent.Store(e.forced || live.IdempotentConsume)
	return nil
}

// WorkflowClient hands completed trials to the Workflow Service.
type WorkflowClient struct {
	caller    Caller
	deadlines Deadlines
}

// NewWorkflowClient creates a Workflow Service client on top of caller.
func NewWorkflowClient(caller Caller, d Deadlines) *WorkflowClient {
	return &WorkflowClient{caller: caller, deadlines: d}
}

// TriggerRun starts a DAG run and returns its id.
func (w *WorkflowClient) TriggerRun(ctx context.Context, dagID string, params map[string]any) (string, error) {
	const op = "v1/runs"
	var run model.WorkflowRun
	if err := w.caller.Call(ctx, op, model.WorkflowRunRequest{DAGID: dagID, Params: params}, &run, w.deadlines.Mutation); err != nil {
		return "", err
	}
	if strings.TrimSpace(run.RunID) == "" {
		return "", &model.TransientDependencyError{Service: model.ServiceWorkflow, Op: op, Err: errors.New("empty run_id in response")}
	}
	return run.RunID, nil
}

// GetRunStatus returns the status of a DAG run.
func (w *WorkflowClient) GetRunStatus(ctx context.Context, runID string) (string, error) {
	op := "v1/runs/" + url.PathEscape(runID)
	var run model.WorkflowRun
	if err := w.caller.Call(ctx, op, nil, &run, w.deadlines.Read); err != nil {
		return "", err
	}
	return run.Status, nil
}

// Probe issues the Workflow Service liveness probe.
func (w *WorkflowClient) Probe(ctx context.Context) error {
	return w.caller.Call(ctx, "health", nil, nil, w.deadlines.Read)
}
