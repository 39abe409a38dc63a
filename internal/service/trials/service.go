// Package trials coordinates evolution trials.
//
// The Coordinator owns every write to a trial after creation. Each trial is
// driven by one worker goroutine holding the trial's lease from start to
// terminal state. Both the HTTP API and the MCP server delegate here.
package trials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hatchery/internal/eventhub"
	"github.com/ashita-ai/hatchery/internal/lease"
	"github.com/ashita-ai/hatchery/internal/model"
	"github.com/ashita-ai/hatchery/internal/telemetry"
)

// Repository persists trials and their generation metrics.
type Repository interface {
	CreateTrial(ctx context.Context, t model.Trial) error
	GetTrial(ctx context.Context, id uuid.UUID) (model.Trial, error)
	ListTrials(ctx context.Context, f model.TrialFilter) ([]model.Trial, int, error)
	ListUnfinishedTrials(ctx context.Context) ([]model.Trial, error)
	UpdateTrialStatus(ctx context.Context, t model.Trial) error
	RequestTrialCancel(ctx context.Context, id uuid.UUID) (model.Trial, error)
	AppendMetric(ctx context.Context, m model.GenerationMetric) error
	ListMetrics(ctx context.Context, trialID uuid.UUID) ([]model.GenerationMetric, error)
}

// AgentService runs evolution steps.
type AgentService interface {
	EvolveGeneration(ctx context.Context, req model.EvolveRequest) (model.EvolveResult, error)
}

// EconomyService meters token spend.
type EconomyService interface {
	Allocate(ctx context.Context, trialID uuid.UUID, tokens int64) (int64, error)
	Consume(ctx context.Context, trialID uuid.UUID, tokens int64, key string) (int64, error)
	SupportsIdempotentReplay() bool
	Forget(trialID uuid.UUID)
}

// WorkflowService receives completed trials.
type WorkflowService interface {
	TriggerRun(ctx context.Context, dagID string, params map[string]any) (string, error)
	GetRunStatus(ctx context.Context, runID string) (string, error)
}

// Config tunes the generation loop.
type Config struct {
	MaxRetries       int           // retries after the first attempt for retriable calls
	RetryBaseDelay   time.Duration // first retry delay; grows exponentially with jitter
	RetryMaxDelay    time.Duration
	OpenBreakerGrace time.Duration // how long a trial waits on an open breaker before failing
	DiversityFloor   float64
	DiversityWindow  int // consecutive low-diversity generations before injection
	ReclaimInterval  time.Duration
	StoreTimeout     time.Duration // bound on each repository write made by a worker
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		RetryBaseDelay:   200 * time.Millisecond,
		RetryMaxDelay:    10 * time.Second,
		OpenBreakerGrace: 2 * time.Minute,
		DiversityFloor:   0.1,
		DiversityWindow:  3,
		ReclaimInterval:  30 * time.Second,
		StoreTimeout:     10 * time.Second,
	}
}

// Deps are the collaborators of a Coordinator. Workflow may be nil.
type Deps struct {
	Repo     Repository
	Agent    AgentService
	Economy  EconomyService
	Workflow WorkflowService
	Leaser   lease.Leaser
	Hub      *eventhub.Hub
	Logger   *slog.Logger
}

// ErrWorkflowUnavailable is returned by WorkflowStatus when no run exists for
// the trial or no Workflow Service is configured.
var ErrWorkflowUnavailable = errors.New("trials: no workflow run")

// ErrNotStarted is returned by Submit before Start has been called.
var ErrNotStarted = errors.New("trials: coordinator not started")

// Coordinator runs the trial state machine.
type Coordinator struct {
	repo     Repository
	agent    AgentService
	economy  EconomyService
	workflow WorkflowService
	leaser   lease.Leaser
	hub      *eventhub.Hub
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	runCtx  context.Context
	stop    context.CancelFunc
	closed  bool
	workers map[uuid.UUID]*worker
	seqs    map[uuid.UUID]uint64
	wg      sync.WaitGroup

	tracer      trace.Tracer
	generations metric.Int64Counter
	genTime     metric.Float64Histogram
	outcomes    metric.Int64Counter
}

// worker is the in-process handle of a running trial loop.
type worker struct {
	id     uuid.UUID
	cancel chan struct{}
	once   sync.Once
}

func (w *worker) requestCancel() { w.once.Do(func() { close(w.cancel) }) }

func (w *worker) cancelRequested() bool {
	select {
	case <-w.cancel:
		return true
	default:
		return false
	}
}

// New creates a Coordinator. Call Start before submitting trials.
func New(deps Deps, cfg Config) *Coordinator {
	if cfg.DiversityWindow <= 0 {
		cfg.DiversityWindow = 1
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	meter := telemetry.Meter("hatchery/trials")
	generations, _ := meter.Int64Counter("hatchery.generations.completed",
		metric.WithDescription("Generations applied to trials"),
	)
	genTime, _ := meter.Float64Histogram(telemetry.GenerationDuration,
		metric.WithDescription("Wall time of one generation, downstream calls included"),
		metric.WithUnit("s"),
	)
	outcomes, _ := meter.Int64Counter("hatchery.trials.finished",
		metric.WithDescription("Trials reaching a terminal state, by status"),
	)

	return &Coordinator{
		repo:        deps.Repo,
		agent:       deps.Agent,
		economy:     deps.Economy,
		workflow:    deps.Workflow,
		leaser:      deps.Leaser,
		hub:         deps.Hub,
		logger:      logger,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		workers:     make(map[uuid.UUID]*worker),
		seqs:        make(map[uuid.UUID]uint64),
		tracer:      telemetry.Tracer("hatchery/trials"),
		generations: generations,
		genTime:     genTime,
		outcomes:    outcomes,
	}
}

// Start resumes unfinished trials and keeps reclaiming orphaned ones every
// ReclaimInterval until ctx is cancelled or Shutdown is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.runCtx != nil {
		c.mu.Unlock()
		return errors.New("trials: coordinator already started")
	}
	c.runCtx, c.stop = context.WithCancel(ctx)
	runCtx := c.runCtx
	c.mu.Unlock()

	if err := c.Reclaim(runCtx); err != nil {
		return err
	}
	if c.cfg.ReclaimInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ticker := time.NewTicker(c.cfg.ReclaimInterval)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					if err := c.Reclaim(runCtx); err != nil {
						c.logger.Warn("trials: reclaim failed", "error", err)
					}
				}
			}
		}()
	}
	return nil
}

// Reclaim starts a worker for every non-terminal trial not already running
// in this process. Trials leased by another instance are skipped by the worker.
func (c *Coordinator) Reclaim(ctx context.Context) error {
	unfinished, err := c.repo.ListUnfinishedTrials(ctx)
	if err != nil {
		return fmt.Errorf("trials: list unfinished: %w", err)
	}
	for _, t := range unfinished {
		c.launch(t.ID)
	}
	return nil
}

// Shutdown stops accepting work and waits for workers to reach a generation
// boundary. Trials left running are resumed by the next process.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	if c.stop != nil {
		c.stop()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("trials: shutdown: %w", ctx.Err())
	}
}

// ActiveTrials returns the number of trial loops running in this process.
func (c *Coordinator) ActiveTrials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers)
}

// launch starts a worker for id unless one is already running here.
func (c *Coordinator) launch(id uuid.UUID) {
	c.mu.Lock()
	if c.closed || c.runCtx == nil {
		c.mu.Unlock()
		return
	}
	if _, running := c.workers[id]; running {
		c.mu.Unlock()
		return
	}
	w := &worker{id: id, cancel: make(chan struct{})}
	c.workers[id] = w
	ctx := c.runCtx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.workers, id)
			c.mu.Unlock()
		}()
		c.run(ctx, w)
	}()
}

// Submit validates and persists a new trial, then starts driving it.
func (c *Coordinator) Submit(ctx context.Context, id model.Identity, req model.CreateTrialRequest) (model.Trial, error) {
	if !id.Has(model.ScopeTrialsWrite) {
		return model.Trial{}, &model.AuthError{Forbidden: true, Message: "trials:write scope required"}
	}
	if err := req.Validate(); err != nil {
		return model.Trial{}, err
	}
	c.mu.Lock()
	started, closed := c.runCtx != nil, c.closed
	c.mu.Unlock()
	if !started || closed {
		return model.Trial{}, ErrNotStarted
	}

	mutation := model.DefaultMutation
	if req.MutationRate != nil {
		mutation = *req.MutationRate
	}
	now := c.now()
	t := model.Trial{
		ID:               uuid.New(),
		Owner:            id.Subject,
		Status:           model.TrialStatusPending,
		PopulationSize:   req.PopulationSize,
		GenerationsTotal: req.Generations,
		TokenBudget:      req.TokenBudget,
		MutationRate:     mutation,
		CARules:          req.CARules,
		WorkflowDAGID:    req.WorkflowDAGID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.repo.CreateTrial(ctx, t); err != nil {
		return model.Trial{}, fmt.Errorf("trials: submit: %w", err)
	}
	c.logger.Info("trials: submitted", "trial_id", t.ID, "owner", t.Owner,
		"generations", t.GenerationsTotal, "token_budget", t.TokenBudget)
	c.launch(t.ID)
	return t, nil
}

// Get returns a trial visible to id. Trials owned by others are reported as
// not found unless id is an admin.
func (c *Coordinator) Get(ctx context.Context, id model.Identity, trialID uuid.UUID) (model.Trial, error) {
	if !id.Has(model.ScopeTrialsRead) {
		return model.Trial{}, &model.AuthError{Forbidden: true, Message: "trials:read scope required"}
	}
	t, err := c.repo.GetTrial(ctx, trialID)
	if err != nil {
		return model.Trial{}, err
	}
	if !id.CanManage(t) {
		return model.Trial{}, fmt.Errorf("trials: trial %s: %w", trialID, model.ErrNotFound)
	}
	return t, nil
}

// List returns a page of trials. Non-admins only see their own.
func (c *Coordinator) List(ctx context.Context, id model.Identity, f model.TrialFilter) ([]model.Trial, int, error) {
	if !id.Has(model.ScopeTrialsRead) {
		return nil, 0, &model.AuthError{Forbidden: true, Message: "trials:read scope required"}
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, 0, &model.ValidationError{Field: "status", Message: "unknown status"}
	}
	if !id.IsAdmin() {
		f.Owner = id.Subject
	}
	return c.repo.ListTrials(ctx, f)
}

// Metrics returns the per-generation metrics of a trial.
func (c *Coordinator) Metrics(ctx context.Context, id model.Identity, trialID uuid.UUID) ([]model.GenerationMetric, error) {
	if _, err := c.Get(ctx, id, trialID); err != nil {
		return nil, err
	}
	return c.repo.ListMetrics(ctx, trialID)
}

// Cancel requests cooperative cancellation. The trial moves to cancelled at
// its next generation boundary; the returned snapshot still shows the
// status at the time of the request.
func (c *Coordinator) Cancel(ctx context.Context, id model.Identity, trialID uuid.UUID) (model.Trial, error) {
	if !id.Has(model.ScopeTrialsWrite) {
		return model.Trial{}, &model.AuthError{Forbidden: true, Message: "trials:write scope required"}
	}
	t, err := c.repo.GetTrial(ctx, trialID)
	if err != nil {
		return model.Trial{}, err
	}
	if !id.CanManage(t) {
		return model.Trial{}, &model.AuthError{Forbidden: true, Message: "only the trial owner or an admin may cancel"}
	}
	if t.Status.Terminal() {
		return t, fmt.Errorf("trials: cancel %s: %w", trialID, model.ErrTerminalState)
	}

	t, err = c.repo.RequestTrialCancel(ctx, trialID)
	if err != nil {
		return model.Trial{}, err
	}
	c.logger.Info("trials: cancel requested", "trial_id", trialID, "by", id.Subject)

	c.mu.Lock()
	w, running := c.workers[trialID]
	c.mu.Unlock()
	if running {
		w.requestCancel()
	} else {
		// Pending trials whose worker never started still need one to
		// observe the flag.
		c.launch(trialID)
	}
	return t, nil
}

// Subscribe opens an event stream for a trial and returns the snapshot taken
// after subscribing, so no event between the two is missed. For a trial that
// is already terminal the subscription is nil.
func (c *Coordinator) Subscribe(ctx context.Context, id model.Identity, trialID uuid.UUID) (model.Trial, *eventhub.Subscription, error) {
	if _, err := c.Get(ctx, id, trialID); err != nil {
		return model.Trial{}, nil, err
	}
	sub := c.hub.Subscribe(trialID)
	t, err := c.repo.GetTrial(ctx, trialID)
	if err != nil {
		c.hub.Unsubscribe(sub)
		return model.Trial{}, nil, err
	}
	if t.Status.Terminal() {
		c.hub.Unsubscribe(sub)
		return t, nil, nil
	}
	return t, sub, nil
}

// Unsubscribe releases a subscription returned by Subscribe.
func (c *Coordinator) Unsubscribe(sub *eventhub.Subscription) {
	if sub != nil {
		c.hub.Unsubscribe(sub)
	}
}

// WorkflowStatus reports the Workflow Service run started for a completed trial.
func (c *Coordinator) WorkflowStatus(ctx context.Context, id model.Identity, trialID uuid.UUID) (model.WorkflowStatusResponse, error) {
	t, err := c.Get(ctx, id, trialID)
	if err != nil {
		return model.WorkflowStatusResponse{}, err
	}
	if c.workflow == nil || t.WorkflowRunID == nil {
		return model.WorkflowStatusResponse{}, ErrWorkflowUnavailable
	}
	status, err := c.workflow.GetRunStatus(ctx, *t.WorkflowRunID)
	if err != nil {
		return model.WorkflowStatusResponse{}, err
	}
	resp := model.WorkflowStatusResponse{RunID: *t.WorkflowRunID, Status: status}
	if t.WorkflowDAGID != nil {
		resp.DAGID = *t.WorkflowDAGID
	}
	return resp, nil
}

// emit publishes an event with the trial's next sequence number.
func (c *Coordinator) emit(trialID uuid.UUID, typ model.EventType, payload any) {
	c.mu.Lock()
	c.seqs[trialID]++
	seq := c.seqs[trialID]
	if typ.Final() {
		delete(c.seqs, trialID)
	}
	c.mu.Unlock()

	c.hub.Publish(model.Event{TrialID: trialID, Seq: seq, Type: typ, Payload: payload})
}
