package trials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hatchery/internal/lease"
	"github.com/ashita-ai/hatchery/internal/model"
)

// LeaseKey is the lease held by the worker driving a trial.
func LeaseKey(id uuid.UUID) string { return "trial:" + id.String() }

// run acquires the trial's lease and drives it until it is terminal, the
// coordinator shuts down, or the lease is lost.
func (c *Coordinator) run(ctx context.Context, w *worker) {
	log := c.logger.With("trial_id", w.id)

	held, err := c.leaser.Acquire(ctx, LeaseKey(w.id))
	if err != nil {
		if errors.Is(err, model.ErrLeaseHeld) {
			log.Debug("trials: lease held elsewhere, skipping")
		} else {
			log.Warn("trials: acquire lease failed", "error", err)
		}
		return
	}
	defer func() {
		relCtx, cancel := c.storeCtx(ctx)
		defer cancel()
		if err := held.Release(relCtx); err != nil {
			log.Warn("trials: release lease failed", "error", err)
		}
	}()

	t, err := c.repo.GetTrial(ctx, w.id)
	if err != nil {
		log.Warn("trials: load trial failed", "error", err)
		return
	}
	if t.Status.Terminal() {
		return
	}
	c.drive(ctx, w, held, t, log)
}

// drive runs the generation loop. Every exit that leaves the trial
// non-terminal keeps it resumable from its persisted progress.
func (c *Coordinator) drive(ctx context.Context, w *worker, held lease.Lease, t model.Trial, log *slog.Logger) {
	if t.Status == model.TrialStatusPending {
		next := t
		if err := next.Transition(model.TrialStatusRunning, c.now()); err != nil {
			log.Error("trials: start", "error", err)
			return
		}
		if err := c.store(ctx, next); err != nil {
			log.Warn("trials: persist running status failed", "error", err)
			return
		}
		t = next
		log.Info("trials: started", "generations", t.GenerationsTotal)
		c.emit(t.ID, model.EventStatus, t)
	} else {
		log.Info("trials: resumed", "generation", t.CurrentGeneration)
	}

	lowStreak := c.lowDiversityStreak(ctx, t)

	for {
		// Generation boundary.
		if stopping(ctx, held) {
			log.Info("trials: worker stopped at boundary", "generation", t.CurrentGeneration)
			return
		}
		if t.CurrentGeneration >= t.GenerationsTotal {
			c.complete(ctx, t, log)
			return
		}
		cancelled, ok := c.cancelObserved(ctx, w, &t, log)
		if !ok {
			return
		}
		if cancelled {
			c.cancel(ctx, t, log)
			return
		}
		if t.TokensUsed >= t.TokenBudget {
			c.fail(ctx, t, model.ReasonBudgetExhausted, model.ErrCodeBudgetExceeded,
				fmt.Errorf("token budget exhausted after generation %d of %d", t.CurrentGeneration, t.GenerationsTotal), log)
			return
		}

		inject := lowStreak >= c.cfg.DiversityWindow
		started := time.Now()
		m, population, err := c.runGeneration(ctx, t, inject)
		c.genTime.Record(context.WithoutCancel(ctx), time.Since(started).Seconds())
		if ctx.Err() != nil {
			// Shutting down: the result is discarded and the generation is
			// re-run, with the same idempotency keys, after resumption.
			log.Info("trials: generation result discarded on shutdown", "generation", t.CurrentGeneration+1)
			return
		}
		if err != nil {
			reason, code := failureReason(err)
			c.fail(ctx, t, reason, code, err, log)
			return
		}

		next := t
		if err := next.ApplyGeneration(m, population, c.now()); err != nil {
			reason, code := failureReason(err)
			c.fail(ctx, t, reason, code, err, log)
			return
		}
		if err := c.appendMetric(ctx, m); err != nil {
			log.Warn("trials: append metric failed", "generation", m.Generation, "error", err)
			return
		}
		if err := c.store(ctx, next); err != nil {
			log.Warn("trials: persist progress failed", "generation", m.Generation, "error", err)
			return
		}
		t = next
		c.generations.Add(ctx, 1)
		c.emit(t.ID, model.EventUpdate, model.UpdatePayload{
			Generation:       t.CurrentGeneration,
			GenerationsTotal: t.GenerationsTotal,
			TokensUsed:       t.TokensUsed,
			TokenBudget:      t.TokenBudget,
			BestFitness:      t.BestFitness,
			Metric:           m,
		})
		log.Debug("trials: generation applied", "generation", t.CurrentGeneration,
			"tokens_used", t.TokensUsed, "diversity", m.DiversityIndex)

		if m.DiversityIndex < c.cfg.DiversityFloor {
			lowStreak++
		} else {
			lowStreak = 0
		}
	}
}

// stopping reports whether the worker must leave the trial to a future owner.
func stopping(ctx context.Context, held lease.Lease) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-held.Lost():
		return true
	default:
		return false
	}
}

// cancelObserved checks the in-process signal and the persisted flag, which
// may have been set through another instance. ok is false when the trial
// was finalised by someone else and the worker must stop.
func (c *Coordinator) cancelObserved(ctx context.Context, w *worker, t *model.Trial, log *slog.Logger) (cancelled, ok bool) {
	if w.cancelRequested() || t.CancelRequested {
		return true, true
	}
	fresh, err := c.repo.GetTrial(ctx, t.ID)
	if err != nil {
		log.Warn("trials: read cancel flag failed", "error", err)
		return false, true
	}
	if fresh.Status.Terminal() {
		log.Warn("trials: trial finalised outside this worker", "status", fresh.Status)
		return false, false
	}
	t.CancelRequested = fresh.CancelRequested
	return fresh.CancelRequested, true
}

// runGeneration performs one evolution step and pays for it.
func (c *Coordinator) runGeneration(ctx context.Context, t model.Trial, inject bool) (model.GenerationMetric, []string, error) {
	gen := t.CurrentGeneration + 1
	ctx, span := c.tracer.Start(ctx, "trials.generation", trace.WithAttributes(
		attribute.String("hatchery.trial_id", t.ID.String()),
		attribute.Int("hatchery.generation", gen),
	))
	defer span.End()

	m, population, err := c.generation(ctx, t, gen, inject)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return m, population, err
}

func (c *Coordinator) generation(ctx context.Context, t model.Trial, gen int, inject bool) (model.GenerationMetric, []string, error) {
	// In-flight calls are never aborted by cancellation or shutdown.
	callCtx := context.WithoutCancel(ctx)
	retriable := c.cfg.MaxRetries + 1

	req := model.EvolveRequest{
		TrialID:            t.ID,
		Generation:         gen,
		PopulationSize:     t.PopulationSize,
		PopulationIDs:      t.PopulationIDs,
		MutationRate:       t.MutationRate,
		CARules:            t.CARules,
		DiversityInjection: inject,
	}
	var res model.EvolveResult
	err := c.call(ctx, callPolicy{service: model.ServiceAgent, attempts: retriable}, func() error {
		var err error
		res, err = c.agent.EvolveGeneration(callCtx, req)
		return err
	})
	if err != nil {
		return model.GenerationMetric{}, nil, err
	}

	delta := res.Metrics.TokensUsed
	if t.TokensUsed+delta > t.TokenBudget {
		return model.GenerationMetric{}, nil, &model.BudgetExceededError{
			TrialID: t.ID, Budget: t.TokenBudget, Used: t.TokensUsed, Requested: delta,
		}
	}

	if delta > 0 {
		var granted int64
		err = c.call(ctx, callPolicy{service: model.ServiceEconomy, attempts: 1}, func() error {
			var err error
			granted, err = c.economy.Allocate(callCtx, t.ID, delta)
			return err
		})
		if err != nil {
			return model.GenerationMetric{}, nil, err
		}
		if granted < delta {
			return model.GenerationMetric{}, nil, &model.BudgetExceededError{
				TrialID: t.ID, Budget: t.TokenBudget, Used: t.TokensUsed, Requested: delta,
			}
		}

		key := model.ConsumeKey(t.ID, gen)
		err = c.call(ctx, callPolicy{
			service:   model.ServiceEconomy,
			attempts:  retriable,
			retryable: c.economy.SupportsIdempotentReplay,
		}, func() error {
			_, err := c.economy.Consume(callCtx, t.ID, delta, key)
			return err
		})
		if err != nil {
			return model.GenerationMetric{}, nil, err
		}
	}

	return model.GenerationMetric{
		TrialID:            t.ID,
		Generation:         gen,
		AvgFitness:         res.Metrics.AvgFitness,
		MinFitness:         res.Metrics.MinFitness,
		MaxFitness:         res.Metrics.MaxFitness,
		DiversityIndex:     res.Metrics.DiversityIndex,
		TokensUsedDelta:    delta,
		PatternsDiscovered: res.Metrics.PatternsDiscovered,
		DiversityInjected:  inject,
		RecordedAt:         c.now(),
	}, res.NewPopulationIDs, nil
}

// complete hands the trial to the Workflow Service, when it names a DAG, and
// marks it completed. The hand-off is best effort.
func (c *Coordinator) complete(ctx context.Context, t model.Trial, log *slog.Logger) {
	next := t
	if t.WorkflowDAGID != nil && c.workflow != nil {
		params := map[string]any{
			"trial_id":       t.ID.String(),
			"generations":    t.CurrentGeneration,
			"tokens_used":    t.TokensUsed,
			"population_ids": t.PopulationIDs,
		}
		if t.BestFitness != nil {
			params["best_fitness"] = *t.BestFitness
		}
		runID, err := c.workflow.TriggerRun(context.WithoutCancel(ctx), *t.WorkflowDAGID, params)
		if err != nil {
			log.Warn("trials: workflow hand-off failed", "dag_id", *t.WorkflowDAGID, "error", err)
		} else {
			next.WorkflowRunID = &runID
		}
	}
	c.finish(ctx, t, next, model.TrialStatusCompleted, log)
}

func (c *Coordinator) cancel(ctx context.Context, t model.Trial, log *slog.Logger) {
	c.finish(ctx, t, t, model.TrialStatusCancelled, log)
}

// finish persists a completed or cancelled trial and ends its streams with a
// complete event.
func (c *Coordinator) finish(ctx context.Context, t, next model.Trial, status model.TrialStatus, log *slog.Logger) {
	if err := next.Transition(status, c.now()); err != nil {
		log.Error("trials: finish", "status", status, "error", err)
		return
	}
	if err := c.store(ctx, next); err != nil {
		log.Warn("trials: persist terminal status failed", "status", status, "error", err)
		return
	}
	log.Info("trials: finished", "status", status, "generation", next.CurrentGeneration,
		"tokens_used", next.TokensUsed)
	c.emit(t.ID, model.EventComplete, next)
	c.finalize(ctx, next)
}

// fail persists a failed trial and ends its streams with an error event.
func (c *Coordinator) fail(ctx context.Context, t model.Trial, reason, code string, cause error, log *slog.Logger) {
	next := t
	if err := next.Fail(reason, c.now()); err != nil {
		log.Error("trials: fail", "reason", reason, "error", err)
		return
	}
	if err := c.store(ctx, next); err != nil {
		log.Warn("trials: persist failure failed", "reason", reason, "error", err)
		return
	}
	log.Warn("trials: failed", "reason", reason, "generation", next.CurrentGeneration, "error", cause)
	payload := model.ErrorPayload{Code: code, Reason: reason, Trial: next}
	if cause != nil {
		payload.Message = cause.Error()
	}
	c.emit(t.ID, model.EventError, payload)
	c.finalize(ctx, next)
}

func (c *Coordinator) finalize(ctx context.Context, t model.Trial) {
	c.hub.Close(t.ID)
	c.economy.Forget(t.ID)
	c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(t.Status))))
}

// store persists t with a bounded write that survives shutdown.
func (c *Coordinator) store(ctx context.Context, t model.Trial) error {
	storeCtx, cancel := c.storeCtx(ctx)
	defer cancel()
	return c.repo.UpdateTrialStatus(storeCtx, t)
}

// appendMetric records m. A metric left by an interrupted earlier run of the
// same generation is kept.
func (c *Coordinator) appendMetric(ctx context.Context, m model.GenerationMetric) error {
	storeCtx, cancel := c.storeCtx(ctx)
	defer cancel()
	err := c.repo.AppendMetric(storeCtx, m)
	if errors.Is(err, model.ErrMetricExists) {
		return nil
	}
	return err
}

func (c *Coordinator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StoreTimeout)
}

// lowDiversityStreak counts the trailing generations below the diversity
// floor, so a resumed trial keeps its injection schedule.
func (c *Coordinator) lowDiversityStreak(ctx context.Context, t model.Trial) int {
	if t.CurrentGeneration == 0 {
		return 0
	}
	metrics, err := c.repo.ListMetrics(ctx, t.ID)
	if err != nil {
		return 0
	}
	streak := 0
	for i := len(metrics) - 1; i >= 0 && metrics[i].DiversityIndex < c.cfg.DiversityFloor; i-- {
		streak++
	}
	return streak
}
