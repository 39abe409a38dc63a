package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hatchery/internal/model"
)

const (
	updateRetries    = 3
	updateRetryDelay = 25 * time.Millisecond
	defaultListLimit = 50
	maxListLimit     = 500
)

const trialColumns = `id, owner, status, population_size, generations_total, current_generation,
	token_budget, tokens_used, best_fitness, diversity_index, mutation_rate, ca_rules, population_ids,
	failure_reason, cancel_requested, workflow_dag_id, workflow_run_id,
	created_at, started_at, completed_at, updated_at`

func scanTrial(row pgx.Row) (model.Trial, error) {
	var t model.Trial
	err := row.Scan(
		&t.ID, &t.Owner, &t.Status, &t.PopulationSize, &t.GenerationsTotal, &t.CurrentGeneration,
		&t.TokenBudget, &t.TokensUsed, &t.BestFitness, &t.DiversityIndex, &t.MutationRate, &t.CARules, &t.PopulationIDs,
		&t.FailureReason, &t.CancelRequested, &t.WorkflowDAGID, &t.WorkflowRunID,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.UpdatedAt,
	)
	return t, err
}

func population(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// CreateTrial inserts a new trial.
func (db *DB) CreateTrial(ctx context.Context, t model.Trial) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO trials (`+trialColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		t.ID, t.Owner, string(t.Status), t.PopulationSize, t.GenerationsTotal, t.CurrentGeneration,
		t.TokenBudget, t.TokensUsed, t.BestFitness, t.DiversityIndex, t.MutationRate, t.CARules, population(t.PopulationIDs),
		t.FailureReason, t.CancelRequested, t.WorkflowDAGID, t.WorkflowRunID,
		t.CreatedAt, t.StartedAt, t.CompletedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create trial: %w", err)
	}
	return nil
}

// GetTrial retrieves a trial by ID.
func (db *DB) GetTrial(ctx context.Context, id uuid.UUID) (model.Trial, error) {
	t, err := scanTrial(db.pool.QueryRow(ctx, `SELECT `+trialColumns+` FROM trials WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Trial{}, fmt.Errorf("storage: trial %s: %w", id, ErrNotFound)
		}
		return model.Trial{}, fmt.Errorf("storage: get trial: %w", err)
	}
	return t, nil
}

// ListTrials returns a page of trials, newest first, and the total count
// matching the filter.
func (db *DB) ListTrials(ctx context.Context, f model.TrialFilter) ([]model.Trial, int, error) {
	var where []string
	var args []any
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Owner != "" {
		args = append(args, f.Owner)
		where = append(where, fmt.Sprintf("owner = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM trials`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count trials: %w", err)
	}

	limit, offset := pageBounds(f)
	args = append(args, limit, offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+trialColumns+` FROM trials`+clause+
			fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list trials: %w", err)
	}
	defer rows.Close()

	var trials []model.Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan trial: %w", err)
		}
		trials = append(trials, t)
	}
	return trials, total, rows.Err()
}

func pageBounds(f model.TrialFilter) (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset = max(f.Offset, 0)
	return limit, offset
}

// ListUnfinishedTrials returns every pending or running trial, oldest first.
func (db *DB) ListUnfinishedTrials(ctx context.Context) ([]model.Trial, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE status IN ('pending', 'running') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list unfinished trials: %w", err)
	}
	defer rows.Close()

	var trials []model.Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan trial: %w", err)
		}
		trials = append(trials, t)
	}
	return trials, rows.Err()
}

// UpdateTrialStatus persists t's status and progress in one guarded write.
// The row is updated only if it is not terminal, the transition is legal, and
// neither current_generation nor tokens_used would move backwards.
func (db *DB) UpdateTrialStatus(ctx context.Context, t model.Trial) error {
	return WithRetry(ctx, updateRetries, updateRetryDelay, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE trials SET
				status = $2, current_generation = $3, tokens_used = $4,
				best_fitness = $5, diversity_index = $6, population_ids = $7,
				failure_reason = $8, workflow_run_id = $9,
				started_at = $10, completed_at = $11, updated_at = $12
			 WHERE id = $1
			   AND status IN ('pending', 'running')
			   AND (status = 'running' OR $2::text = 'running')
			   AND current_generation <= $3
			   AND tokens_used <= $4`,
			t.ID, string(t.Status), t.CurrentGeneration, t.TokensUsed,
			t.BestFitness, t.DiversityIndex, population(t.PopulationIDs),
			t.FailureReason, t.WorkflowRunID,
			t.StartedAt, t.CompletedAt, t.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: update trial status: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		return db.explainRejectedUpdate(ctx, t.ID)
	})
}

// explainRejectedUpdate turns a zero-row guarded update into a typed error.
func (db *DB) explainRejectedUpdate(ctx context.Context, id uuid.UUID) error {
	var status model.TrialStatus
	err := db.pool.QueryRow(ctx, `SELECT status FROM trials WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage: trial %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage: read trial status: %w", err)
	}
	if status.Terminal() {
		return fmt.Errorf("storage: trial %s is %s: %w", id, status, model.ErrTerminalState)
	}
	return fmt.Errorf("storage: trial %s: %w", id, model.ErrIllegalTransition)
}

// RequestTrialCancel sets the cancel flag on a non-terminal trial and returns it.
func (db *DB) RequestTrialCancel(ctx context.Context, id uuid.UUID) (model.Trial, error) {
	t, err := scanTrial(db.pool.QueryRow(ctx,
		`UPDATE trials SET cancel_requested = true, updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'running')
		 RETURNING `+trialColumns, id))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Trial{}, fmt.Errorf("storage: request cancel: %w", err)
	}
	if err := db.explainRejectedUpdate(ctx, id); err != nil {
		return model.Trial{}, err
	}
	return model.Trial{}, fmt.Errorf("storage: request cancel: trial %s unchanged", id)
}

// AppendMetric records a completed generation. Each (trial, generation) pair
// is written at most once; a repeat returns model.ErrMetricExists.
func (db *DB) AppendMetric(ctx context.Context, m model.GenerationMetric) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO generation_metrics (trial_id, generation, avg_fitness, min_fitness, max_fitness,
			diversity_index, tokens_used_delta, patterns_discovered, diversity_injected, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.TrialID, m.Generation, m.AvgFitness, m.MinFitness, m.MaxFitness,
		m.DiversityIndex, m.TokensUsedDelta, m.PatternsDiscovered, m.DiversityInjected, m.RecordedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: trial %s generation %d: %w", m.TrialID, m.Generation, model.ErrMetricExists)
		}
		return fmt.Errorf("storage: append metric: %w", err)
	}
	return nil
}

// ListMetrics returns a trial's generation metrics in generation order.
func (db *DB) ListMetrics(ctx context.Context, trialID uuid.UUID) ([]model.GenerationMetric, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT trial_id, generation, avg_fitness, min_fitness, max_fitness, diversity_index,
			tokens_used_delta, patterns_discovered, diversity_injected, recorded_at
		 FROM generation_metrics WHERE trial_id = $1 ORDER BY generation`, trialID)
	if err != nil {
		return nil, fmt.Errorf("storage: list metrics: %w", err)
	}
	defer rows.Close()

	var out []model.GenerationMetric
	for rows.Next() {
		var m model.GenerationMetric
		if err := rows.Scan(&m.TrialID, &m.Generation, &m.AvgFitness, &m.MinFitness, &m.MaxFitness,
			&m.DiversityIndex, &m.TokensUsedDelta, &m.PatternsDiscovered, &m.DiversityInjected, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("storage: scan metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
