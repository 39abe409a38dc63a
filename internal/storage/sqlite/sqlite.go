// Package sqlite is a single-node trial repository on an embedded SQLite
// database. It implements the same guarded-update contract as the Postgres
// repository and serves deployments without a Postgres server, as well as
// tests (use ":memory:").
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ashita-ai/hatchery/internal/model"
)

//go:embed schema.sql
var schema string

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store is a SQLite-backed trial repository.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		dsn = path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time; an in-memory database also lives only as long as
	// its single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	logger.Info("sqlite: store ready", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const trialColumns = `id, owner, status, population_size, generations_total, current_generation,
	token_budget, tokens_used, best_fitness, diversity_index, mutation_rate, ca_rules, population_ids,
	failure_reason, cancel_requested, workflow_dag_id, workflow_run_id,
	created_at, started_at, completed_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTrial(row scanner) (model.Trial, error) {
	var (
		t                       model.Trial
		id, status, population  string
		started, completed      sql.NullInt64
		created, updated        int64
		bestFitness, diversity  sql.NullFloat64
		failure, dagID, runID   sql.NullString
	)
	err := row.Scan(
		&id, &t.Owner, &status, &t.PopulationSize, &t.GenerationsTotal, &t.CurrentGeneration,
		&t.TokenBudget, &t.TokensUsed, &bestFitness, &diversity, &t.MutationRate, &t.CARules, &population,
		&failure, &t.CancelRequested, &dagID, &runID,
		&created, &started, &completed, &updated,
	)
	if err != nil {
		return model.Trial{}, err
	}
	if t.ID, err = uuid.Parse(id); err != nil {
		return model.Trial{}, fmt.Errorf("sqlite: parse trial id: %w", err)
	}
	if err := json.Unmarshal([]byte(population), &t.PopulationIDs); err != nil {
		return model.Trial{}, fmt.Errorf("sqlite: decode population_ids: %w", err)
	}
	if len(t.PopulationIDs) == 0 {
		t.PopulationIDs = nil
	}
	t.Status = model.TrialStatus(status)
	t.BestFitness = fromNullFloat(bestFitness)
	t.DiversityIndex = fromNullFloat(diversity)
	t.FailureReason = fromNullString(failure)
	t.WorkflowDAGID = fromNullString(dagID)
	t.WorkflowRunID = fromNullString(runID)
	t.CreatedAt = fromUnix(created)
	t.UpdatedAt = fromUnix(updated)
	t.StartedAt = fromNullUnix(started)
	t.CompletedAt = fromNullUnix(completed)
	return t, nil
}

// CreateTrial inserts a new trial.
func (s *Store) CreateTrial(ctx context.Context, t model.Trial) error {
	pop, err := encodePopulation(t.PopulationIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trials (`+trialColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.Owner, string(t.Status), t.PopulationSize, t.GenerationsTotal, t.CurrentGeneration,
		t.TokenBudget, t.TokensUsed, t.BestFitness, t.DiversityIndex, t.MutationRate, t.CARules, pop,
		t.FailureReason, t.CancelRequested, t.WorkflowDAGID, t.WorkflowRunID,
		toUnix(t.CreatedAt), toNullUnix(t.StartedAt), toNullUnix(t.CompletedAt), toUnix(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create trial: %w", err)
	}
	return nil
}

// GetTrial retrieves a trial by ID.
func (s *Store) GetTrial(ctx context.Context, id uuid.UUID) (model.Trial, error) {
	t, err := scanTrial(s.db.QueryRowContext(ctx, `SELECT `+trialColumns+` FROM trials WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Trial{}, fmt.Errorf("sqlite: trial %s: %w", id, model.ErrNotFound)
		}
		return model.Trial{}, fmt.Errorf("sqlite: get trial: %w", err)
	}
	return t, nil
}

// ListTrials returns a page of trials, newest first, and the total count
// matching the filter.
func (s *Store) ListTrials(ctx context.Context, f model.TrialFilter) ([]model.Trial, int, error) {
	var where []string
	var args []any
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM trials`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count trials: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	args = append(args, limit, max(f.Offset, 0))

	trials, err := s.queryTrials(ctx, `SELECT `+trialColumns+` FROM trials`+clause+
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	return trials, total, nil
}

// ListUnfinishedTrials returns every pending or running trial, oldest first.
func (s *Store) ListUnfinishedTrials(ctx context.Context) ([]model.Trial, error) {
	return s.queryTrials(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE status IN ('pending', 'running') ORDER BY created_at`)
}

func (s *Store) queryTrials(ctx context.Context, query string, args ...any) ([]model.Trial, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query trials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var trials []model.Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan trial: %w", err)
		}
		trials = append(trials, t)
	}
	return trials, rows.Err()
}

// UpdateTrialStatus persists t's status and progress in one guarded write.
// The row is updated only if it is not terminal, the transition is legal, and
// neither current_generation nor tokens_used would move backwards.
func (s *Store) UpdateTrialStatus(ctx context.Context, t model.Trial) error {
	pop, err := encodePopulation(t.PopulationIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE trials SET
			status = ?1, current_generation = ?2, tokens_used = ?3,
			best_fitness = ?4, diversity_index = ?5, population_ids = ?6,
			failure_reason = ?7, workflow_run_id = ?8,
			started_at = ?9, completed_at = ?10, updated_at = ?11
		 WHERE id = ?12
		   AND status IN ('pending', 'running')
		   AND (status = 'running' OR ?1 = 'running')
		   AND current_generation <= ?2
		   AND tokens_used <= ?3`,
		string(t.Status), t.CurrentGeneration, t.TokensUsed,
		t.BestFitness, t.DiversityIndex, pop,
		t.FailureReason, t.WorkflowRunID,
		toNullUnix(t.StartedAt), toNullUnix(t.CompletedAt), toUnix(t.UpdatedAt),
		t.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update trial status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("sqlite: update trial status: %w", err)
	} else if n == 1 {
		return nil
	}
	return s.explainRejectedUpdate(ctx, t.ID)
}

func (s *Store) explainRejectedUpdate(ctx context.Context, id uuid.UUID) error {
	var status model.TrialStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM trials WHERE id = ?`, id.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: trial %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlite: read trial status: %w", err)
	}
	if status.Terminal() {
		return fmt.Errorf("sqlite: trial %s is %s: %w", id, status, model.ErrTerminalState)
	}
	return fmt.Errorf("sqlite: trial %s: %w", id, model.ErrIllegalTransition)
}

// RequestTrialCancel sets the cancel flag on a non-terminal trial and returns it.
func (s *Store) RequestTrialCancel(ctx context.Context, id uuid.UUID) (model.Trial, error) {
	t, err := scanTrial(s.db.QueryRowContext(ctx,
		`UPDATE trials SET cancel_requested = 1, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')
		 RETURNING `+trialColumns, toUnix(time.Now()), id.String()))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Trial{}, fmt.Errorf("sqlite: request cancel: %w", err)
	}
	if err := s.explainRejectedUpdate(ctx, id); err != nil {
		return model.Trial{}, err
	}
	return model.Trial{}, fmt.Errorf("sqlite: request cancel: trial %s unchanged", id)
}

// AppendMetric records a completed generation. A repeat returns model.ErrMetricExists.
func (s *Store) AppendMetric(ctx context.Context, m model.GenerationMetric) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generation_metrics (trial_id, generation, avg_fitness, min_fitness, max_fitness,
			diversity_index, tokens_used_delta, patterns_discovered, diversity_injected, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.TrialID.String(), m.Generation, m.AvgFitness, m.MinFitness, m.MaxFitness,
		m.DiversityIndex, m.TokensUsedDelta, m.PatternsDiscovered, m.DiversityInjected, toUnix(m.RecordedAt),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("sqlite: trial %s generation %d: %w", m.TrialID, m.Generation, model.ErrMetricExists)
		}
		return fmt.Errorf("sqlite: append metric: %w", err)
	}
	return nil
}

// ListMetrics returns a trial's generation metrics in generation order.
func (s *Store) ListMetrics(ctx context.Context, trialID uuid.UUID) ([]model.GenerationMetric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT generation, avg_fitness, min_fitness, max_fitness, diversity_index,
			tokens_used_delta, patterns_discovered, diversity_injected, recorded_at
		 FROM generation_metrics WHERE trial_id = ? ORDER BY generation`, trialID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.GenerationMetric
	for rows.Next() {
		m := model.GenerationMetric{TrialID: trialID}
		var recorded int64
		if err := rows.Scan(&m.Generation, &m.AvgFitness, &m.MinFitness, &m.MaxFitness, &m.DiversityIndex,
			&m.TokensUsedDelta, &m.PatternsDiscovered, &m.DiversityInjected, &recorded); err != nil {
			return nil, fmt.Errorf("sqlite: scan metric: %w", err)
		}
		m.RecordedAt = fromUnix(recorded)
		out = append(out, m)
	}
	return out, rows.Err()
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

func encodePopulation(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode population_ids: %w", err)
	}
	return string(b), nil
}

// Times are stored as Unix nanoseconds in UTC.

func toUnix(t time.Time) int64 { return t.UTC().UnixNano() }

func toNullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toUnix(*t), Valid: true}
}

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func fromNullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
