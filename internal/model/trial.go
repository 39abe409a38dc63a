// Package model defines the core domain types for Hatchery.
//
// Types correspond to the persisted trial tables, the payloads exchanged with
// the Agent, Economy and Workflow services, and the events streamed to
// observers. Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TrialStatus represents the lifecycle state of an evolution trial.
type TrialStatus string

const (
	TrialStatusPending   TrialStatus = "pending"
	TrialStatusRunning   TrialStatus = "running"
	TrialStatusCompleted TrialStatus = "completed"
	TrialStatusFailed    TrialStatus = "failed"
	TrialStatusCancelled TrialStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TrialStatus) Terminal() bool {
	return s == TrialStatusCompleted || s == TrialStatusFailed || s == TrialStatusCancelled
}

// Valid reports whether s is a known status.
func (s TrialStatus) Valid() bool {
	switch s {
	case TrialStatusPending, TrialStatusRunning, TrialStatusCompleted, TrialStatusFailed, TrialStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
// running → running is a progress update, not a status change.
func (s TrialStatus) CanTransition(next TrialStatus) bool {
	switch s {
	case TrialStatusPending:
		return next == TrialStatusRunning
	case TrialStatusRunning:
		return next == TrialStatusRunning || next.Terminal()
	}
	return false
}

// Failure reasons recorded on failed trials.
const (
	ReasonBudgetExceeded  = "budget_exceeded"
	ReasonBudgetExhausted = "budget_exhausted"
)

// ReasonServiceUnavailable is the failure reason for a dependency that stayed
// unavailable past retries or the open-breaker grace period.
func ReasonServiceUnavailable(service string) string {
	return "service_unavailable:" + service
}

// ReasonRequestRejected is the failure reason for a dependency that
// permanently rejected a request.
func ReasonRequestRejected(service string) string {
	return "request_rejected:" + service
}

// Trial is a single evolution experiment driven through the generation loop.
// The coordinator is its only writer.
type Trial struct {
	ID                uuid.UUID   `json:"id"`
	Owner             string      `json:"owner"`
	Status            TrialStatus `json:"status"`
	PopulationSize    int         `json:"population_size"`
	GenerationsTotal  int         `json:"generations_total"`
	CurrentGeneration int         `json:"current_generation"`
	TokenBudget       int64       `json:"token_budget"`
	TokensUsed        int64       `json:"tokens_used"`
	BestFitness       *float64    `json:"best_fitness,omitempty"`
	DiversityIndex    *float64    `json:"diversity_index,omitempty"`
	MutationRate      float64     `json:"mutation_rate"`
	CARules           string      `json:"ca_rules,omitempty"`
	PopulationIDs     []string    `json:"population_ids,omitempty"`
	FailureReason     *string     `json:"failure_reason,omitempty"`
	CancelRequested   bool        `json:"cancel_requested"`
	WorkflowDAGID     *string     `json:"workflow_dag_id,omitempty"`
	WorkflowRunID     *string     `json:"workflow_run_id,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// RemainingBudget returns the tokens still available to the trial.
func (t Trial) RemainingBudget() int64 {
	return t.TokenBudget - t.TokensUsed
}

// Transition moves the trial to next, stamping start and completion times.
func (t *Trial) Transition(next TrialStatus, now time.Time) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, next)
	}
	if t.Status == TrialStatusPending && next == TrialStatusRunning && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if next.Terminal() {
		done := now
		t.CompletedAt = &done
	}
	t.Status = next
	t.UpdatedAt = now
	return nil
}

// Fail marks a running trial failed with reason.
func (t *Trial) Fail(reason string, now time.Time) error {
	if err := t.Transition(TrialStatusFailed, now); err != nil {
		return err
	}
	t.FailureReason = &reason
	return nil
}

// ApplyGeneration folds a completed generation into the trial's progress.
// It enforces that the generation counter and token usage only move forward
// and stay within their bounds.
func (t *Trial) ApplyGeneration(m GenerationMetric, population []string, now time.Time) error {
	if m.Generation != t.CurrentGeneration+1 {
		return fmt.Errorf("model: apply generation %d: expected %d", m.Generation, t.CurrentGeneration+1)
	}
	if m.Generation > t.GenerationsTotal {
		return fmt.Errorf("model: apply generation %d: exceeds total %d", m.Generation, t.GenerationsTotal)
	}
	if m.TokensUsedDelta < 0 {
		return fmt.Errorf("model: apply generation %d: negative token delta", m.Generation)
	}
	if t.TokensUsed+m.TokensUsedDelta > t.TokenBudget {
		return &BudgetExceededError{
			TrialID:   t.ID,
			Budget:    t.TokenBudget,
			Used:      t.TokensUsed,
			Requested: m.TokensUsedDelta,
		}
	}
	t.CurrentGeneration = m.Generation
	t.TokensUsed += m.TokensUsedDelta
	if t.BestFitness == nil || m.MaxFitness > *t.BestFitness {
		best := m.MaxFitness
		t.BestFitness = &best
	}
	div := m.DiversityIndex
	t.DiversityIndex = &div
	if population != nil {
		t.PopulationIDs = population
	}
	t.UpdatedAt = now
	return nil
}

// GenerationMetric is the append-only record of one completed generation.
type GenerationMetric struct {
	TrialID            uuid.UUID `json:"trial_id"`
	Generation         int       `json:"generation"`
	AvgFitness         float64   `json:"avg_fitness"`
	MinFitness         float64   `json:"min_fitness"`
	MaxFitness         float64   `json:"max_fitness"`
	DiversityIndex     float64   `json:"diversity_index"`
	TokensUsedDelta    int64     `json:"tokens_used_delta"`
	PatternsDiscovered int       `json:"patterns_discovered"`
	DiversityInjected  bool      `json:"diversity_injected"`
	RecordedAt         time.Time `json:"recorded_at"`
}

// TrialFilter selects trials for listing.
type TrialFilter struct {
	Status *TrialStatus
	Owner  string
	Limit  int
	Offset int
}
