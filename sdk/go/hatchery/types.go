package hatchery

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TrialStatus is the lifecycle state of a trial.
type TrialStatus string

const (
	StatusPending   TrialStatus = "pending"
	StatusRunning   TrialStatus = "running"
	StatusCompleted TrialStatus = "completed"
	StatusFailed    TrialStatus = "failed"
	StatusCancelled TrialStatus = "cancelled"
)

// Terminal reports whether the trial will not change again.
func (s TrialStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Trial is a snapshot of an evolution trial.
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

// CreateTrialRequest is the body of POST /trials.
type CreateTrialRequest struct {
	PopulationSize int      `json:"population_size"`
	Generations    int      `json:"generations"`
	TokenBudget    int64    `json:"token_budget"`
	MutationRate   *float64 `json:"mutation_rate,omitempty"`
	CARules        string   `json:"ca_rules,omitempty"`
	WorkflowDAGID  *string  `json:"workflow_dag_id,omitempty"`

	// IdempotencyKey is sent as the Idempotency-Key header. Retrying with the
	// same key and body returns the trial created by the first attempt. If
	// empty, CreateTrial generates one per call.
	IdempotencyKey string `json:"-"`
}

// GenerationMetric is recorded once per completed generation.
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

// ListTrialsOptions filters ListTrials. Zero values are omitted.
type ListTrialsOptions struct {
	Status TrialStatus
	Owner  string // honored for admin callers only
	Limit  int
	Offset int
}

// TrialList is one page of trials.
type TrialList struct {
	Trials  []Trial
	Total   int
	HasMore bool
}

// WorkflowStatus describes the workflow run a completed trial handed off to.
type WorkflowStatus struct {
	DAGID  string `json:"dag_id"`
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// ServiceHealth is the breaker state of one dependency.
type ServiceHealth struct {
	ServiceName         string     `json:"service_name"`
	State               string     `json:"state"` // closed, open or half_open
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	NextProbeAt         *time.Time `json:"next_probe_at,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string          `json:"status"`
	Version       string          `json:"version"`
	Store         string          `json:"store"`
	Dependencies  []ServiceHealth `json:"dependencies"`
	ActiveTrials  int             `json:"active_trials"`
	UptimeSeconds int64           `json:"uptime_seconds"`
}

// EventType is the kind of a trial stream event.
type EventType string

const (
	EventStatus   EventType = "status"
	EventUpdate   EventType = "update"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	EventResync   EventType = "resync"
)

// Event is one message on a trial's event stream. Payload depends on Type:
// a Trial for status and complete, UpdatePayload for update, ErrorPayload
// for error.
type Event struct {
	TrialID   uuid.UUID       `json:"trial_id"`
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// UpdatePayload is carried by update events.
type UpdatePayload struct {
	Generation       int              `json:"generation"`
	GenerationsTotal int              `json:"generations_total"`
	TokensUsed       int64            `json:"tokens_used"`
	TokenBudget      int64            `json:"token_budget"`
	BestFitness      *float64         `json:"best_fitness,omitempty"`
	Metric           GenerationMetric `json:"metric"`
}

// ErrorPayload is carried by error events.
type ErrorPayload struct {
	Code    string `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
	Trial   Trial  `json:"trial"`
}

// TokenPair is returned by the token and refresh endpoints.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	TokenType        string    `json:"token_type"`
}
