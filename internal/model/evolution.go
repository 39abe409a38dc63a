package model

import (
	"strconv"

	"github.com/google/uuid"
)

// Well-known downstream service names. They key the breaker registry and
// appear in failure reasons.
const (
	ServiceAgent    = "agent-service"
	ServiceEconomy  = "economy-service"
	ServiceWorkflow = "workflow-service"
)

// EvolveRequest asks the Agent Service to run one generation.
// Generation is 1-based; PopulationIDs is empty on the first generation and
// the service seeds PopulationSize individuals.
type EvolveRequest struct {
	TrialID            uuid.UUID `json:"trial_id"`
	Generation         int       `json:"generation"`
	PopulationSize     int       `json:"population_size"`
	PopulationIDs      []string  `json:"population_ids"`
	MutationRate       float64   `json:"mutation_rate"`
	CARules            string    `json:"ca_rules,omitempty"`
	DiversityInjection bool      `json:"diversity_injection"`
}

// EvolveResult is the Agent Service's answer to an EvolveRequest.
type EvolveResult struct {
	Metrics          EvolveMetrics `json:"generation_metrics"`
	NewPopulationIDs []string      `json:"new_population_ids"`
}

// EvolveMetrics are the per-generation statistics reported by the Agent Service.
type EvolveMetrics struct {
	AvgFitness         float64 `json:"avg_fitness"`
	MinFitness         float64 `json:"min_fitness"`
	MaxFitness         float64 `json:"max_fitness"`
	DiversityIndex     float64 `json:"diversity_index"`
	TokensUsed         int64   `json:"tokens_used"`
	PatternsDiscovered int     `json:"patterns_discovered"`
}

// AllocateRequest reserves tokens for a trial.
type AllocateRequest struct {
	TrialID uuid.UUID `json:"trial_id"`
	Tokens  int64     `json:"tokens"`
}

// AllocateResult reports how many tokens the Economy Service granted.
type AllocateResult struct {
	GrantedTokens int64 `json:"granted_tokens"`
}

// ConsumeRequest deducts tokens from a trial's account. IdempotencyKey is
// also sent as the Idempotency-Key header.
type ConsumeRequest struct {
	TrialID        uuid.UUID `json:"trial_id"`
	Tokens         int64     `json:"tokens"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// ConsumeResult reports the trial's remaining balance after consumption.
type ConsumeResult struct {
	RemainingBudget int64 `json:"remaining_budget"`
}

// ServiceLiveness is the body of a downstream GET /health.
// IdempotentConsume is advertised only by the Economy Service.
type ServiceLiveness struct {
	Status            string `json:"status"`
	IdempotentConsume bool   `json:"idempotent_consume,omitempty"`
}

// WorkflowRunRequest triggers a DAG run on the Workflow Service.
type WorkflowRunRequest struct {
	DAGID  string         `json:"dag_id"`
	Params map[string]any `json:"params,omitempty"`
}

// WorkflowRun is the Workflow Service's view of a run.
type WorkflowRun struct {
	RunID  string `json:"run_id"`
	Status string `json:"status,omitempty"`
}

// ConsumeKey is the idempotency key for a generation's token consumption.
func ConsumeKey(trialID uuid.UUID, generation int) string {
	return trialID.String() + ":" + strconv.Itoa(generation) + ":consume"
}
