package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the kind of a trial event delivered to observers.
type EventType string

const (
	EventStatus   EventType = "status"
	EventUpdate   EventType = "update"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	// EventResync tells the observer that events were dropped and it should
	// re-fetch trial state.
	EventResync EventType = "resync"
)

// Final reports whether no further events follow for the trial.
func (t EventType) Final() bool {
	return t == EventComplete || t == EventError
}

// Event is one message on a trial's stream. Seq increases by one per event
// emitted for the trial within a process.
type Event struct {
	TrialID   uuid.UUID `json:"trial_id"`
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UpdatePayload is carried by update events after each generation.
type UpdatePayload struct {
	Generation       int              `json:"generation"`
	GenerationsTotal int              `json:"generations_total"`
	TokensUsed       int64            `json:"tokens_used"`
	TokenBudget      int64            `json:"token_budget"`
	BestFitness      *float64         `json:"best_fitness,omitempty"`
	Metric           GenerationMetric `json:"metric"`
}

// ErrorPayload is carried by error events when a trial fails.
type ErrorPayload struct {
	Code    string `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
	Trial   Trial  `json:"trial"`
}

// ResyncPayload is carried by resync events.
type ResyncPayload struct {
	Reason  string `json:"reason"`
	Dropped int64  `json:"dropped"`
}
