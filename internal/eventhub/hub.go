// Package eventhub fans trial events out to live observers.
//
// Publishing never blocks the producer. Every subscriber owns a bounded
// queue; when it overflows, the oldest buffered events are dropped and a
// single resync event at the head of the queue tells the observer to
// re-fetch the trial. Events for one trial reach a subscriber in the order
// they were published.
package eventhub

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hatchery/internal/model"
	"github.com/ashita-ai/hatchery/internal/telemetry"
)

// ErrClosed is returned by Next once the stream has ended and been drained.
var ErrClosed = errors.New("eventhub: subscription closed")

// MinBufferSize is the smallest usable queue: room for a resync marker and
// the newest event.
const MinBufferSize = 2

// Hub routes events to the subscribers of each trial.
type Hub struct {
	bufferSize int
	logger     *slog.Logger
	dropped    metric.Int64Counter

	mu     sync.Mutex
	topics map[uuid.UUID]map[*Subscription]struct{}
}

// New creates a hub whose subscribers buffer up to bufferSize events.
func New(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize < MinBufferSize {
		bufferSize = MinBufferSize
	}
	h := &Hub{
		bufferSize: bufferSize,
		logger:     logger,
		topics:     make(map[uuid.UUID]map[*Subscription]struct{}),
	}
	if c, err := telemetry.Meter("hatchery/eventhub").Int64Counter("hatchery.events.dropped",
		metric.WithDescription("Events dropped from slow subscriber queues")); err == nil {
		h.dropped = c
	}
	return h
}

// Subscribe registers a new observer of trialID. The caller must Unsubscribe
// when done.
func (h *Hub) Subscribe(trialID uuid.UUID) *Subscription {
	s := &Subscription{
		trialID: trialID,
		hub:     h,
		cap:     h.bufferSize,
		ready:   make(chan struct{}, 1),
	}
	h.mu.Lock()
	subs, ok := h.topics[trialID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[trialID] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Unsubscribe removes s and ends its stream.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	if subs, ok := h.topics[s.trialID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, s.trialID)
		}
	}
	h.mu.Unlock()
	s.close()
}

// Publish delivers ev to every current subscriber of its trial.
func (h *Hub) Publish(ev model.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.topics[ev.TrialID]))
	for s := range h.topics[ev.TrialID] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if n := s.push(ev); n > 0 {
			if h.dropped != nil {
				h.dropped.Add(context.Background(), n)
			}
			h.logger.Debug("eventhub: subscriber overflow", "trial_id", ev.TrialID, "dropped", n)
		}
	}
}

// Close ends every stream for trialID once its buffered events are drained.
func (h *Hub) Close(trialID uuid.UUID) {
	h.mu.Lock()
	subs := h.topics[trialID]
	delete(h.topics, trialID)
	h.mu.Unlock()

	for s := range subs {
		s.close()
	}
}

// SubscriberCount returns the number of observers of trialID.
func (h *Hub) SubscriberCount(trialID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[trialID])
}

// Subscription is one observer's queue.
type Subscription struct {
	trialID uuid.UUID
	hub     *Hub
	cap     int
	ready   chan struct{}

	mu          sync.Mutex
	queue       []model.Event
	resyncAtTop bool
	dropped     int64
	closed      bool
}

// TrialID returns the observed trial.
func (s *Subscription) TrialID() uuid.UUID { return s.trialID }

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// push enqueues ev and returns how many events were dropped to make room.
func (s *Subscription) push(ev model.Event) int64 {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	var n int64
	if len(s.queue) >= s.cap {
		if s.resyncAtTop {
			// Keep the marker, drop the oldest real event behind it.
			lost := s.queue[1]
			s.queue = append(s.queue[:1], s.queue[2:]...)
			n = 1
			s.queue[0].Seq = lost.Seq
		} else {
			drop := len(s.queue) - s.cap + 2
			lost := s.queue[drop-1]
			s.queue = append([]model.Event{{
				TrialID:   s.trialID,
				Seq:       lost.Seq,
				Type:      model.EventResync,
				Timestamp: ev.Timestamp,
			}}, s.queue[drop:]...)
			s.resyncAtTop = true
			n = int64(drop)
		}
		s.dropped += n
		s.queue[0].Payload = model.ResyncPayload{Reason: "subscriber_overflow", Dropped: s.dropped}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	s.signal()
	return n
}

func (s *Subscription) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Next blocks until an event is available, the stream ends (ErrClosed), or
// ctx is done.
func (s *Subscription) Next(ctx context.Context) (model.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = model.Event{}
			s.queue = s.queue[1:]
			if ev.Type == model.EventResync {
				s.resyncAtTop = false
			}
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return model.Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return model.Event{}, ctx.Err()
		case <-s.ready:
		}
	}
}

// All yields events until the stream ends or ctx is done.
func (s *Subscription) All(ctx context.Context) iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		for {
			ev, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}
