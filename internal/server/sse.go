package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/hatchery/internal/ctxutil"
	"github.com/ashita-ai/hatchery/internal/model"
)

// HandleTrialEvents handles GET /trials/{id}/events (SSE).
//
// The stream opens with a status event carrying the trial snapshot, then
// relays hub events until a complete or error event ends it. A trial that is
// already terminal gets its snapshot and matching final event only.
func (h *Handlers) HandleTrialEvents(w http.ResponseWriter, r *http.Request) {
	trialID, err := parseTrialID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	id, _ := ctxutil.IdentityFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	snapshot, sub, err := h.trials.Subscribe(r.Context(), id, trialID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	defer h.trials.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	now := time.Now().UTC()
	if err := writeEvent(w, model.Event{TrialID: trialID, Type: model.EventStatus, Payload: snapshot, Timestamp: now}); err != nil {
		return
	}
	if sub == nil {
		_ = writeEvent(w, finalEvent(snapshot, now))
		flusher.Flush()
		return
	}
	flusher.Flush()

	ctx := r.Context()
	events := make(chan model.Event)
	go func() {
		defer close(events)
		for ev := range sub.All(ctx) {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Type.Final() {
				return
			}
		}
	}
}

// finalEvent reconstructs the closing event for a trial that finished
// before the stream opened.
func finalEvent(t model.Trial, now time.Time) model.Event {
	if t.Status == model.TrialStatusFailed {
		p := model.ErrorPayload{Code: model.ErrCodeInternalError, Trial: t}
		if t.FailureReason != nil {
			p.Reason = *t.FailureReason
			p.Code = failureCode(p.Reason)
		}
		return model.Event{TrialID: t.ID, Type: model.EventError, Payload: p, Timestamp: now}
	}
	return model.Event{TrialID: t.ID, Type: model.EventComplete, Payload: t, Timestamp: now}
}

func failureCode(reason string) string {
	switch {
	case reason == model.ReasonBudgetExceeded || reason == model.ReasonBudgetExhausted:
		return model.ErrCodeBudgetExceeded
	case strings.HasPrefix(reason, "service_unavailable:"):
		return model.ErrCodeServiceUnavailable
	case strings.HasPrefix(reason, "request_rejected:"):
		return model.ErrCodeRequestRejected
	}
	return model.ErrCodeInternalError
}

// writeEvent writes ev as one SSE message: "id", "event" and a JSON "data" line.
func writeEvent(w http.ResponseWriter, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = w.Write(formatSSE(ev.Seq, string(ev.Type), data))
	return err
}

// formatSSE formats an event as a Server-Sent Events message.
func formatSSE(seq uint64, eventType string, data []byte) []byte {
	buf := make([]byte, 0, len(data)+64)
	if seq > 0 {
		buf = append(buf, "id: "...)
		buf = strconv.AppendUint(buf, seq, 10)
		buf = append(buf, '\n')
	}
	buf = append(buf, "event: "...)
	buf = append(buf, eventType...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	return append(buf, "\n\n"...)
}
