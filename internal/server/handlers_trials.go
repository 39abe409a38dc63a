package server

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hatchery/internal/ctxutil"
	"github.com/ashita-ai/hatchery/internal/model"
)

// HandleCreateTrial handles POST /trials.
func (h *Handlers) HandleCreateTrial(w http.ResponseWriter, r *http.Request) {
	id, _ := ctxutil.IdentityFromContext(r.Context())

	var req model.CreateTrialRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	iw, proceed := h.beginIdempotentWrite(w, r, id.Subject, "POST:/trials", req)
	if !proceed {
		return
	}

	t, err := h.trials.Submit(r.Context(), id, req)
	if err != nil {
		// Submit persists nothing when it fails, so the key can be reused.
		h.clearIdempotentWrite(r, iw)
		h.writeDomainError(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("hatchery.trial_id", t.ID.String()))
	h.completeIdempotentWrite(r, iw, http.StatusCreated, t)

	w.Header().Set("Location", "/trials/"+t.ID.String())
	writeJSON(w, r, http.StatusCreated, t)
}

// HandleGetTrial handles GET /trials/{id}.
func (h *Handlers) HandleGetTrial(w http.ResponseWriter, r *http.Request) {
	trialID, err := parseTrialID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	id, _ := ctxutil.IdentityFromContext(r.Context())

	t, err := h.trials.Get(r.Context(), id, trialID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

// HandleListTrials handles GET /trials?status=&owner=&limit=&offset=.
// The owner filter is honoured for admins only.
func (h *Handlers) HandleListTrials(w http.ResponseWriter, r *http.Request) {
	id, _ := ctxutil.IdentityFromContext(r.Context())

	f := model.TrialFilter{
		Owner:  r.URL.Query().Get("owner"),
		Limit:  queryLimit(r, 50),
		Offset: queryOffset(r),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := model.TrialStatus(s)
		f.Status = &status
	}

	list, total, err := h.trials.List(r.Context(), id, f)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Trial{}
	}
	writeList(w, r, list, total, f.Limit, f.Offset, len(list))
}

// HandleCancelTrial handles POST /trials/{id}/cancel. The trial stops at its
// next generation boundary, so the response is 202 with the current snapshot.
func (h *Handlers) HandleCancelTrial(w http.ResponseWriter, r *http.Request) {
	trialID, err := parseTrialID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	id, _ := ctxutil.IdentityFromContext(r.Context())

	t, err := h.trials.Cancel(r.Context(), id, trialID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, t)
}

// HandleTrialMetrics handles GET /trials/{id}/metrics.
func (h *Handlers) HandleTrialMetrics(w http.ResponseWriter, r *http.Request) {
	trialID, err := parseTrialID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	id, _ := ctxutil.IdentityFromContext(r.Context())

	metrics, err := h.trials.Metrics(r.Context(), id, trialID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if metrics == nil {
		metrics = []model.GenerationMetric{}
	}
	writeJSON(w, r, http.StatusOK, metrics)
}

// HandleTrialWorkflow handles GET /trials/{id}/workflow.
func (h *Handlers) HandleTrialWorkflow(w http.ResponseWriter, r *http.Request) {
	trialID, err := parseTrialID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	id, _ := ctxutil.IdentityFromContext(r.Context())

	status, err := h.trials.WorkflowStatus(r.Context(), id, trialID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}
