package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hatchery/internal/auth"
	"github.com/ashita-ai/hatchery/internal/breaker"
	"github.com/ashita-ai/hatchery/internal/model"
	"github.com/ashita-ai/hatchery/internal/service/trials"
)

// Pinger reports whether the trial store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	trials              *trials.Coordinator
	jwtMgr              *auth.JWTManager
	keyring             *auth.Keyring
	breakers            *breaker.Registry
	store               Pinger
	storeName           string
	idempotency         IdempotencyStore
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	keepalive           time.Duration
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Keyring, Breakers, Store, Idempotency, OpenAPISpec.
type HandlersDeps struct {
	Trials              *trials.Coordinator
	JWTMgr              *auth.JWTManager
	Keyring             *auth.Keyring
	Breakers            *breaker.Registry
	Store               Pinger
	StoreName           string
	Idempotency         IdempotencyStore
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
	// SSEKeepalive is the interval between comment frames on idle event
	// streams. Zero means 15s.
	SSEKeepalive time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	keepalive := d.SSEKeepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Handlers{
		trials:              d.Trials,
		jwtMgr:              d.JWTMgr,
		keyring:             d.Keyring,
		breakers:            d.Breakers,
		store:               d.Store,
		storeName:           d.StoreName,
		idempotency:         d.Idempotency,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
		keepalive:           keepalive,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Subject == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject and api_key are required")
		return
	}
	if h.keyring == nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	scopes, err := h.keyring.Authenticate(req.Subject, req.APIKey)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Error("api key verification failed", "subject", req.Subject, "error", err)
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	pair, err := h.jwtMgr.IssuePair(req.Subject, scopes)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "subject", req.Subject, "scopes", scopes,
		"request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, tokenPairResponse(pair))
}

// HandleAuthRefresh handles POST /auth/refresh.
func (h *Handlers) HandleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	var req model.RefreshTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "refresh_token is required")
		return
	}
	pair, err := h.jwtMgr.Refresh(req.RefreshToken)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired refresh token")
		return
	}
	writeJSON(w, r, http.StatusOK, tokenPairResponse(pair))
}

func tokenPairResponse(p auth.TokenPair) model.TokenPairResponse {
	return model.TokenPairResponse{
		AccessToken:      p.AccessToken,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshToken:     p.RefreshToken,
		RefreshExpiresAt: p.RefreshExpiresAt,
		TokenType:        "Bearer",
	}
}

// HandleHealth handles GET /health. An unreachable store makes the service
// unhealthy (503); an open dependency breaker only degrades it.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.store.Ping(ctx)
		cancel()
		if err != nil {
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	deps := []model.ServiceHealthRecord{}
	if h.breakers != nil {
		deps = h.breakers.Records()
		if status == "healthy" && h.breakers.AnyOpen() {
			status = "degraded"
		}
	}

	resp := model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Store:        h.storeName,
		Dependencies: deps,
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}
	if h.trials != nil {
		resp.ActiveTrials = h.trials.ActiveTrials()
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeDomainError maps coordinator and repository errors to an HTTP status
// and stable error code.
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *model.ValidationError
		authErr    *model.AuthError
		open       *model.CircuitOpenError
		transient  *model.TransientDependencyError
		rejected   *model.PermanentRequestError
		budget     *model.BudgetExceededError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, validation.Error())
	case errors.As(err, &authErr):
		if authErr.Forbidden {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, authErr.Message)
		} else {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, authErr.Message)
		}
	case errors.Is(err, model.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trial not found")
	case errors.Is(err, trials.ErrWorkflowUnavailable):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no workflow run for this trial")
	case errors.Is(err, model.ErrTerminalState):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "trial is already in a terminal state")
	case errors.Is(err, model.ErrIllegalTransition):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "illegal status transition")
	case errors.As(err, &budget):
		writeError(w, r, http.StatusConflict, model.ErrCodeBudgetExceeded, budget.Error())
	case errors.As(err, &open):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(open.NextProbeAt)))
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable, open.Error())
	case errors.As(err, &transient):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable, transient.Service+" unavailable")
	case errors.As(err, &rejected):
		writeError(w, r, http.StatusBadGateway, model.ErrCodeRequestRejected, rejected.Error())
	case errors.Is(err, trials.ErrNotStarted):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable, "not accepting trials")
	default:
		h.writeInternalError(w, r, "internal error", err)
	}
}

// writeInternalError logs err with the request id and returns a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func retryAfterSeconds(at time.Time) int {
	secs := int(time.Until(at).Seconds() + 0.999)
	if secs < 1 {
		return 1
	}
	return secs
}

// --- Shared helpers ---

func parseTrialID(r *http.Request) (uuid.UUID, error) {
	idStr := r.PathValue("id")
	if idStr == "" {
		return uuid.Nil, fmt.Errorf("trial id is required")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid trial id: %s", idStr)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
