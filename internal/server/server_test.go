package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hatchery/internal/auth"
	"github.com/ashita-ai/hatchery/internal/breaker"
	"github.com/ashita-ai/hatchery/internal/eventhub"
	"github.com/ashita-ai/hatchery/internal/lease"
	"github.com/ashita-ai/hatchery/internal/mcp"
	"github.com/ashita-ai/hatchery/internal/model"
	"github.com/ashita-ai/hatchery/internal/proxy"
	"github.com/ashita-ai/hatchery/internal/ratelimit"
	"github.com/ashita-ai/hatchery/internal/server"
	"github.com/ashita-ai/hatchery/internal/service/trials"
	"github.com/ashita-ai/hatchery/internal/storage/sqlite"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newDependencies starts fake Agent, Economy and Workflow services. Each
// generation costs 100 tokens and takes delay.
func newDependencies(t *testing.T, delay time.Duration) (agentURL, economyURL, workflowURL string) {
	t.Helper()
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			respondJSON(w, http.StatusOK, model.ServiceLiveness{Status: "ok"})
			return
		}
		var req model.EvolveRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		respondJSON(w, http.StatusOK, model.EvolveResult{
			Metrics: model.EvolveMetrics{
				AvgFitness:     0.5,
				MaxFitness:     float64(req.Generation) / 10,
				DiversityIndex: 0.6,
				TokensUsed:     100,
			},
			NewPopulationIDs: []string{"a", "b"},
		})
	}))
	economy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/allocate":
			var req model.AllocateRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			respondJSON(w, http.StatusOK, model.AllocateResult{GrantedTokens: req.Tokens})
		case "/v1/consume":
			respondJSON(w, http.StatusOK, model.ConsumeResult{RemainingBudget: 1})
		default:
			respondJSON(w, http.StatusOK, model.ServiceLiveness{Status: "ok", IdempotentConsume: true})
		}
	}))
	workflow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/runs":
			var req model.WorkflowRunRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			respondJSON(w, http.StatusOK, model.WorkflowRun{RunID: "run-" + req.DAGID})
		case strings.HasPrefix(r.URL.Path, "/v1/runs/"):
			respondJSON(w, http.StatusOK, model.WorkflowRun{RunID: strings.TrimPrefix(r.URL.Path, "/v1/runs/"), Status: "succeeded"})
		default:
			respondJSON(w, http.StatusOK, model.ServiceLiveness{Status: "ok"})
		}
	}))
	t.Cleanup(agent.Close)
	t.Cleanup(economy.Close)
	t.Cleanup(workflow.Close)
	return agent.URL, economy.URL, workflow.URL
}

type testServer struct {
	URL    string
	tokens map[string]string // subject -> access token
}

type serverOptions struct {
	agentDelay time.Duration
	limiter    ratelimit.Limiter
}

var testKeys = []auth.APIKey{
	{Subject: "alice", Key: "alice-key", Scopes: []model.Scope{model.ScopeTrialsRead, model.ScopeTrialsWrite}},
	{Subject: "bob", Key: "bob-key", Scopes: []model.Scope{model.ScopeTrialsRead, model.ScopeTrialsWrite}},
	{Subject: "carol", Key: "carol-key", Scopes: []model.Scope{model.ScopeTrialsRead}},
	{Subject: "ops", Key: "ops-key", Scopes: []model.Scope{model.ScopeAdmin}},
}

// newTestServer wires the full stack: sqlite store, breakers, proxy clients,
// coordinator, MCP and HTTP server.
func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	store, err := sqlite.Open(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	agentURL, economyURL, workflowURL := newDependencies(t, opts.agentDelay)
	registry := breaker.NewRegistry(breaker.Config{
		Threshold: 3, Window: time.Minute, BaseBackoff: time.Second, MaxBackoff: time.Second,
	}, logger, model.ServiceAgent, model.ServiceEconomy, model.ServiceWorkflow)
	guarded := func(service, url string) proxy.Caller {
		b, _ := registry.Get(service)
		return proxy.NewGuarded(proxy.NewHTTPCaller(service, url, ""), b)
	}
	deadlines := proxy.Deadlines{Evolve: 5 * time.Second, Mutation: 5 * time.Second, Read: time.Second}

	cfg := trials.DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.OpenBreakerGrace = 0
	cfg.ReclaimInterval = 0

	coord := trials.New(trials.Deps{
		Repo:     store,
		Agent:    proxy.NewAgentClient(guarded(model.ServiceAgent, agentURL), deadlines),
		Economy:  proxy.NewEconomyClient(guarded(model.ServiceEconomy, economyURL), deadlines, false),
		Workflow: proxy.NewWorkflowClient(guarded(model.ServiceWorkflow, workflowURL), deadlines),
		Leaser:   lease.NewLocal(),
		Hub:      eventhub.New(64, logger),
		Logger:   logger,
	}, cfg)
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = coord.Shutdown(sctx)
	})

	jwtMgr, err := auth.NewJWTManager("", "", 15*time.Minute, time.Hour)
	require.NoError(t, err)
	keyring, err := auth.NewKeyring(testKeys)
	require.NoError(t, err)

	srv := server.New(server.ServerConfig{
		Trials:              coord,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Keyring:             keyring,
		Breakers:            registry,
		Store:               store,
		StoreName:           "sqlite",
		Idempotency:         store,
		Limiter:             opts.limiter,
		MCPServer:           mcp.New(coord, logger, "test").MCPServer(),
		Version:             "test",
		MaxRequestBodyBytes: 64 * 1024,
		SSEKeepalive:        50 * time.Millisecond,
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	out := &testServer{URL: ts.URL, tokens: map[string]string{}}
	if opts.limiter == nil {
		for _, k := range testKeys {
			out.tokens[k.Subject] = out.issue(t, k.Subject, k.Key).AccessToken
		}
	}
	return out
}

func (s *testServer) issue(t *testing.T, subject, key string) model.TokenPairResponse {
	t.Helper()
	resp := s.post(t, "/auth/token", "", model.AuthTokenRequest{Subject: subject, APIKey: key})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Data model.TokenPairResponse `json:"data"`
	}
	decodeBody(t, resp, &out)
	return out.Data
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	return s.doWithHeader(t, method, path, token, body, nil)
}

func (s *testServer) doWithHeader(t *testing.T, method, path, token string, body any, header http.Header) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) get(t *testing.T, path, token string) *http.Response {
	return s.do(t, http.MethodGet, path, token, nil)
}

func (s *testServer) post(t *testing.T, path, token string, body any) *http.Response {
	return s.do(t, http.MethodPost, path, token, body)
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out), string(data))
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var apiErr model.APIError
	decodeBody(t, resp, &apiErr)
	return apiErr.Error.Code
}

func (s *testServer) createTrial(t *testing.T, subject string, req model.CreateTrialRequest) model.Trial {
	t.Helper()
	resp := s.post(t, "/trials", s.tokens[subject], req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		Data model.Trial `json:"data"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, "/trials/"+out.Data.ID.String(), resp.Header.Get("Location"))
	return out.Data
}

func (s *testServer) waitTerminal(t *testing.T, subject string, id uuid.UUID) model.Trial {
	t.Helper()
	var got model.Trial
	require.Eventually(t, func() bool {
		resp := s.get(t, "/trials/"+id.String(), s.tokens[subject])
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var out struct {
			Data model.Trial `json:"data"`
		}
		decodeBody(t, resp, &out)
		got = out.Data
		return got.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return got
}

func trialRequest(generations int, budget int64) model.CreateTrialRequest {
	return model.CreateTrialRequest{PopulationSize: 8, Generations: generations, TokenBudget: budget}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	resp := s.get(t, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Data model.HealthResponse `json:"data"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, "healthy", out.Data.Status)
	assert.Equal(t, "sqlite", out.Data.Store)
	assert.Equal(t, "test", out.Data.Version)
	assert.Len(t, out.Data.Dependencies, 3)
	for _, d := range out.Data.Dependencies {
		assert.Equal(t, model.BreakerClosed, d.State, d.ServiceName)
	}
}

func TestOpenAPISpecIsPublic(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	resp := s.get(t, "/openapi.yaml", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
}

func TestAuthFlow(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	pair := s.issue(t, "alice", "alice-key")
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.True(t, pair.RefreshExpiresAt.After(pair.AccessExpiresAt))

	resp := s.post(t, "/auth/token", "", model.AuthTokenRequest{Subject: "alice", APIKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, resp))

	resp = s.post(t, "/auth/token", "", model.AuthTokenRequest{Subject: "mallory", APIKey: "alice-key"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.post(t, "/auth/token", "", model.AuthTokenRequest{Subject: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.post(t, "/auth/refresh", "", model.RefreshTokenRequest{RefreshToken: pair.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var refreshed struct {
		Data model.TokenPairResponse `json:"data"`
	}
	decodeBody(t, resp, &refreshed)
	assert.NotEmpty(t, refreshed.Data.AccessToken)

	// The new access token works; an access token is not a refresh token.
	resp = s.get(t, "/trials", refreshed.Data.AccessToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = s.post(t, "/auth/refresh", "", model.RefreshTokenRequest{RefreshToken: pair.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnauthenticatedAccess(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	resp := s.get(t, "/trials", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = s.get(t, "/trials", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTrialLifecycle(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	created := s.createTrial(t, "alice", trialRequest(3, 1000))
	assert.Equal(t, "alice", created.Owner)
	assert.Equal(t, model.TrialStatusPending, created.Status)

	done := s.waitTerminal(t, "alice", created.ID)
	assert.Equal(t, model.TrialStatusCompleted, done.Status)
	assert.Equal(t, 3, done.CurrentGeneration)
	assert.Equal(t, int64(300), done.TokensUsed)

	resp := s.get(t, "/trials/"+created.ID.String()+"/metrics", s.tokens["alice"])
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var metrics struct {
		Data []model.GenerationMetric `json:"data"`
	}
	decodeBody(t, resp, &metrics)
	require.Len(t, metrics.Data, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{metrics.Data[0].Generation, metrics.Data[1].Generation, metrics.Data[2].Generation})

	resp = s.get(t, "/trials?status=completed", s.tokens["alice"])
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list model.ListResponse
	decodeBody(t, resp, &list)
	require.NotNil(t, list.Total)
	assert.Equal(t, 1, *list.Total)
	assert.False(t, list.HasMore)

	resp = s.post(t, "/trials/"+created.ID.String()+"/cancel", s.tokens["alice"], nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, errorCode(t, resp))
}

func TestCreateTrialValidation(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	resp := s.post(t, "/trials", s.tokens["alice"], model.CreateTrialRequest{PopulationSize: 0, Generations: 1, TokenBudget: 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, resp))

	resp = s.post(t, "/trials", s.tokens["alice"], map[string]any{"population_size": 1, "surprise": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.post(t, "/trials", s.tokens["alice"], map[string]any{"ca_rules": strings.Repeat("r", 70*1024)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp = s.get(t, "/trials/not-a-uuid", s.tokens["alice"])
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.get(t, "/trials?status=paused", s.tokens["alice"])
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateTrialIdempotencyKey(t *testing.T) {
	s := newTestServer(t, serverOptions{agentDelay: 20 * time.Millisecond})
	keyed := func(subject, key string, req model.CreateTrialRequest) *http.Response {
		return s.doWithHeader(t, http.MethodPost, "/trials", s.tokens[subject], req, http.Header{"Idempotency-Key": {key}})
	}
	trialFrom := func(resp *http.Response) model.Trial {
		var out struct {
			Data model.Trial `json:"data"`
		}
		decodeBody(t, resp, &out)
		return out.Data
	}

	first := keyed("alice", "create-1", trialRequest(1, 1000))
	require.Equal(t, http.StatusCreated, first.StatusCode)
	original := trialFrom(first)

	replay := keyed("alice", "create-1", trialRequest(1, 1000))
	require.Equal(t, http.StatusCreated, replay.StatusCode)
	assert.Equal(t, "true", replay.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, original.ID, trialFrom(replay).ID, "a retried create returns the first trial")

	resp := keyed("alice", "create-1", trialRequest(2, 1000))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, errorCode(t, resp))

	other := keyed("bob", "create-1", trialRequest(1, 1000))
	require.Equal(t, http.StatusCreated, other.StatusCode)
	assert.NotEqual(t, original.ID, trialFrom(other).ID, "keys are scoped to the subject")

	// A rejected create releases its key.
	resp = keyed("alice", "create-2", model.CreateTrialRequest{PopulationSize: 0, Generations: 1, TokenBudget: 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = keyed("alice", "create-2", trialRequest(1, 1000))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = keyed("alice", strings.Repeat("k", 256), trialRequest(1, 1000))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.get(t, "/trials", s.tokens["alice"])
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list model.ListResponse
	decodeBody(t, resp, &list)
	require.NotNil(t, list.Total)
	assert.Equal(t, 2, *list.Total, "one trial per distinct key")
}

func TestScopesAndVisibility(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	resp := s.post(t, "/trials", s.tokens["carol"], trialRequest(1, 1000))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, model.ErrCodeForbidden, errorCode(t, resp))

	created := s.createTrial(t, "alice", trialRequest(1, 1000))
	s.waitTerminal(t, "alice", created.ID)

	resp = s.get(t, "/trials/"+created.ID.String(), s.tokens["bob"])
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errorCode(t, resp))

	resp = s.get(t, "/trials/"+created.ID.String(), s.tokens["ops"])
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.get(t, "/trials/"+uuid.New().String(), s.tokens["ops"])
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var list model.ListResponse
	resp = s.get(t, "/trials?owner=alice", s.tokens["bob"])
	decodeBody(t, resp, &list)
	assert.Equal(t, 0, *list.Total, "non-admins cannot list other owners")

	resp = s.get(t, "/trials?owner=alice", s.tokens["ops"])
	decodeBody(t, resp, &list)
	assert.Equal(t, 1, *list.Total)
}

func TestCancelRunningTrial(t *testing.T) {
	s := newTestServer(t, serverOptions{agentDelay: 50 * time.Millisecond})

	created := s.createTrial(t, "alice", trialRequest(100, 1_000_000))

	resp := s.post(t, "/trials/"+created.ID.String()+"/cancel", s.tokens["bob"], nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.post(t, "/trials/"+created.ID.String()+"/cancel", s.tokens["alice"], nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out struct {
		Data model.Trial `json:"data"`
	}
	decodeBody(t, resp, &out)
	assert.True(t, out.Data.CancelRequested)

	done := s.waitTerminal(t, "alice", created.ID)
	assert.Equal(t, model.TrialStatusCancelled, done.Status)
	assert.Less(t, done.CurrentGeneration, 100)
}

func TestWorkflowHandOff(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	plain := s.createTrial(t, "alice", trialRequest(1, 1000))
	s.waitTerminal(t, "alice", plain.ID)
	resp := s.get(t, "/trials/"+plain.ID.String()+"/workflow", s.tokens["alice"])
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	dag := "dag-7"
	req := trialRequest(1, 1000)
	req.WorkflowDAGID = &dag
	chained := s.createTrial(t, "alice", req)
	done := s.waitTerminal(t, "alice", chained.ID)
	require.NotNil(t, done.WorkflowRunID)
	assert.Equal(t, "run-dag-7", *done.WorkflowRunID)

	resp = s.get(t, "/trials/"+chained.ID.String()+"/workflow", s.tokens["alice"])
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Data model.WorkflowStatusResponse `json:"data"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, model.WorkflowStatusResponse{DAGID: "dag-7", RunID: "run-dag-7", Status: "succeeded"}, out.Data)
}

type sseEvent struct {
	id    string
	event string
	data  string
}

// readEvents reads SSE messages until a complete or error event or EOF.
func readEvents(t *testing.T, body io.Reader) (events []sseEvent, keepalives int) {
	t.Helper()
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var cur sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			keepalives++
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.event != "":
			events = append(events, cur)
			if cur.event == string(model.EventComplete) || cur.event == string(model.EventError) {
				return events, keepalives
			}
			cur = sseEvent{}
		}
	}
	return events, keepalives
}

func TestTrialEventStream(t *testing.T) {
	s := newTestServer(t, serverOptions{agentDelay: 60 * time.Millisecond})
	created := s.createTrial(t, "alice", trialRequest(4, 1000))

	resp := s.get(t, "/trials/"+created.ID.String()+"/events", s.tokens["alice"])
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events, keepalives := readEvents(t, resp.Body)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, string(model.EventStatus), events[0].event)
	assert.Empty(t, events[0].id, "the snapshot carries no sequence number")

	last := events[len(events)-1]
	assert.Equal(t, string(model.EventComplete), last.event)
	var final model.Event
	require.NoError(t, json.Unmarshal([]byte(last.data), &final))
	assert.Equal(t, created.ID, final.TrialID)

	updates := 0
	for _, ev := range events[1 : len(events)-1] {
		if ev.event == string(model.EventUpdate) {
			updates++
		}
	}
	assert.Positive(t, updates, "a slow trial streams at least one update")
	assert.Positive(t, keepalives, "idle gaps longer than the keepalive interval get comment frames")
}

func TestEventStreamForFinishedTrial(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	created := s.createTrial(t, "alice", trialRequest(1, 1000))
	s.waitTerminal(t, "alice", created.ID)

	resp := s.get(t, "/trials/"+created.ID.String()+"/events", s.tokens["alice"])
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events, _ := readEvents(t, resp.Body)
	require.Len(t, events, 2)
	assert.Equal(t, string(model.EventStatus), events[0].event)
	assert.Equal(t, string(model.EventComplete), events[1].event)

	resp = s.get(t, "/trials/"+created.ID.String()+"/events", s.tokens["bob"])
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBudgetFailureOnStream(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	// Each generation costs 100; the second would overrun 150.
	created := s.createTrial(t, "alice", trialRequest(3, 150))
	done := s.waitTerminal(t, "alice", created.ID)
	assert.Equal(t, model.TrialStatusFailed, done.Status)
	require.NotNil(t, done.FailureReason)
	assert.Equal(t, model.ReasonBudgetExceeded, *done.FailureReason)

	resp := s.get(t, "/trials/"+created.ID.String()+"/events", s.tokens["alice"])
	events, _ := readEvents(t, resp.Body)
	require.Len(t, events, 2)
	assert.Equal(t, string(model.EventError), events[1].event)
	assert.Contains(t, events[1].data, model.ErrCodeBudgetExceeded)
}

func TestAuthRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	t.Cleanup(func() { _ = limiter.Close() })
	s := newTestServer(t, serverOptions{limiter: limiter})

	limited := 0
	for range 4 {
		resp := s.post(t, "/auth/token", "", model.AuthTokenRequest{Subject: "alice", APIKey: "wrong"})
		if resp.StatusCode == http.StatusTooManyRequests {
			limited++
			assert.Equal(t, model.ErrCodeRateLimited, errorCode(t, resp))
		}
	}
	assert.Equal(t, 2, limited)
}

func newMCPClient(t *testing.T, baseURL, token string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		baseURL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	return c
}

func TestMCPTools(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	c := newMCPClient(t, s.URL, s.tokens["alice"])
	ctx := context.Background()

	tools, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"hatchery_create_trial", "hatchery_get_trial", "hatchery_list_trials",
		"hatchery_trial_metrics", "hatchery_cancel_trial",
	} {
		assert.True(t, names[want], "expected %s tool", want)
	}

	res, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name: "hatchery_create_trial",
			Arguments: map[string]any{
				"population_size": 4,
				"generations":     2,
				"token_budget":    1000,
			},
		},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	text := res.Content[0].(mcplib.TextContent).Text
	var created model.Trial
	require.NoError(t, json.Unmarshal([]byte(text), &created))
	assert.Equal(t, "alice", created.Owner, "MCP calls run as the token subject")

	done := s.waitTerminal(t, "alice", created.ID)
	assert.Equal(t, model.TrialStatusCompleted, done.Status)
}

func TestMCPRequiresAuth(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	resp := s.post(t, "/mcp", "", map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
