package hatchery

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hatchery/internal/config"
	"github.com/ashita-ai/hatchery/internal/model"
)

func TestNewServesHealth(t *testing.T) {
	t.Setenv("HATCHERY_CONFIG_FILE", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("AGENT_SERVICE_URL", "http://127.0.0.1:1")
	t.Setenv("ECONOMY_SERVICE_URL", "http://127.0.0.1:1")
	t.Setenv("HATCHERY_ADMIN_API_KEY", "admin-secret")

	app, err := New(
		WithSQLitePath(":memory:"),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithVersion("1.2.3"),
	)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Shutdown(context.Background())) }()

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "1.2.3", body.Data.Version)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Setenv("HATCHERY_CONFIG_FILE", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("AGENT_SERVICE_URL", "http://127.0.0.1:1")
	t.Setenv("ECONOMY_SERVICE_URL", "http://127.0.0.1:1")

	app, err := New(
		WithPort(18099),
		WithSQLitePath(":memory:"),
		WithLogger(slog.New(slog.DiscardHandler)),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, app.Run(ctx))
}

func TestRunLearnsEconomyReplayCapability(t *testing.T) {
	var healthChecks atomic.Int32
	var advertise atomic.Bool
	advertise.Store(true)
	economy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		healthChecks.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model.ServiceLiveness{Status: "ok", IdempotentConsume: advertise.Load()})
	}))
	defer economy.Close()

	t.Setenv("HATCHERY_CONFIG_FILE", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("AGENT_SERVICE_URL", "http://127.0.0.1:1")
	t.Setenv("ECONOMY_SERVICE_URL", economy.URL)
	t.Setenv("HATCHERY_FORCE_IDEMPOTENT_CONSUME", "false")
	t.Setenv("HATCHERY_PROBE_INTERVAL", "20ms")

	app, err := New(
		WithPort(18098),
		WithSQLitePath(":memory:"),
		WithLogger(slog.New(slog.DiscardHandler)),
	)
	require.NoError(t, err)
	require.False(t, app.economy.SupportsIdempotentReplay())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, app.economy.SupportsIdempotentReplay, 2*time.Second, 5*time.Millisecond,
		"a healthy economy service is asked for its capabilities at startup")

	advertise.Store(false)
	seen := healthChecks.Load()
	require.Eventually(t, func() bool {
		return healthChecks.Load() > seen && !app.economy.SupportsIdempotentReplay()
	}, 2*time.Second, 5*time.Millisecond, "the capability is refreshed while the breaker stays closed")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewKeyring(t *testing.T) {
	cfg := config.Config{APIKeys: "alice:k1,carol:k2:trials:read", AdminAPIKey: "root"}
	keyring, err := newKeyring(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, keyring.Len())

	scopes, err := keyring.Authenticate("admin", "root")
	require.NoError(t, err)
	assert.Equal(t, []model.Scope{model.ScopeAdmin}, scopes)

	scopes, err = keyring.Authenticate("alice", "k1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.Scope{model.ScopeTrialsRead, model.ScopeTrialsWrite}, scopes)

	_, err = newKeyring(config.Config{APIKeys: "admin:x", AdminAPIKey: "root"})
	assert.Error(t, err, "the admin subject is reserved")

	_, err = newKeyring(config.Config{APIKeys: "broken"})
	assert.Error(t, err)
}
