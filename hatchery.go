// Package hatchery is the public API for embedding the trial coordinator.
//
// Callers construct the server and run it until their context ends:
//
//	app, err := hatchery.New(
//	    hatchery.WithVersion(version),
//	    hatchery.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the other way round.
package hatchery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hatchery/api"
	"github.com/ashita-ai/hatchery/internal/auth"
	"github.com/ashita-ai/hatchery/internal/breaker"
	"github.com/ashita-ai/hatchery/internal/config"
	"github.com/ashita-ai/hatchery/internal/eventhub"
	"github.com/ashita-ai/hatchery/internal/lease"
	"github.com/ashita-ai/hatchery/internal/mcp"
	"github.com/ashita-ai/hatchery/internal/model"
	"github.com/ashita-ai/hatchery/internal/proxy"
	"github.com/ashita-ai/hatchery/internal/ratelimit"
	"github.com/ashita-ai/hatchery/internal/server"
	"github.com/ashita-ai/hatchery/internal/service/trials"
	"github.com/ashita-ai/hatchery/internal/storage"
	"github.com/ashita-ai/hatchery/internal/storage/sqlite"
	"github.com/ashita-ai/hatchery/internal/telemetry"
	"github.com/ashita-ai/hatchery/migrations"
)

// store is the persistence backend: Postgres when DATABASE_URL is set,
// SQLite otherwise.
type store interface {
	trials.Repository
	server.IdempotencyStore
	CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// App is the coordinator lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        store
	redis        *redis.Client // nil when Redis is not configured
	limiter      ratelimit.Limiter
	coordinator  *trials.Coordinator
	prober       *breaker.Prober
	economy      *proxy.EconomyClient
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New wires every subsystem and returns a ready-to-run App. It connects to the
// store and runs migrations but does NOT start any goroutines or accept HTTP
// connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("hatchery starting", "version", version, "port", cfg.Port)

	ctx := context.Background()
	tcfg := telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Store:       "sqlite",
		Leases:      "local",
	}
	if cfg.DatabaseURL != "" {
		tcfg.Store = "postgres"
	}
	if cfg.RedisURL != "" {
		tcfg.Leases = "redis"
	}
	otelShutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Everything opened below is released in reverse order if a later step fails.
	var cleanups []func()
	fail := func(err error) (*App, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		_ = otelShutdown(context.Background())
		return nil, err
	}

	st, storeName, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, func() { _ = st.Close() })

	var (
		rdb     *redis.Client
		leaser  lease.Leaser
		limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("redis: parse url: %w", err))
		}
		rdb = redis.NewClient(redisOpts)
		cleanups = append(cleanups, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("redis: ping: %w", err))
		}
		leaser = lease.NewRedis(rdb, cfg.LeaseTTL, logger)
		if cfg.RateLimitEnabled {
			limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimitRPS, cfg.RateLimitBurst)
		}
		logger.Info("redis: leases and rate limits are shared", "addr", redisOpts.Addr)
	} else {
		leaser = lease.NewLocal()
		if cfg.RateLimitEnabled {
			limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		}
		logger.Info("redis: not configured, leases and rate limits are process-local")
	}
	cleanups = append(cleanups, func() { _ = limiter.Close() })

	services := []string{model.ServiceAgent, model.ServiceEconomy}
	if cfg.WorkflowServiceURL != "" {
		services = append(services, model.ServiceWorkflow)
	}
	registry := breaker.NewRegistry(breaker.Config{
		Threshold:   cfg.BreakerThreshold,
		Window:      cfg.BreakerWindow,
		BaseBackoff: cfg.BreakerBaseBackoff,
		MaxBackoff:  cfg.BreakerMaxBackoff,
	}, logger, services...)

	deadlines := proxy.Deadlines{
		Evolve:   cfg.EvolveDeadline,
		Mutation: cfg.MutationDeadline,
		Read:     cfg.ReadDeadline,
	}
	guarded := func(service, url string) proxy.Caller {
		b, _ := registry.Get(service)
		return proxy.NewGuarded(proxy.NewHTTPCaller(service, url, cfg.ServiceToken).WithClient(o.httpClient), b)
	}

	prober := breaker.NewProber(registry, cfg.ProbeInterval, cfg.ReadDeadline+time.Second, logger)
	agent := proxy.NewAgentClient(guarded(model.ServiceAgent, cfg.AgentServiceURL), deadlines)
	economy := proxy.NewEconomyClient(guarded(model.ServiceEconomy, cfg.EconomyServiceURL), deadlines, cfg.ForceIdempotentConsume)
	prober.Register(model.ServiceAgent, agent.Probe)
	prober.Register(model.ServiceEconomy, economy.Probe)
	prober.RegisterRefresh(model.ServiceEconomy, economy.Probe)

	deps := trials.Deps{
		Repo:    st,
		Agent:   agent,
		Economy: economy,
		Leaser:  leaser,
		Hub:     eventhub.New(cfg.SubscriberBuffer, logger),
		Logger:  logger,
	}
	// Leave Workflow as a nil interface, not a typed nil, when unconfigured.
	if cfg.WorkflowServiceURL != "" {
		workflow := proxy.NewWorkflowClient(guarded(model.ServiceWorkflow, cfg.WorkflowServiceURL), deadlines)
		prober.Register(model.ServiceWorkflow, workflow.Probe)
		deps.Workflow = workflow
	} else {
		logger.Info("workflow service not configured, trials with a workflow_dag_id will not hand off")
	}

	coordCfg := trials.DefaultConfig()
	coordCfg.MaxRetries = cfg.MaxRetries
	coordCfg.RetryBaseDelay = cfg.RetryBaseDelay
	coordCfg.OpenBreakerGrace = cfg.OpenBreakerGrace
	coordCfg.DiversityFloor = cfg.DiversityFloor
	coordCfg.DiversityWindow = cfg.DiversityWindow
	coordCfg.ReclaimInterval = cfg.ReclaimInterval
	coordinator := trials.New(deps, coordCfg)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	if err != nil {
		return fail(fmt.Errorf("jwt: %w", err))
	}
	if cfg.JWTPrivateKeyPath == "" {
		logger.Warn("jwt: no signing key configured, using an ephemeral key; tokens will not survive a restart")
	}

	keyring, err := newKeyring(cfg)
	if err != nil {
		return fail(err)
	}

	mcpSrv := mcp.New(coordinator, logger, version)

	srv := server.New(server.ServerConfig{
		Trials:              coordinator,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Keyring:             keyring,
		Breakers:            registry,
		Store:               st,
		StoreName:           storeName,
		Idempotency:         st,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		store:        st,
		redis:        rdb,
		limiter:      limiter,
		coordinator:  coordinator,
		prober:       prober,
		economy:      economy,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run resumes unfinished trials, starts the dependency prober and the HTTP
// server, then blocks until ctx is cancelled or the server fails. On return,
// Shutdown has been called; callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	// Learn dependency capabilities, such as replay-safe consume, before any
	// resumed trial spends tokens.
	a.prober.Refresh(ctx)
	a.logger.Info("economy service capabilities", "idempotent_consume", a.economy.SupportsIdempotentReplay())

	// Trial loops outlive ctx so that Shutdown can stop them in order.
	if err := a.coordinator.Start(context.WithoutCancel(ctx)); err != nil {
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("start coordinator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.prober.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.cleanupIdempotencyKeys(gctx)
		return nil
	})
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})
	return g.Wait()
}

// cleanupIdempotencyKeys expires Idempotency-Key records until ctx ends.
func (a *App) cleanupIdempotencyKeys(ctx context.Context) {
	interval := a.cfg.IdempotencyInProgressTTL
	if interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.store.CleanupIdempotencyKeys(ctx, a.cfg.IdempotencyTTL, a.cfg.IdempotencyInProgressTTL)
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("idempotency keys expired", "deleted", n)
			}
		}
	}
}

// Shutdown stops accepting HTTP requests and drains in-flight ones, then stops
// every trial loop (leaving trials resumable) before closing the store, Redis
// and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("hatchery shutting down", "active_trials", a.coordinator.ActiveTrials())

	shutdownCtx, cancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.coordinator.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("trial loops did not stop before the shutdown deadline; they will be reclaimed on restart", "error", err)
	}
	if err := a.limiter.Close(); err != nil {
		a.logger.Warn("rate limiter close failed", "error", err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("hatchery stopped")
	return errors.Join(errs...)
}

// Handler returns the root HTTP handler for tests that drive the App directly.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store, string, error) {
	if cfg.DatabaseURL != "" {
		db, err := storage.New(ctx, cfg.DatabaseURL, int32(cfg.DatabaseMaxConns), logger)
		if err != nil {
			return nil, "", fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("migrations: %w", err)
		}
		return db, "postgres", nil
	}
	st, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
	if err != nil {
		return nil, "", fmt.Errorf("sqlite: %w", err)
	}
	return st, "sqlite", nil
}

// newKeyring merges HATCHERY_API_KEYS with the admin key, which always
// carries the admin scope.
func newKeyring(cfg config.Config) (*auth.Keyring, error) {
	keys, err := auth.ParseAPIKeys(cfg.APIKeys)
	if err != nil {
		return nil, fmt.Errorf("api keys: %w", err)
	}
	if cfg.AdminAPIKey != "" {
		keys = append(keys, auth.APIKey{
			Subject: "admin",
			Key:     cfg.AdminAPIKey,
			Scopes:  []model.Scope{model.ScopeAdmin},
		})
	}
	keyring, err := auth.NewKeyring(keys)
	if err != nil {
		return nil, fmt.Errorf("api keys: %w", err)
	}
	return keyring, nil
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
