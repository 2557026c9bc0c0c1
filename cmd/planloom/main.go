package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/multierr"

	"github.com/planloom/planloom/internal/adapter/fstools"
	plhttp "github.com/planloom/planloom/internal/adapter/http"
	"github.com/planloom/planloom/internal/adapter/litellm"
	"github.com/planloom/planloom/internal/adapter/mcp"
	"github.com/planloom/planloom/internal/adapter/memstore"
	plnats "github.com/planloom/planloom/internal/adapter/nats"
	"github.com/planloom/planloom/internal/adapter/natskv"
	"github.com/planloom/planloom/internal/adapter/otel"
	"github.com/planloom/planloom/internal/adapter/postgres"
	"github.com/planloom/planloom/internal/adapter/ristretto"
	"github.com/planloom/planloom/internal/adapter/tiered"
	"github.com/planloom/planloom/internal/adapter/ws"
	"github.com/planloom/planloom/internal/config"
	"github.com/planloom/planloom/internal/domain/session"
	"github.com/planloom/planloom/internal/logger"
	"github.com/planloom/planloom/internal/middleware"
	"github.com/planloom/planloom/internal/port/a2a"
	"github.com/planloom/planloom/internal/port/cache"
	"github.com/planloom/planloom/internal/port/checkpointstore"
	"github.com/planloom/planloom/internal/port/database"
	"github.com/planloom/planloom/internal/port/eventstore"
	"github.com/planloom/planloom/internal/port/worker"
	"github.com/planloom/planloom/internal/resilience"
	"github.com/planloom/planloom/internal/secrets"
	"github.com/planloom/planloom/internal/service"
)

const serviceName = "planloom"

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"persistence", persistenceMode(cfg),
		"nats_enabled", cfg.NATS.Enabled,
	)

	ctx := context.Background()

	// --- Secrets ---
	vault, err := buildVault(cfg)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	// --- Telemetry ---
	var otelShutdown otel.ShutdownFunc
	if cfg.Telemetry.Enabled {
		otelShutdown, err = otel.Setup(ctx, cfg.Telemetry, serviceName, version)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		slog.Info("telemetry exporting", "endpoint", cfg.Telemetry.OTLPEndpoint)
	}

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Persistence ---
	var (
		store       database.Store
		checkpoints checkpointstore.Store
		events      eventstore.Store
		pool        *pgxpool.Pool
	)
	if cfg.Postgres.DSN != "" {
		pool, err = postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("postgres connected, migrations applied")

		store = postgres.NewStore(pool)
		checkpoints = postgres.NewCheckpointStore(pool)
		events = postgres.NewEventStore(pool)
	} else {
		mem := memstore.New()
		store, checkpoints, events = mem, mem, mem
		slog.Warn("no postgres dsn configured, sessions are lost on restart")
	}

	// --- Event bus ---
	var queue *plnats.Queue
	if cfg.NATS.Enabled {
		queue, err = plnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
		slog.Info("nats connected", "stream", cfg.NATS.Stream)
	}

	// --- Snapshot cache ---
	snapCache, err := buildCache(ctx, cfg, queue)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	// --- LLM gateway ---
	llmClient := litellm.NewClient(cfg.LiteLLM, vault)
	llmClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	// --- Components ---
	tools := fstools.NewFactory(cfg.Workspace)
	planner := service.NewPlanner(llmClient, tools, cfg.LiteLLM.PlannerModel, cfg.Engine.PlannerMaxAttempts)

	deps := worker.Deps{
		LLM:   llmClient,
		Tools: tools,
		Model: cfg.LiteLLM.Model,
		Budget: worker.Budget{
			MaxAttempts: cfg.Engine.WorkerMaxAttempts,
			Timeout:     cfg.Engine.WorkerTimeout,
		},
	}
	writeWorker, err := worker.New(session.WorkerWrite, deps)
	if err != nil {
		return fmt.Errorf("write worker: %w", err)
	}
	diagWorker, err := worker.New(session.WorkerDiagnostic, deps)
	if err != nil {
		return fmt.Errorf("diagnostic worker: %w", err)
	}

	hub := ws.NewHub(log)

	engine := service.NewEngine(store, checkpoints, events, hub, cfg.Engine.MaxSessionSteps,
		service.NewPlanController(planner),
		service.NewWorkerComponent(session.WorkerWrite, writeWorker),
		service.NewWorkerComponent(session.WorkerDiagnostic, diagWorker),
		service.NewReviewGate(checkpoints),
	)
	engine.SetMetrics(metrics)
	engine.SetLogger(log)
	if queue != nil {
		engine.SetQueue(queue)
	}
	if snapCache != nil {
		engine.SetCache(snapCache, cfg.Engine.SnapshotTTL)
	}

	sessions := service.NewSessionService(store, checkpoints, events, engine, hub,
		int(cfg.Engine.MaxConcurrentSessions))
	sessions.SetMetrics(metrics)
	sessions.SetLogger(log)
	sessions.SetSkipReview(cfg.Engine.SkipReview)
	if queue != nil {
		sessions.SetQueue(queue)
	}
	if snapCache != nil {
		sessions.SetCache(snapCache)
	}

	// Relay bus envelopes to local WebSocket observers so clients can follow
	// sessions hosted on another instance.
	if queue != nil {
		relay := plnats.NewEventRelay(queue, hub, log)
		stopRelay, rerr := relay.Start(ctx)
		if rerr != nil {
			return fmt.Errorf("event relay: %w", rerr)
		}
		defer stopRelay()
	}

	// --- HTTP ---
	handlers := &plhttp.Handlers{
		Sessions: sessions,
		LiteLLM:  llmClient,
		Version:  version,
	}

	auth := middleware.NewAPIKeyAuth(vault, cfg.Auth.Enabled)
	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopLimiterCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopLimiterCleanup()

	r := chi.NewRouter()

	r.Use(plhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(plhttp.SecurityHeaders)
	if cfg.Telemetry.Enabled {
		r.Use(otel.HTTPMiddleware(serviceName))
	}
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(plhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(limiter.Handler)
	r.Use(auth.Handler)

	r.Get("/health", healthHandler())
	r.Get("/health/ready", readyHandler(pool, queue))

	// WebSocket connections outlive any request deadline, so the timeout
	// middleware is scoped to the plain HTTP surfaces only.
	r.Get("/ws/{sessionID}", hub.HandleWS)

	r.Group(func(api chi.Router) {
		api.Use(chimw.Timeout(30 * time.Second))
		plhttp.MountRoutes(api, handlers)
		a2a.NewHandler(cfg.Server.BaseURL, version, sessions).MountRoutes(api)
	})

	// --- MCP ---
	var mcpServer *mcp.Server
	if cfg.MCP.Enabled {
		mcpServer = mcp.NewServer(mcp.ServerConfig{
			Addr:    ":" + cfg.MCP.Port,
			Name:    serviceName,
			Version: version,
			APIKey:  vault.MCPAPIKey(),
		}, mcp.ServerDeps{Sessions: sessions, Events: sessions})
		if err := mcpServer.Start(); err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
	}

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown; SIGHUP reloads secrets without a restart.
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	for sig := range done {
		if sig == syscall.SIGHUP {
			if rerr := vault.Reload(); rerr != nil {
				slog.Error("secret reload", "error", rerr)
			} else {
				slog.Info("secrets reloaded")
			}
			continue
		}
		break
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var errs error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if mcpServer != nil {
		if err := mcpServer.Stop(shutdownCtx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("mcp shutdown: %w", err))
		}
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("session drain: %w", err))
	}
	if otelShutdown != nil {
		if err := otelShutdown(shutdownCtx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("telemetry flush: %w", err))
		}
	}
	return errs
}

// buildVault loads secrets from the environment, falling back to the config
// file for the API key hash so either source works.
func buildVault(cfg *config.Config) (*secrets.Vault, error) {
	return secrets.NewVault(func() (map[string]string, error) {
		vals, err := secrets.EnvLoader(secrets.KeyAPIKeyHash, secrets.KeyLLMMaster, secrets.KeyMCPAPIKey)()
		if err != nil {
			return nil, err
		}
		if vals[secrets.KeyAPIKeyHash] == "" && cfg.Auth.APIKeyHash != "" {
			vals[secrets.KeyAPIKeyHash] = cfg.Auth.APIKeyHash
		}
		return vals, nil
	})
}

// buildCache assembles the snapshot cache: ristretto in process, extended
// with a NATS KV second tier when the bus is connected.
func buildCache(ctx context.Context, cfg *config.Config, queue *plnats.Queue) (cache.Cache, error) {
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	if queue == nil {
		return l1, nil
	}
	kv, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return nil, fmt.Errorf("l2 bucket %s: %w", cfg.Cache.L2Bucket, err)
	}
	return tiered.New(l1, natskv.New(kv), cfg.Cache.L1Expire), nil
}

func persistenceMode(cfg *config.Config) string {
	if cfg.Postgres.DSN != "" {
		return "postgres"
	}
	return "memory"
}

// healthHandler reports process liveness.
func healthHandler() http.HandlerFunc {
	type healthStatus struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(healthStatus{Status: "ok", Version: version})
	}
}

// readyHandler reports dependency readiness. Connection strings never appear
// in the response; only reachability does.
func readyHandler(pool *pgxpool.Pool, queue *plnats.Queue) http.HandlerFunc {
	type readiness struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		NATS     string `json:"nats"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		st := readiness{Status: "ready", Postgres: "disabled", NATS: "disabled"}

		if pool != nil {
			pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(pingCtx); err != nil {
				st.Postgres = "unreachable"
				st.Status = "degraded"
			} else {
				st.Postgres = "ok"
			}
		}
		if queue != nil {
			if queue.IsConnected() {
				st.NATS = "ok"
			} else {
				st.NATS = "disconnected"
				st.Status = "degraded"
			}
		}

		code := http.StatusOK
		if st.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}
