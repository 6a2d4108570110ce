// Package control wires configuration into a running query service.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/queryflow/internal/cache"
	"github.com/vietddude/queryflow/internal/core/clock"
	"github.com/vietddude/queryflow/internal/core/config"
	"github.com/vietddude/queryflow/internal/core/domain"
	"github.com/vietddude/queryflow/internal/core/failure"
	"github.com/vietddude/queryflow/internal/core/retry"
	"github.com/vietddude/queryflow/internal/core/worker"
	"github.com/vietddude/queryflow/internal/health"
	"github.com/vietddude/queryflow/internal/infra/queryservice"
	redisclient "github.com/vietddude/queryflow/internal/infra/redis"
	"github.com/vietddude/queryflow/internal/infra/storage"
	"github.com/vietddude/queryflow/internal/infra/storage/memory"
	"github.com/vietddude/queryflow/internal/infra/storage/postgres"
	"github.com/vietddude/queryflow/internal/metrics"
	"github.com/vietddude/queryflow/internal/orchestrator"
	"github.com/vietddude/queryflow/internal/progress"
)

const shutdownTimeout = 10 * time.Second

// App owns one instance of every service and runs the servers.
type App struct {
	cfg         *config.AppConfig
	clock       clock.Clock
	client      *queryservice.Client
	orch        *orchestrator.Orchestrator
	history     storage.HistoryRepository
	sweeper     *worker.Sweeper
	monitor     *health.Monitor
	httpServer  *health.Server
	grpcServer  *grpc.Server
	grpcHealth  *grpchealth.Server
	db          *postgres.DB
	redisClient *redisclient.Client
	log         *slog.Logger
}

// Option configures an App.
type Option func(*App)

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(a *App) { a.clock = clk }
}

// New builds the application from cfg. Redis and PostgreSQL are optional;
// an unreachable Redis disables the shared cache tier, an unreachable
// database is an error.
func New(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		clock: clock.New(),
		log:   slog.Default().With("component", "app"),
	}
	for _, opt := range opts {
		opt(a)
	}

	// 1. Classification and retries
	classifierOpts := []failure.Option{failure.WithClock(a.clock)}
	if cfg.Errors.FallbackMessage != "" {
		classifierOpts = append(classifierOpts, failure.WithFallbackMessage(cfg.Errors.FallbackMessage))
	}
	classifier := failure.NewClassifier(classifierOpts...)

	executor := retry.NewExecutor(retry.Config{
		MaxRetries:        cfg.Retry.MaxRetries,
		BaseDelay:         cfg.Retry.RetryDelay,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		Timeout:           cfg.Retry.Timeout,
	}, classifier, a.clock)

	// 2. Progress
	var tracerOpts []progress.TracerOption
	if cfg.Progress.Seed != 0 {
		tracerOpts = append(tracerOpts, progress.WithSeed(cfg.Progress.Seed))
	}
	tracer := progress.NewTracer(progress.NewBus(a.clock), a.clock, tracerOpts...)

	// 3. Cache and metrics
	resultCache := cache.New[domain.QueryResponse](a.clock, cfg.Cache.TTL, cfg.Cache.MaxEntries)
	recorder := metrics.NewRecorder(metrics.RecorderConfig{
		HistorySize:     cfg.Metrics.HistorySize,
		ResponseWindow:  cfg.Metrics.ResponseWindow,
		RefreshInterval: cfg.Metrics.RefreshInterval,
	}, a.clock, resultCache)

	// 4. Remote service
	a.client = queryservice.NewClient(queryservice.Config{
		URL:               cfg.QueryService.URL,
		Timeout:           cfg.QueryService.Timeout,
		RequestsPerSecond: cfg.QueryService.RequestsPerSecond,
		Burst:             cfg.QueryService.Burst,
	})

	monitorOpts := []health.MonitorOption{
		health.WithProbe("query_service", a.client.Health, true),
	}

	// 5. Shared cache tier
	var shared orchestrator.SharedCache
	if cfg.Redis.Enabled() {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			a.log.Warn("Failed to connect to Redis, shared cache disabled", "error", err)
		} else {
			a.redisClient = client
			store := redisclient.NewResultStore(client, cfg.Redis.TTL)
			shared = store
			monitorOpts = append(monitorOpts, health.WithProbe("shared_cache", store.Ping, false))
			a.log.Info("Using Redis shared cache")
		}
	}

	// 6. History
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			a.closeClients()
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := postgres.Migrate(db); err != nil {
			_ = db.Close()
			a.closeClients()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		a.db = db
		a.history = postgres.NewHistoryRepo(db)
		monitorOpts = append(monitorOpts, health.WithProbe("database", db.Health, false))
		a.log.Info("Using PostgreSQL history storage")
	} else {
		a.history = memory.NewHistoryStore()
		a.log.Info("Using memory history storage")
	}

	// 7. Orchestrator
	a.orch = orchestrator.New(orchestrator.Deps{
		Client:     a.client,
		Executor:   executor,
		Tracer:     tracer,
		Cache:      resultCache,
		Shared:     shared,
		Recorder:   recorder,
		History:    a.history,
		Classifier: classifier,
		Clock:      a.clock,
	})

	// 8. Background sweeping
	a.sweeper = worker.NewSweeper(worker.SweeperConfig{
		Interval:         cfg.Cache.SweepInterval,
		RetryStateMaxAge: cfg.Cache.RetryStateMaxAge,
		HistoryRetention: cfg.Database.Retention,
	}, a.clock, resultCache, executor, a.history, recorder)

	// 9. Servers
	monitorOpts = append(monitorOpts, health.WithStateFunc(func() string { return string(a.orch.State()) }))
	a.monitor = health.NewMonitor(recorder, a.clock, monitorOpts...)
	a.httpServer = health.NewServer(health.Deps{
		Orchestrator: a.orch,
		Monitor:      a.monitor,
		History:      a.history,
		Personas:     a.client,
	}, cfg.Server.Port)

	if cfg.Server.GRPCPort != 0 {
		a.grpcServer = grpc.NewServer()
		a.grpcHealth = grpchealth.NewServer()
		grpc_health_v1.RegisterHealthServer(a.grpcServer, a.grpcHealth)
		a.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	}

	return a, nil
}

// Orchestrator returns the query orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// History returns the history repository.
func (a *App) History() storage.HistoryRepository {
	return a.history
}

// Server returns the HTTP server.
func (a *App) Server() *health.Server {
	return a.httpServer
}

// Sweeper returns the background sweeper.
func (a *App) Sweeper() *worker.Sweeper {
	return a.sweeper
}

// Run serves until ctx is done or a server fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("HTTP server listening", "port", a.cfg.Server.Port)
		if err := a.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if a.grpcServer != nil {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error {
			a.log.Info("gRPC health server listening", "port", a.cfg.Server.GRPCPort)
			if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		a.sweeper.Start(gctx)
		return nil
	})

	if a.db != nil {
		a.db.StartMetricsCollector(gctx)
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *App) shutdown() error {
	a.log.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.grpcServer != nil {
		a.grpcHealth.Shutdown()
		a.grpcServer.GracefulStop()
	}
	return a.httpServer.Stop(ctx)
}

// Close releases database and Redis connections.
func (a *App) Close() error {
	var errs []error
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}
	if err := a.closeClients(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeClients() error {
	if a.redisClient == nil {
		return nil
	}
	if err := a.redisClient.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
