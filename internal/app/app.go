// Package app wires the escrow service from configuration. Both the HTTP
// server and the operator CLI build their object graph here.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redislib "github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	apiHandler "github.com/fastygo/escrow/api/handler"
	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/internal/config"
	"github.com/fastygo/escrow/internal/infrastructure/ledger"
	"github.com/fastygo/escrow/internal/infrastructure/monitor"
	"github.com/fastygo/escrow/internal/infrastructure/outbox"
	pgInfra "github.com/fastygo/escrow/internal/infrastructure/postgres"
	redisInfra "github.com/fastygo/escrow/internal/infrastructure/redis"
	"github.com/fastygo/escrow/internal/middleware"
	"github.com/fastygo/escrow/internal/observability"
	"github.com/fastygo/escrow/internal/router"
	"github.com/fastygo/escrow/internal/services"
	"github.com/fastygo/escrow/internal/services/lifecycle"
	"github.com/fastygo/escrow/pkg/httpcontext"
	"github.com/fastygo/escrow/repository"
	"github.com/fastygo/escrow/repository/memory"
	"github.com/fastygo/escrow/repository/postgres"
	redisRepo "github.com/fastygo/escrow/repository/redis"
	"github.com/fastygo/escrow/usecase"
	disputeUC "github.com/fastygo/escrow/usecase/dispute"
	escrowUC "github.com/fastygo/escrow/usecase/escrow"
)

const monitorInterval = 10 * time.Second

// App holds the assembled service. Close hooks are registered on the
// lifecycle manager passed to Build.
type App struct {
	Config     *config.Config
	Dispatcher *usecase.Dispatcher
	Escrows    *escrowUC.UseCase
	Disputes   *disputeUC.UseCase
	Reconciler *services.Reconciler
	Monitor    *monitor.Monitor
	Metrics    *observability.Metrics
	Outbox     *outbox.Store

	gatherer     prometheus.Gatherer
	cacheEnabled bool
	logger       *zap.Logger
}

// Options override parts of the graph, mostly for tests.
type Options struct {
	// Ledger replaces the configured ledger driver.
	Ledger usecase.Ledger
	// Registry receives the collectors and backs /metrics. Nil uses the
	// process-wide default registry.
	Registry *prometheus.Registry
}

// Build connects the configured stores and assembles the use cases.
func Build(ctx context.Context, cfg *config.Config, manager *lifecycle.Manager, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	escrows, disputes, pinger, err := openRepositories(ctx, cfg, manager, logger)
	if err != nil {
		return nil, err
	}

	cache, redisClient, err := openCache(ctx, cfg, manager, logger)
	if err != nil {
		return nil, err
	}

	ledgerClient := opts.Ledger
	if ledgerClient == nil {
		ledgerClient, err = openLedger(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	store, err := outbox.Open(cfg.Outbox.Path)
	if err != nil {
		return nil, err
	}
	manager.Register("outbox", func(ctx context.Context) error {
		return store.Close()
	})

	metrics := observability.Default()
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if opts.Registry != nil {
		metrics = observability.NewMetrics(opts.Registry)
		gatherer = opts.Registry
	}

	mon := monitor.New(pinger, redisClient, store, monitorInterval, logger)

	disputeUseCase := disputeUC.New(disputes, escrows, logger)
	engine := escrowUC.New(escrowUC.Deps{
		Escrows:  escrows,
		Cache:    cache,
		Ledger:   ledgerClient,
		Outbox:   services.NewOutboxBridge(store),
		Disputes: disputeUseCase,
		Metrics:  metrics,
	}, escrowUC.Options{
		AddressFormat:  domain.ParseAddressFormat(cfg.Escrow.AddressFormat),
		PollAttempts:   cfg.Ledger.PollAttempts,
		PollInterval:   cfg.Ledger.PollInterval,
		CacheTTL:       cfg.Escrow.CacheTTL,
		CommandTimeout: cfg.Escrow.CommandTimeout,
	}, logger)

	dispatcher := usecase.NewDispatcher()
	engine.Register(dispatcher)

	reconciler := services.NewReconciler(store, mon, escrows, cache, ledgerClient, disputeUseCase, metrics, logger, services.ReconcilerConfig{
		Interval:      cfg.Outbox.SyncInterval,
		BatchSize:     cfg.Outbox.BatchSize,
		MaxRetries:    cfg.Outbox.MaxRetries,
		MinAge:        cfg.Escrow.CommandTimeout,
		DeadRetention: time.Duration(cfg.Outbox.RetentionHours) * time.Hour,
	})

	return &App{
		Config:       cfg,
		Dispatcher:   dispatcher,
		Escrows:      engine,
		Disputes:     disputeUseCase,
		Reconciler:   reconciler,
		Monitor:      mon,
		Metrics:      metrics,
		Outbox:       store,
		gatherer:     gatherer,
		cacheEnabled: redisClient != nil,
		logger:       logger,
	}, nil
}

// Start launches the background workers and registers their shutdown.
func (a *App) Start(manager *lifecycle.Manager) {
	a.Monitor.Start()
	manager.Register("monitor", func(ctx context.Context) error {
		a.Monitor.Stop()
		return nil
	})

	a.Reconciler.Start()
	manager.Register("reconciler", func(ctx context.Context) error {
		a.Reconciler.Stop(ctx)
		return nil
	})
}

// Handler returns the HTTP entry point.
func (a *App) Handler() fasthttp.RequestHandler {
	adapter := httpcontext.NewAdapter(a.Config.Context.RequestTimeout)
	handlers := router.Handlers{
		Escrow:  apiHandler.NewEscrowHandler(a.Dispatcher, adapter, a.logger),
		Dispute: apiHandler.NewDisputeHandler(a.Disputes, adapter, a.logger),
		Split:   apiHandler.NewSplitHandler(adapter, a.logger),
		Health:  apiHandler.NewHealthHandler(a.Monitor, a.cacheEnabled, adapter, a.logger),
	}

	opts := router.Options{}
	if a.Config.HTTP.EnableMetrics {
		opts.Metrics = a.Metrics
		opts.Gatherer = a.gatherer
	}
	r := router.New(handlers, middleware.JWTAuth(a.Config.JWT.Secret, a.Config.JWT.Issuer, a.logger), opts)
	return r.Handler
}

func openRepositories(ctx context.Context, cfg *config.Config, manager *lifecycle.Manager, logger *zap.Logger) (repository.EscrowRepository, repository.DisputeRepository, monitor.Pinger, error) {
	if cfg.Repository.Driver == config.RepositoryDriverMemory {
		logger.Warn("using in-memory repositories; state is lost on restart")
		return memory.NewEscrowRepository(), memory.NewDisputeRepository(), nil, nil
	}

	if cfg.Migrations.Enabled {
		if err := pgInfra.RunMigrations(cfg.Database, cfg.Migrations, logger); err != nil {
			return nil, nil, nil, fmt.Errorf("migrations: %w", err)
		}
	}
	pool, err := pgInfra.NewPool(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	manager.Register("postgres", func(ctx context.Context) error {
		pgInfra.Close(pool, logger)
		return nil
	})
	return postgres.NewEscrowRepository(pool), postgres.NewDisputeRepository(pool), pool, nil
}

func openCache(ctx context.Context, cfg *config.Config, manager *lifecycle.Manager, logger *zap.Logger) (repository.EscrowCache, *redislib.Client, error) {
	if !cfg.Redis.Enabled {
		return memory.NewEscrowCache(cfg.Escrow.CacheTTL), nil, nil
	}
	client, err := redisInfra.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	manager.Register("redis", func(ctx context.Context) error {
		return client.Close()
	})
	logger.Info("escrow cache backed by redis")
	return redisRepo.NewEscrowCache(client, cfg.Escrow.CacheTTL), client, nil
}

func openLedger(cfg *config.Config, logger *zap.Logger) (usecase.Ledger, error) {
	if cfg.Ledger.Driver == config.LedgerDriverSimulated {
		logger.Warn("using simulated ledger")
		return ledger.NewSimulator(0, logger), nil
	}
	client, err := ledger.NewClient(cfg.Ledger, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}
