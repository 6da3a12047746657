package bootstrap

import (
	"context"
	"log/slog"
	"strings"
	"time"

	dealservice "meridian/contexts/escrow-core/deal-service"
	"meridian/contexts/escrow-core/deal-service/adapters/memory"
	postgresadapter "meridian/contexts/escrow-core/deal-service/adapters/postgres"
	"meridian/contexts/escrow-core/deal-service/adapters/provider/trustrail"
	"meridian/contexts/escrow-core/deal-service/adapters/redisscheduler"
	workerapp "meridian/contexts/escrow-core/deal-service/application/workers"
	"meridian/contexts/escrow-core/deal-service/ports"
	"meridian/internal/platform/config"
	"meridian/internal/platform/db"
	"meridian/internal/platform/httpserver"
	"meridian/internal/platform/messaging"
	"meridian/internal/platform/metrics"
)

// Package bootstrap is the composition root.
// Keep construction/wiring here so module code stays framework-agnostic.

type APIApp struct {
	server   *httpserver.Server
	postgres *db.Postgres
	logger   *slog.Logger
}

type WorkerApp struct {
	postgres     *db.Postgres
	autoRelease  workerapp.AutoReleaseJob
	outboxRelay  workerapp.OutboxRelay
	pollInterval time.Duration
	logger       *slog.Logger
}

func BuildAPI() (*APIApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "api")
	metrics.Register()

	module, pg, err := buildDealModule(cfg, logger)
	if err != nil {
		return nil, err
	}

	server := httpserver.New(module, cfg.WebhookSecret, logger, normalizeAddr(cfg.HTTPPort))
	return &APIApp{
		server:   server,
		postgres: pg,
		logger:   logger,
	}, nil
}

func BuildWorker() (*WorkerApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "worker")
	metrics.Register()

	module, pg, err := buildDealModule(cfg, logger)
	if err != nil {
		return nil, err
	}

	kafka, err := messaging.NewKafka(nil, logger)
	if err != nil {
		return nil, err
	}

	var outbox ports.OutboxRepository
	var clock ports.Clock
	if pg != nil {
		repo := postgresadapter.NewRepository(pg.DB, logger)
		outbox = repo
		clock = postgresadapter.SystemClock{}
	} else {
		outbox = module.Store
		clock = module.Store
	}

	return &WorkerApp{
		postgres: pg,
		autoRelease: workerapp.AutoReleaseJob{
			Service:   module.Service,
			Scheduler: module.Service.Scheduler,
			Clock:     clock,
			BatchSize: cfg.WorkerBatchSize,
			Disabled:  !cfg.EnableAutoRelease,
			Logger:    logger,
		},
		outboxRelay: workerapp.OutboxRelay{
			Outbox:    outbox,
			Publisher: kafka,
			Clock:     clock,
			BatchSize: cfg.WorkerBatchSize,
			Logger:    logger,
		},
		pollInterval: cfg.WorkerPollInterval,
		logger:       logger,
	}, nil
}

// buildDealModule wires the escrow deal module against real infrastructure
// when configured, falling back to in-memory adapters for local runs.
func buildDealModule(cfg config.Config, logger *slog.Logger) (dealservice.Module, *db.Postgres, error) {
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		logger.Warn("no postgres dsn configured, using in-memory adapters",
			"event", "bootstrap_in_memory_mode",
			"module", "internal/app/bootstrap",
			"layer", "platform",
		)
		return dealservice.NewInMemoryModule(logger), nil, nil
	}

	pg, err := db.Connect(cfg.PostgresDSN)
	if err != nil {
		return dealservice.Module{}, nil, err
	}
	if err := postgresadapter.AutoMigrate(pg.DB); err != nil {
		_ = pg.Close()
		return dealservice.Module{}, nil, err
	}
	repo := postgresadapter.NewRepository(pg.DB, logger)

	var scheduler ports.ReleaseScheduler = repo
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		client, err := redisscheduler.Connect(context.Background(), cfg.RedisAddr)
		if err != nil {
			_ = pg.Close()
			return dealservice.Module{}, nil, err
		}
		scheduler = redisscheduler.NewScheduler(client)
	}

	var provider ports.PaymentProvider
	if strings.TrimSpace(cfg.ProviderBaseURL) != "" {
		provider = trustrail.NewProvider(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)
	} else {
		logger.Warn("no payment provider configured, using in-memory fake",
			"event", "bootstrap_fake_provider",
			"module", "internal/app/bootstrap",
			"layer", "platform",
		)
		provider = memory.NewProvider()
	}
	provider = metrics.InstrumentProvider(provider)

	module := dealservice.NewModule(dealservice.Dependencies{
		Repository:           repo,
		EventLog:             repo,
		Idempotency:          repo,
		EventDedup:           repo,
		Outbox:               repo,
		Scheduler:            scheduler,
		Provider:             provider,
		Clock:                postgresadapter.SystemClock{},
		IDGenerator:          postgresadapter.UUIDGenerator{},
		IdempotencyTTL:       cfg.IdempotencyTTL,
		ProviderTimeout:      cfg.ProviderTimeout,
		AutoReleaseDelayDays: cfg.AutoReleaseDelayDays,
		Logger:               logger,
	})
	return module, pg, nil
}

func (a *APIApp) Run(_ context.Context) error {
	if a.logger != nil {
		a.logger.Info("api app started",
			"event", "bootstrap_api_started",
			"module", "internal/app/bootstrap",
			"layer", "platform",
		)
	}
	return a.server.Start()
}

func (a *APIApp) Close() error {
	if a.postgres != nil {
		return a.postgres.Close()
	}
	return nil
}

func (w *WorkerApp) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info("worker app started",
		"event", "bootstrap_worker_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"poll_interval", w.pollInterval.String(),
	)

	for {
		stats, err := w.autoRelease.RunOnce(ctx)
		if err != nil {
			return err
		}
		recordAutoReleaseStats(stats)
		if err := w.outboxRelay.RunOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *WorkerApp) Close() error {
	if w.postgres != nil {
		return w.postgres.Close()
	}
	return nil
}

func recordAutoReleaseStats(stats workerapp.CycleStats) {
	if stats.Released > 0 {
		metrics.AutoReleaseJobsTotal.WithLabelValues("released").Add(float64(stats.Released))
	}
	if stats.Skipped > 0 {
		metrics.AutoReleaseJobsTotal.WithLabelValues("skipped").Add(float64(stats.Skipped))
	}
	if stats.Retried > 0 {
		metrics.AutoReleaseJobsTotal.WithLabelValues("retried").Add(float64(stats.Retried))
	}
}

func normalizeAddr(port string) string {
	value := strings.TrimSpace(port)
	if value == "" {
		return ":8080"
	}
	if strings.HasPrefix(value, ":") {
		return value
	}
	return ":" + value
}
