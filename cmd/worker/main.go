// Command worker drains the outbox: it scans for pending rows, publishes
// them to the transport, and keeps itself alive through the recovery
// supervisor. The ops endpoint reports transport, store, and recovery state.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"relaykit/internal/config"
	"relaykit/internal/health"
	"relaykit/internal/host"
	"relaykit/internal/observability"
	"relaykit/internal/outbox"
	"relaykit/internal/recovery"
	"relaykit/internal/store"
	"relaykit/internal/store/memory"
	"relaykit/internal/store/postgres"
	"relaykit/internal/transport"
	"relaykit/internal/transport/inmem"
	natstransport "relaykit/internal/transport/nats"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()

	logger.Info("starting outbox worker", zap.String("log_level", cfg.LogLevel))

	shutdownOtel, err := observability.SetupOpenTelemetry("relaykit-worker", "1.0.0", logger)
	if err != nil {
		logger.Fatal("failed to set up telemetry", zap.Error(err))
	}
	defer shutdownOtel()

	metrics := observability.Nop()
	if cfg.MetricsEnabled {
		metrics, err = observability.NewMetrics()
		if err != nil {
			logger.Fatal("failed to create metrics", zap.Error(err))
		}
	}

	ctx := context.Background()
	stores := map[string]store.HealthReporter{}

	var outboxStore store.OutboxStore
	if cfg.PostgresURL != "" {
		db, err := postgres.NewDB(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer db.Close()
		if err := db.RunMigrations("migrations"); err != nil {
			logger.Warn("failed to run migrations", zap.Error(err))
		}
		pg := postgres.NewOutbox(db)
		outboxStore = pg
		stores["outbox"] = pg
	} else {
		mem := memory.NewOutbox()
		outboxStore = mem
		stores["outbox"] = mem
	}

	var tr transport.Transport
	if cfg.NATSURL != "" {
		tr = natstransport.New(natstransport.Config{URL: cfg.NATSURL}, logger)
	} else {
		tr = inmem.New(logger)
	}

	processor := outbox.NewProcessor(outbox.Config{
		ScanInterval:                   cfg.OutboxScanInterval,
		BatchSize:                      cfg.OutboxBatchSize,
		ErrorDelay:                     cfg.OutboxErrorDelay,
		CompleteCurrentBatchOnShutdown: cfg.OutboxCompleteBatchOnShutdown,
	}, outboxStore, tr, logger, metrics)

	supervisor := recovery.NewSupervisor(recovery.Config{
		CheckInterval:         cfg.RecoveryCheckInterval,
		MaxRetries:            cfg.RecoveryMaxRetries,
		RetryDelay:            cfg.RecoveryRetryDelay,
		UseExponentialBackoff: cfg.RecoveryExponential,
	}, logger, processor)

	h := host.New(host.Config{
		ShutdownTimeout:       cfg.ShutdownTimeout,
		EnableOutboxProcessor: cfg.EnableOutboxProcessor,
		EnableAutoRecovery:    cfg.EnableAutoRecovery,
	}, tr, logger,
		host.WithOutboxProcessor(processor),
		host.WithRecoverySupervisor(supervisor))

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := h.Start(runCtx); err != nil {
		logger.Fatal("failed to start host", zap.Error(err))
	}

	app := health.NewServer(logger,
		health.TransportChecker{Transport: tr},
		health.PersistenceChecker{Stores: stores},
		health.RecoveryChecker{Supervisor: supervisor},
	)
	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error("ops endpoint stopped", zap.Error(err))
		}
	}()
	logger.Info("worker started", zap.String("port", cfg.Port))

	<-runCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shut down ops endpoint", zap.Error(err))
	}
	if err := h.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop host", zap.Error(err))
	}
	logger.Info("worker stopped")
}
