// Command server is the reference host: it wires the mediator, pipeline
// behaviors, stores, and a transport, exposes the ops endpoint, and runs a
// small order domain as a smoke surface.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"relaykit/internal/batch"
	"relaykit/internal/behavior"
	"relaykit/internal/config"
	"relaykit/internal/health"
	"relaykit/internal/host"
	"relaykit/internal/mediator"
	"relaykit/internal/observability"
	"relaykit/internal/serializer"
	"relaykit/internal/snowflake"
	"relaykit/internal/store"
	"relaykit/internal/store/memory"
	"relaykit/internal/store/postgres"
	redisstore "relaykit/internal/store/redis"
	"relaykit/internal/transport"
	"relaykit/internal/transport/inmem"
	natstransport "relaykit/internal/transport/nats"
)

type CreateOrder struct {
	CustomerID string `json:"customer_id"`
	Amount     int64  `json:"amount"`
}

func (c CreateOrder) Validate() error {
	if c.CustomerID == "" {
		return errEmptyCustomer
	}
	return nil
}

type OrderCreated struct {
	OrderID    int64  `json:"order_id"`
	CustomerID string `json:"customer_id"`
}

var errEmptyCustomer = &validationError{"customer_id is required"}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()

	logger.Info("starting server", zap.String("log_level", cfg.LogLevel))

	shutdownOtel, err := observability.SetupOpenTelemetry("relaykit-server", "1.0.0", logger)
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

	// ID generation
	layout, err := cfg.Layout()
	if err != nil {
		logger.Fatal("invalid id layout", zap.Error(err))
	}
	ids, err := snowflakeGenerator(cfg, layout)
	if err != nil {
		logger.Fatal("failed to configure id generator", zap.Error(err))
	}

	// Serialization
	registry := serializer.NewRegistry(serializer.JSON{})
	must(registry.Register("orders.create", CreateOrder{}), logger)
	must(registry.Register("orders.created", OrderCreated{}), logger)

	// Stores
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

	var inboxStore store.InboxStore
	if cfg.RedisURL != "" {
		client, err := redisstore.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer client.Close()
		inbox := redisstore.NewInbox(client)
		inboxStore = inbox
		stores["inbox"] = inbox
	} else {
		mem := memory.NewInbox()
		inboxStore = mem
		stores["inbox"] = mem
	}

	// Transport
	var tr transport.Transport
	if cfg.NATSURL != "" {
		tr = natstransport.New(natstransport.Config{URL: cfg.NATSURL}, logger)
	} else {
		tr = inmem.New(logger)
	}

	// Mediator and pipeline
	opts := []mediator.Option{
		mediator.WithMetrics(metrics),
		mediator.WithDeadLetter(mediator.NewMemoryDeadLetter()),
		mediator.WithBehaviors(
			behavior.NewLogging(logger),
			behavior.NewValidation(),
			behavior.NewRetry(behavior.DefaultRetryConfig(), logger),
			behavior.NewCircuitBreaker(logger),
			behavior.NewInbox(inboxStore, cfg.InboxRetention, logger),
		),
	}
	if cfg.DefaultTimeout > 0 {
		opts = append(opts, mediator.WithDefaultTimeout(cfg.DefaultTimeout))
	}

	var batcher *batch.Batcher
	if cfg.EnableAutoBatching {
		batcher = batch.New(batch.Options{
			Defaults: batch.Profile{
				MaxBatchSize:   cfg.BatchMaxSize,
				BatchTimeout:   cfg.BatchTimeout,
				MaxQueueLength: cfg.BatchMaxQueue,
				FlushDegree:    cfg.BatchFlushDegree,
			},
			ShardIdleTTL: cfg.BatchShardIdleTTL,
			MaxShards:    cfg.BatchMaxShards,
		}, logger, metrics)
		defer batcher.Close()
		opts = append(opts, mediator.WithBatcher(batcher))
	}

	m := mediator.New(logger, opts...)
	publisher := behavior.NewOutbox(ids, registry, outboxStore, logger)

	mediator.RegisterHandler(m, func(ctx context.Context, req CreateOrder) (int64, error) {
		orderID, err := ids.NextID()
		if err != nil {
			return 0, err
		}
		if r := publisher.Publish(ctx, OrderCreated{OrderID: orderID, CustomerID: req.CustomerID}); !r.OK {
			return 0, r.Err()
		}
		return orderID, nil
	})
	mediator.RegisterEventHandler(m, func(ctx context.Context, ev OrderCreated) error {
		logger.Info("order created",
			zap.Int64("order_id", ev.OrderID),
			zap.String("customer_id", ev.CustomerID))
		return nil
	})

	// Lifecycle
	h := host.New(host.Config{
		ShutdownTimeout:       cfg.ShutdownTimeout,
		EnableOutboxProcessor: false,
	}, tr, logger)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := h.Start(runCtx); err != nil {
		logger.Fatal("failed to start host", zap.Error(err))
	}

	// Ops endpoint
	app := health.NewServer(logger,
		health.TransportChecker{Transport: tr},
		health.PersistenceChecker{Stores: stores},
	)
	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error("ops endpoint stopped", zap.Error(err))
		}
	}()
	logger.Info("server started", zap.String("port", cfg.Port))

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
	logger.Info("server stopped")
}

func snowflakeGenerator(cfg *config.Config, layout snowflake.Layout) (*snowflake.Generator, error) {
	workerID, err := cfg.ResolveWorkerID(layout)
	if err != nil {
		return nil, err
	}
	return snowflake.Configure(layout, workerID)
}

func must(err error, logger *zap.Logger) {
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}
