// Package config loads the runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"relaykit/internal/snowflake"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`

	// Backends. Empty URLs select the in-memory implementations.
	PostgresURL string `envconfig:"POSTGRES_URL"`
	RedisURL    string `envconfig:"REDIS_URL"`
	NATSURL     string `envconfig:"NATS_URL"`

	// Mediator
	DefaultTimeout     time.Duration `envconfig:"MEDIATOR_DEFAULT_TIMEOUT" default:"0s"`
	EnableAutoBatching bool          `envconfig:"MEDIATOR_ENABLE_AUTO_BATCHING" default:"false"`

	// Auto-batcher
	BatchMaxSize      int           `envconfig:"BATCH_MAX_SIZE" default:"64"`
	BatchTimeout      time.Duration `envconfig:"BATCH_TIMEOUT" default:"100ms"`
	BatchMaxQueue     int           `envconfig:"BATCH_MAX_QUEUE_LENGTH" default:"1024"`
	BatchShardIdleTTL time.Duration `envconfig:"BATCH_SHARD_IDLE_TTL" default:"5m"`
	BatchMaxShards    int           `envconfig:"BATCH_MAX_SHARDS" default:"10000"`
	BatchFlushDegree  int           `envconfig:"BATCH_FLUSH_DEGREE" default:"0"`

	// Inbox
	InboxRetention  time.Duration `envconfig:"INBOX_RETENTION" default:"24h"`
	InboxShardCount int           `envconfig:"INBOX_SHARD_COUNT" default:"16"`

	// Outbox processor
	OutboxScanInterval            time.Duration `envconfig:"OUTBOX_SCAN_INTERVAL" default:"1s"`
	OutboxBatchSize               int           `envconfig:"OUTBOX_BATCH_SIZE" default:"100"`
	OutboxErrorDelay              time.Duration `envconfig:"OUTBOX_ERROR_DELAY" default:"5s"`
	OutboxCompleteBatchOnShutdown bool          `envconfig:"OUTBOX_COMPLETE_BATCH_ON_SHUTDOWN" default:"true"`

	// Recovery supervisor
	RecoveryCheckInterval time.Duration `envconfig:"RECOVERY_CHECK_INTERVAL" default:"30s"`
	RecoveryMaxRetries    int           `envconfig:"RECOVERY_MAX_RETRIES" default:"3"`
	RecoveryRetryDelay    time.Duration `envconfig:"RECOVERY_RETRY_DELAY" default:"2s"`
	RecoveryExponential   bool          `envconfig:"RECOVERY_USE_EXPONENTIAL_BACKOFF" default:"false"`
	EnableAutoRecovery    bool          `envconfig:"ENABLE_AUTO_RECOVERY" default:"true"`

	// Lifecycle
	ShutdownTimeout        time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	EnableTransportHosting bool          `envconfig:"ENABLE_TRANSPORT_HOSTING" default:"true"`
	EnableOutboxProcessor  bool          `envconfig:"ENABLE_OUTBOX_PROCESSOR" default:"true"`

	// ID generation. WorkerID of -1 means auto-detect from the environment.
	WorkerID           int64  `envconfig:"ID_WORKER_ID" default:"-1"`
	AutoDetectWorkerID bool   `envconfig:"ID_AUTO_DETECT_WORKER" default:"true"`
	CustomEpochMillis  int64  `envconfig:"ID_CUSTOM_EPOCH_MILLIS" default:"0"`
	IDLayout           string `envconfig:"ID_LAYOUT" default:"default"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Layout resolves the configured bit layout, applying the custom epoch when
// one is set.
func (c *Config) Layout() (snowflake.Layout, error) {
	var layout snowflake.Layout
	switch c.IDLayout {
	case "", "default":
		layout = snowflake.LayoutDefault
	case "high-throughput":
		layout = snowflake.LayoutHighThroughput
	case "long-lifespan":
		layout = snowflake.LayoutLongLifespan
	case "many-workers":
		layout = snowflake.LayoutManyWorkers
	case "single-node":
		layout = snowflake.LayoutSingleNode
	default:
		return snowflake.Layout{}, fmt.Errorf("config: unknown id layout %q", c.IDLayout)
	}
	if c.CustomEpochMillis > 0 {
		layout.EpochMillis = c.CustomEpochMillis
	}
	return layout, layout.Validate()
}

// ResolveWorkerID applies the precedence: explicit WorkerID, then environment
// detection when enabled, then zero. An explicit id outside the layout's
// worker space is a fatal configuration error; masking it would let two
// distinctly configured hosts share worker bits.
func (c *Config) ResolveWorkerID(layout snowflake.Layout) (int64, error) {
	if c.WorkerID >= 0 {
		if c.WorkerID > layout.MaxWorkerID() {
			return 0, fmt.Errorf("config: worker id %d out of range, layout allows 0..%d",
				c.WorkerID, layout.MaxWorkerID())
		}
		return c.WorkerID, nil
	}
	if c.AutoDetectWorkerID {
		return snowflake.DetectWorkerID(layout, 0), nil
	}
	return 0, nil
}
