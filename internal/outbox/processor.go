// Package outbox hosts the background worker that drains pending outbox rows
// into the transport.
package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"relaykit/internal/observability"
	"relaykit/internal/store"
	"relaykit/internal/transport"
)

// Config tunes the processor loop.
type Config struct {
	ScanInterval time.Duration
	BatchSize    int
	ErrorDelay   time.Duration
	// CompleteCurrentBatchOnShutdown lets the in-flight batch finish before
	// Stop returns. When false, unfinished rows stay Pending and are picked
	// up on the next start.
	CompleteCurrentBatchOnShutdown bool
}

func DefaultConfig() Config {
	return Config{
		ScanInterval:                   time.Second,
		BatchSize:                      100,
		ErrorDelay:                     5 * time.Second,
		CompleteCurrentBatchOnShutdown: true,
	}
}

// Processor scans the outbox and publishes each pending row. One batch is in
// flight at a time; store-level failures pause the loop for ErrorDelay.
type Processor struct {
	cfg       Config
	outbox    store.OutboxStore
	transport transport.Transport
	logger    *zap.Logger
	metrics   *observability.Metrics

	processed atomic.Int64
	failed    atomic.Int64

	cancel  context.CancelFunc
	done    chan struct{}
	startMu sync.Mutex
	running bool
}

func NewProcessor(cfg Config, outbox store.OutboxStore, tr transport.Transport, logger *zap.Logger, metrics *observability.Metrics) *Processor {
	def := DefaultConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = def.ErrorDelay
	}
	return &Processor{
		cfg:       cfg,
		outbox:    outbox,
		transport: tr,
		logger:    logger,
		metrics:   metrics,
		done:      make(chan struct{}),
	}
}

// ComponentName identifies the processor to the recovery supervisor.
func (p *Processor) ComponentName() string { return "outbox_processor" }

// Start launches the scan loop. Idempotent.
func (p *Processor) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.done = make(chan struct{})

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	go p.run(loopCtx)

	p.logger.Info("outbox processor started",
		zap.Duration("scan_interval", p.cfg.ScanInterval),
		zap.Int("batch_size", p.cfg.BatchSize))
	return nil
}

// Stop halts scanning. With CompleteCurrentBatchOnShutdown the in-flight
// batch drains first, bounded by ctx.
func (p *Processor) Stop(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false
	p.cancel()

	select {
	case <-p.done:
		p.logger.Info("outbox processor stopped",
			zap.Int64("processed", p.processed.Load()),
			zap.Int64("failed", p.failed.Load()))
		return nil
	case <-ctx.Done():
		p.logger.Warn("outbox processor stop timed out with batch in flight")
		return ctx.Err()
	}
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.scanOnce(ctx); err != nil {
				p.logger.Error("outbox scan failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.cfg.ErrorDelay):
				}
			}
		}
	}
}

// scanOnce fetches one batch and publishes it in store order.
func (p *Processor) scanOnce(ctx context.Context) error {
	rows, err := p.outbox.GetPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	// Once the batch is picked up it runs on a context that survives
	// shutdown when configured to; markers must not be lost mid-batch.
	batchCtx := ctx
	if p.cfg.CompleteCurrentBatchOnShutdown {
		batchCtx = context.WithoutCancel(ctx)
	}

	for _, row := range rows {
		if !p.cfg.CompleteCurrentBatchOnShutdown && ctx.Err() != nil {
			return nil
		}
		p.publishRow(batchCtx, row)
	}
	return nil
}

func (p *Processor) publishRow(ctx context.Context, row store.OutboxRow) {
	env := transport.Envelope{
		ID:     row.ID,
		Type:   row.Type,
		Body:   row.Payload,
		SentAt: time.Now(),
	}

	if err := p.transport.Publish(ctx, env); err != nil {
		p.failed.Add(1)
		p.metrics.OutboxFailed.Add(ctx, 1)
		p.logger.Warn("outbox publish failed",
			zap.Int64("message_id", row.ID),
			zap.String("type", row.Type),
			zap.Int("attempt", row.AttemptCount+1),
			zap.Error(err))
		if markErr := p.outbox.MarkFailed(ctx, row.ID, err); markErr != nil {
			p.logger.Error("outbox mark-failed failed", zap.Int64("message_id", row.ID), zap.Error(markErr))
		}
		return
	}

	p.processed.Add(1)
	p.metrics.OutboxProcessed.Add(ctx, 1)
	if err := p.outbox.MarkPublished(ctx, row.ID); err != nil {
		p.logger.Error("outbox mark-published failed", zap.Int64("message_id", row.ID), zap.Error(err))
	}
}

// Stats exposes the failure accounting.
type Stats struct {
	Processed int64
	Failed    int64
	ErrorRate float64
}

func (p *Processor) Stats() Stats {
	processed := p.processed.Load()
	failed := p.failed.Load()
	total := processed + failed
	s := Stats{Processed: processed, Failed: failed}
	if total > 0 {
		s.ErrorRate = float64(failed) / float64(total)
	}
	return s
}

// IsHealthy reports whether the loop is alive. Used by the health surface
// and the recovery supervisor.
func (p *Processor) IsHealthy() bool {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	return p.running
}

// Recover restarts a stopped loop.
func (p *Processor) Recover(ctx context.Context) error {
	return p.Start(ctx)
}
