// Package host owns process lifecycle: it starts the transport and the
// background services, then drains everything in order on shutdown so no
// accepted message is dropped.
package host

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"relaykit/internal/outbox"
	"relaykit/internal/recovery"
	"relaykit/internal/transport"
)

// Config tunes the host. ShutdownTimeout bounds the drain phase; when it
// expires the host logs a forced shutdown and disposes anyway.
type Config struct {
	ShutdownTimeout       time.Duration
	EnableOutboxProcessor bool
	EnableAutoRecovery    bool
}

func DefaultConfig() Config {
	return Config{
		ShutdownTimeout:       30 * time.Second,
		EnableOutboxProcessor: true,
		EnableAutoRecovery:    true,
	}
}

// Host coordinates transport, outbox processor, and recovery supervisor
// startup and ordered shutdown.
type Host struct {
	cfg       Config
	logger    *zap.Logger
	transport transport.Transport
	processor *outbox.Processor
	sup       *recovery.Supervisor

	mu      sync.Mutex
	started bool
	stopped bool
}

// Option configures the Host.
type Option func(*Host)

// WithOutboxProcessor attaches a processor the host starts and stops.
func WithOutboxProcessor(p *outbox.Processor) Option {
	return func(h *Host) { h.processor = p }
}

// WithRecoverySupervisor attaches a supervisor the host starts and stops.
func WithRecoverySupervisor(s *recovery.Supervisor) Option {
	return func(h *Host) { h.sup = s }
}

func New(cfg Config, tr transport.Transport, logger *zap.Logger, opts ...Option) *Host {
	def := DefaultConfig()
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	h := &Host{cfg: cfg, logger: logger, transport: tr}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Start initializes the transport when it supports async setup, then starts
// the attached background services.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}

	if init, ok := h.transport.(transport.Initializer); ok {
		if err := init.Initialize(ctx); err != nil {
			return err
		}
	}
	h.logger.Info("transport started", zap.String("transport", h.transport.Name()))

	if h.processor != nil && h.cfg.EnableOutboxProcessor {
		if err := h.processor.Start(ctx); err != nil {
			return err
		}
	}
	if h.sup != nil && h.cfg.EnableAutoRecovery {
		if err := h.sup.Start(ctx); err != nil {
			return err
		}
	}

	h.started = true
	return nil
}

// Stop drains in order: stop accepting, wait for in-flight completion bounded
// by ShutdownTimeout, then dispose. Stop never blocks past the timeout.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || !h.started {
		h.stopped = true
		return nil
	}
	h.stopped = true

	start := time.Now()
	deadline, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.ShutdownTimeout)
	defer cancel()

	// Supervisor first so nothing restarts a component mid-drain.
	if h.sup != nil {
		if err := h.sup.Stop(deadline); err != nil {
			h.logger.Warn("recovery supervisor stop timed out", zap.Error(err))
		}
	}

	if stopper, ok := h.transport.(transport.Stopper); ok {
		stopper.StopAcceptingMessages()
	}
	h.logger.Info("transport no longer accepting messages",
		zap.String("transport", h.transport.Name()))

	if completer, ok := h.transport.(transport.Completer); ok {
		if err := completer.WaitForCompletion(deadline); err != nil {
			h.logger.Error("forced shutdown: in-flight messages did not complete",
				zap.String("transport", h.transport.Name()),
				zap.Duration("waited", time.Since(start)),
				zap.Error(err))
		}
	}

	// The processor drains after the transport stops feeding it; it may still
	// finish its current batch depending on its own config.
	if h.processor != nil {
		if err := h.processor.Stop(deadline); err != nil {
			h.logger.Warn("outbox processor stop timed out", zap.Error(err))
		}
	}

	if closer, ok := h.transport.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			h.logger.Error("transport close failed", zap.Error(err))
		}
	}

	h.logger.Info("shutdown complete", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Run starts the host and blocks until ctx is cancelled, then stops it.
// Typical callers pass a signal.NotifyContext context.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return h.Stop(context.WithoutCancel(ctx))
}
