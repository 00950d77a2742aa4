// Package recovery supervises components that know how to heal themselves:
// it polls their health and drives their Recover operation with a bounded,
// optionally exponential, retry schedule.
package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Recoverable is a dependency that reports health and exposes a recover
// operation. The transports, stores, and workers of this module implement it
// where self-healing makes sense.
type Recoverable interface {
	ComponentName() string
	IsHealthy() bool
	Recover(ctx context.Context) error
}

// Config tunes the supervision loop.
type Config struct {
	CheckInterval         time.Duration
	MaxRetries            int
	RetryDelay            time.Duration
	UseExponentialBackoff bool
}

func DefaultConfig() Config {
	return Config{
		CheckInterval: 30 * time.Second,
		MaxRetries:    3,
		RetryDelay:    2 * time.Second,
	}
}

// Supervisor runs the health poll. One poll cycle checks every component;
// unhealthy ones are recovered sequentially within the cycle.
type Supervisor struct {
	cfg        Config
	logger     *zap.Logger
	components []Recoverable

	recovering atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSupervisor(cfg Config, logger *zap.Logger, components ...Recoverable) *Supervisor {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Supervisor{cfg: cfg, logger: logger, components: components}
}

// Start launches the poll loop. Idempotent.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.done = make(chan struct{})

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.run(loopCtx)

	s.logger.Info("recovery supervisor started",
		zap.Duration("check_interval", s.cfg.CheckInterval),
		zap.Int("components", len(s.components)))
	return nil
}

// Stop cancels the loop; an in-flight Recover receives the cancellation.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRecovering is true while any Recover call is in flight.
func (s *Supervisor) IsRecovering() bool { return s.recovering.Load() }

// Components returns the supervised set, for the health surface.
func (s *Supervisor) Components() []Recoverable { return s.components }

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

func (s *Supervisor) checkAll(ctx context.Context) {
	for _, c := range s.components {
		if ctx.Err() != nil {
			return
		}
		if c.IsHealthy() {
			continue
		}
		s.recoverComponent(ctx, c)
	}
}

// recoverComponent retries Recover until the component reports healthy or
// the budget is spent.
func (s *Supervisor) recoverComponent(ctx context.Context, c Recoverable) {
	s.recovering.Store(true)
	defer s.recovering.Store(false)

	delay := s.cfg.RetryDelay
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		s.logger.Warn("component unhealthy, attempting recovery",
			zap.String("component", c.ComponentName()),
			zap.Int("attempt", attempt))

		if err := c.Recover(ctx); err != nil {
			s.logger.Error("recovery attempt failed",
				zap.String("component", c.ComponentName()),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		if c.IsHealthy() {
			s.logger.Info("component recovered",
				zap.String("component", c.ComponentName()),
				zap.Int("attempts", attempt))
			return
		}
		if attempt == s.cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if s.cfg.UseExponentialBackoff {
			delay *= 2
		}
	}

	s.logger.Error("component did not recover within retry budget",
		zap.String("component", c.ComponentName()),
		zap.Int("max_retries", s.cfg.MaxRetries))
}
