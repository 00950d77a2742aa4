package behavior

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"relaykit/internal/mediator"
	"relaykit/internal/result"
)

// RetryConfig bounds the retry loop. Delays grow by Factor per attempt from
// MinDelay up to MaxDelay, with full jitter on each sleep.
type RetryConfig struct {
	MaxRetries int
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Factor     float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		MinDelay:   50 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Factor:     2.0,
	}
}

// Retry re-invokes next on retryable failures. Non-retryable results and
// exhausted budgets are returned unchanged apart from an attempt count in
// the metadata; cancellation aborts immediately with Cancelled.
type Retry struct {
	cfg    RetryConfig
	logger *zap.Logger
}

func NewRetry(cfg RetryConfig, logger *zap.Logger) *Retry {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultRetryConfig().MinDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.Factor < 1 {
		cfg.Factor = 1
	}
	return &Retry{cfg: cfg, logger: logger}
}

func (r *Retry) Name() string  { return "retry" }
func (r *Retry) Priority() int { return mediator.PriorityRetry }

func (r *Retry) Handle(ctx context.Context, req any, next mediator.Next) result.Result[any] {
	var last result.Result[any]
	delay := r.cfg.MinDelay

	for attempt := 0; ; attempt++ {
		last = next(ctx)
		if last.OK || !last.Retryable || last.Code == result.CodeCancelled {
			return last
		}
		if attempt >= r.cfg.MaxRetries {
			return last.WithMeta("attempt", strconv.Itoa(attempt+1))
		}

		r.logger.Debug("retrying request",
			zap.Int("attempt", attempt+1),
			zap.String("code", string(last.Code)),
			zap.Duration("delay", delay))

		// Full jitter keeps colliding retriers spread out.
		sleep := time.Duration(rand.Float64() * float64(delay))
		select {
		case <-ctx.Done():
			return result.FailErr[any](result.CodeCancelled, ctx.Err())
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * r.cfg.Factor)
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}
}
