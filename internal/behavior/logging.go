// Package behavior ships the standard pipeline behaviors: logging,
// validation, retry, circuit breaking, idempotent receive, dead-letter
// routing, and the reliable-publish outbox.
package behavior

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"relaykit/internal/mediator"
	"relaykit/internal/result"
)

// Logging records every dispatch with its outcome and duration. Outermost by
// default so it observes the whole chain.
type Logging struct {
	logger *zap.Logger
}

func NewLogging(logger *zap.Logger) *Logging {
	return &Logging{logger: logger}
}

func (l *Logging) Name() string  { return "logging" }
func (l *Logging) Priority() int { return mediator.PriorityLogging }

func (l *Logging) Handle(ctx context.Context, req any, next mediator.Next) result.Result[any] {
	start := time.Now()
	r := next(ctx)
	elapsed := time.Since(start)

	if r.OK {
		l.logger.Debug("request handled",
			zap.String("request_type", fmt.Sprintf("%T", req)),
			zap.Duration("duration", elapsed))
		return r
	}

	l.logger.Warn("request failed",
		zap.String("request_type", fmt.Sprintf("%T", req)),
		zap.String("code", string(r.Code)),
		zap.String("message", r.Message),
		zap.Bool("retryable", r.Retryable),
		zap.Duration("duration", elapsed))
	return r
}
