package behavior

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"relaykit/internal/mediator"
	"relaykit/internal/result"
)

// DeadLetter routes terminally failed requests to the configured sink. It
// sits outside the retry behavior, so the failure it observes is final:
// either non-retryable or already past the retry budget. The failure is
// still returned to the caller unchanged.
type DeadLetter struct {
	sink   mediator.DeadLetter
	logger *zap.Logger
}

func NewDeadLetter(sink mediator.DeadLetter, logger *zap.Logger) *DeadLetter {
	return &DeadLetter{sink: sink, logger: logger}
}

func (d *DeadLetter) Name() string { return "dead_letter" }

// Priority places dead-lettering between logging and validation so every
// terminal failure below it is captured.
func (d *DeadLetter) Priority() int { return mediator.PriorityLogging - 50 }

func (d *DeadLetter) Handle(ctx context.Context, req any, next mediator.Next) result.Result[any] {
	r := next(ctx)
	if r.OK || d.sink == nil {
		return r
	}
	// Cancellation is the caller's doing, not a message failure.
	if r.Code == result.CodeCancelled {
		return r
	}

	entry := mediator.NewDeadLetterEntry(fmt.Sprintf("%T", req), req, r)
	if err := d.sink.Enqueue(ctx, entry); err != nil {
		d.logger.Error("dead-letter enqueue failed",
			zap.String("request_type", entry.MessageType),
			zap.Error(err))
	}
	return r
}
