package behavior

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"relaykit/internal/mediator"
	"relaykit/internal/result"
	"relaykit/internal/store"
)

// DefaultInboxRetention is how long processed message ids are remembered.
const DefaultInboxRetention = 24 * time.Hour

// Inbox short-circuits requests whose message id was already processed. A
// replayed id returns an already-processed success marker, not the stored
// response. Concurrent duplicates of an id in flight share the first
// execution's result, so the handler runs at most once per id.
//
// Requests without a message id, and mediators without an inbox store, pass
// through untouched.
type Inbox struct {
	store     store.InboxStore
	retention time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[int64]*inflightCall
}

type inflightCall struct {
	done chan struct{}
	r    result.Result[any]
}

func NewInbox(s store.InboxStore, retention time.Duration, logger *zap.Logger) *Inbox {
	if retention <= 0 {
		retention = DefaultInboxRetention
	}
	return &Inbox{
		store:     s,
		retention: retention,
		logger:    logger,
		inflight:  make(map[int64]*inflightCall),
	}
}

func (i *Inbox) Name() string  { return "idempotency" }
func (i *Inbox) Priority() int { return mediator.PriorityIdempotency }

func (i *Inbox) Handle(ctx context.Context, req any, next mediator.Next) result.Result[any] {
	ident, ok := req.(mediator.Identifiable)
	if !ok || i.store == nil {
		return next(ctx)
	}
	id := ident.MessageID()

	seen, err := i.store.Contains(ctx, id)
	if err != nil {
		// Inbox unavailability must not block processing; at-least-once
		// wins over exactly-once here.
		i.logger.Warn("inbox lookup failed, proceeding without idempotency",
			zap.Int64("message_id", id), zap.Error(err))
		return next(ctx)
	}
	if seen {
		return alreadyProcessed(id)
	}

	// Claim or join the in-flight execution for this id.
	i.mu.Lock()
	if call, running := i.inflight[id]; running {
		i.mu.Unlock()
		select {
		case <-call.done:
			return call.r
		case <-ctx.Done():
			return result.FailErr[any](result.CodeCancelled, ctx.Err())
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	i.inflight[id] = call
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		delete(i.inflight, id)
		i.mu.Unlock()
		close(call.done)
	}()

	call.r = next(ctx)
	if call.r.OK {
		if err := i.store.Record(ctx, id, i.retention); err != nil {
			i.logger.Warn("inbox record failed, duplicate delivery possible",
				zap.Int64("message_id", id), zap.Error(err))
		}
	}
	return call.r
}

func alreadyProcessed(id int64) result.Result[any] {
	return result.Ok[any](nil).
		WithMeta("idempotent_replay", "true").
		WithMeta("message_id", strconv.FormatInt(id, 10))
}
