package behavior

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"relaykit/internal/result"
	"relaykit/internal/serializer"
	"relaykit/internal/snowflake"
	"relaykit/internal/store"
)

// Outbox is the reliable-publish half of the transactional outbox pattern.
// Handlers hand it an outbound event; it assigns an id, serializes the
// payload, and writes a pending row synchronously in the caller's
// persistence scope, then reports success. The outbox processor publishes
// the row to the transport later.
//
// Atomicity of the row with the handler's own state change is the caller's
// responsibility: pass a store bound to the same transaction.
type Outbox struct {
	ids      *snowflake.Generator
	registry *serializer.Registry
	outbox   store.OutboxStore
	logger   *zap.Logger
}

func NewOutbox(ids *snowflake.Generator, registry *serializer.Registry, outbox store.OutboxStore, logger *zap.Logger) *Outbox {
	return &Outbox{ids: ids, registry: registry, outbox: outbox, logger: logger}
}

// Publish stages ev for asynchronous transport publish. The returned result
// carries the assigned message id in its metadata.
func (o *Outbox) Publish(ctx context.Context, ev any) result.Result[int64] {
	typeName, ok := o.registry.NameOf(ev)
	if !ok {
		return result.Failf[int64](result.CodeSerializationFailed, "type %T not registered for serialization", ev)
	}

	payload, err := o.registry.Marshal(ev)
	if err != nil {
		return result.FailErr[int64](result.CodeSerializationFailed, err)
	}

	id, err := o.ids.NextID()
	if err != nil {
		return classifyIDError(err)
	}

	row := store.OutboxRow{
		ID:        id,
		Type:      typeName,
		Payload:   payload,
		Status:    store.OutboxPending,
		CreatedAt: time.Now(),
	}
	if err := o.outbox.Add(ctx, row); err != nil {
		return result.FailErr[int64](result.CodePersistenceFailed, fmt.Errorf("outbox add: %w", err))
	}

	o.logger.Debug("event staged in outbox",
		zap.Int64("message_id", id),
		zap.String("type", typeName))
	return result.Ok(id)
}

func classifyIDError(err error) result.Result[int64] {
	var genErr *snowflake.Error
	if errors.As(err, &genErr) {
		return result.FailErr[int64](genErr.Code, err).WithMeta("kind", genErr.Kind)
	}
	return result.FailErr[int64](result.CodeInternalError, err)
}
