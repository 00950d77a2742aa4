// Package store defines the persistence interfaces the core consumes. The
// core calls these concurrently and expects implementations to be safe;
// concrete backends live in the memory, redis, and postgres subpackages.
package store

import (
	"context"
	"iter"
	"time"
)

// OutboxStatus is the lifecycle state of an outbox row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxRow is one durable outbound message awaiting publish.
type OutboxRow struct {
	ID           int64
	Type         string
	Payload      []byte
	Status       OutboxStatus
	CreatedAt    time.Time
	LastError    string
	AttemptCount int
}

// OutboxStore is a durable pending-message queue. Add must happen in the
// caller's persistence scope so the row and the local state change commit
// together; publishing is asynchronous.
type OutboxStore interface {
	Add(ctx context.Context, row OutboxRow) error
	GetPending(ctx context.Context, maxCount int) ([]OutboxRow, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause error) error
	DeletePublished(ctx context.Context, retention time.Duration) error
}

// InboxStore is a processed-message-id set with per-entry TTL. Presence of an
// id means the message was already handled and must be short-circuited.
type InboxStore interface {
	Contains(ctx context.Context, messageID int64) (bool, error)
	Record(ctx context.Context, messageID int64, ttl time.Duration) error
}

// StoredEvent is one entry in an event stream.
type StoredEvent struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventStore is an append-only log partitioned by stream id. Read yields
// events lazily in append order.
type EventStore interface {
	Append(ctx context.Context, streamID string, events []StoredEvent) error
	Read(ctx context.Context, streamID string) iter.Seq2[StoredEvent, error]
}

// HealthReporter is implemented by backends that can introspect their
// connection state.
type HealthReporter interface {
	HealthCheck(ctx context.Context) error
}
