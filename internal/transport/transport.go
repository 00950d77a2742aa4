// Package transport defines the wire interface the core consumes. Concrete
// adapters live in the inmem and nats subpackages; anything else that speaks
// Envelope can be plugged in.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrStopped is returned by Publish and Send after StopAcceptingMessages.
// The mediator maps it to a TransportFailed result.
var ErrStopped = errors.New("transport: no longer accepting messages")

// Envelope is the unit a transport moves: an already-serialized payload plus
// the routing metadata the far side needs to rehydrate it.
type Envelope struct {
	ID            int64
	Type          string
	Body          []byte
	CorrelationID string
	SentAt        time.Time
}

// Handler consumes one delivered envelope.
type Handler func(ctx context.Context, env Envelope) error

// Transport is the minimum contract. Publish is fan-out by message type;
// Send targets one destination.
type Transport interface {
	Name() string
	Publish(ctx context.Context, env Envelope) error
	Send(ctx context.Context, dest string, env Envelope) error
	Subscribe(msgType string, h Handler) error
}

// Optional capabilities, discovered by type assertion the way the lifecycle
// host probes them.

// Initializer is implemented by transports that need async setup at start.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Stopper is implemented by transports that can refuse new messages while
// letting in-flight work drain.
type Stopper interface {
	StopAcceptingMessages()
}

// Completer is implemented by transports that can report when all in-flight
// deliveries have finished.
type Completer interface {
	WaitForCompletion(ctx context.Context) error
}

// BatchPublisher is an optional bulk variant of Publish.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, envs []Envelope) error
}

// HealthIntrospector exposes transport health to the health surface.
type HealthIntrospector interface {
	IsHealthy() bool
	HealthStatus() string
	LastHealthCheck() time.Time
}
