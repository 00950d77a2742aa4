// Package inmem is a loopback transport for local mode and tests. It
// implements every optional capability so the lifecycle host and health
// surface can be exercised without a broker.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"relaykit/internal/transport"
)

type Transport struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string][]transport.Handler

	accepting atomic.Bool
	inflight  sync.WaitGroup
	delivered atomic.Int64

	lastCheck atomic.Int64 // unix nanos of the last health probe
}

var (
	_ transport.Transport          = (*Transport)(nil)
	_ transport.Initializer        = (*Transport)(nil)
	_ transport.Stopper            = (*Transport)(nil)
	_ transport.Completer          = (*Transport)(nil)
	_ transport.BatchPublisher     = (*Transport)(nil)
	_ transport.HealthIntrospector = (*Transport)(nil)
)

func New(logger *zap.Logger) *Transport {
	t := &Transport{
		logger: logger,
		subs:   make(map[string][]transport.Handler),
	}
	t.accepting.Store(true)
	return t
}

func (t *Transport) Name() string { return "inmem" }

func (t *Transport) Initialize(_ context.Context) error {
	t.accepting.Store(true)
	t.logger.Info("in-memory transport initialized")
	return nil
}

func (t *Transport) Subscribe(msgType string, h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[msgType] = append(t.subs[msgType], h)
	return nil
}

// Publish delivers the envelope to every subscriber of its type. Delivery is
// asynchronous; each delivery is tracked so WaitForCompletion can drain.
func (t *Transport) Publish(ctx context.Context, env transport.Envelope) error {
	if !t.accepting.Load() {
		return transport.ErrStopped
	}

	t.mu.RLock()
	handlers := t.subs[env.Type]
	t.mu.RUnlock()

	for _, h := range handlers {
		t.inflight.Add(1)
		go func(h transport.Handler) {
			defer t.inflight.Done()
			defer t.delivered.Add(1)
			if err := h(context.WithoutCancel(ctx), env); err != nil {
				t.logger.Error("in-memory delivery failed",
					zap.String("type", env.Type),
					zap.Int64("message_id", env.ID),
					zap.Error(err))
			}
		}(h)
	}
	return nil
}

// Send is loopback: destination is ignored beyond logging.
func (t *Transport) Send(ctx context.Context, dest string, env transport.Envelope) error {
	if !t.accepting.Load() {
		return transport.ErrStopped
	}
	t.logger.Debug("in-memory send", zap.String("dest", dest), zap.String("type", env.Type))
	return t.Publish(ctx, env)
}

func (t *Transport) PublishBatch(ctx context.Context, envs []transport.Envelope) error {
	for _, env := range envs {
		if err := t.Publish(ctx, env); err != nil {
			return fmt.Errorf("batch publish at id %d: %w", env.ID, err)
		}
	}
	return nil
}

func (t *Transport) StopAcceptingMessages() {
	if t.accepting.CompareAndSwap(true, false) {
		t.logger.Info("in-memory transport stopped accepting messages")
	}
}

// WaitForCompletion blocks until every in-flight delivery finishes or ctx
// expires.
func (t *Transport) WaitForCompletion(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transport drain: %w", ctx.Err())
	}
}

func (t *Transport) Close() error {
	t.StopAcceptingMessages()
	return nil
}

func (t *Transport) IsHealthy() bool {
	t.lastCheck.Store(time.Now().UnixNano())
	return t.accepting.Load()
}

func (t *Transport) HealthStatus() string {
	if t.accepting.Load() {
		return "accepting"
	}
	return "draining"
}

func (t *Transport) LastHealthCheck() time.Time {
	return time.Unix(0, t.lastCheck.Load())
}

// Delivered reports completed deliveries, for tests.
func (t *Transport) Delivered() int64 { return t.delivered.Load() }
