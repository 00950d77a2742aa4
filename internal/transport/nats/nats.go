// Package nats adapts a NATS connection to the transport contract. Subjects
// are derived from the message type with an optional prefix, so one broker
// can carry several deployments side by side.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"relaykit/internal/transport"
)

type Config struct {
	URL           string
	SubjectPrefix string
	Name          string
	QueueGroup    string
}

type Transport struct {
	cfg    Config
	logger *zap.Logger

	conn      *nats.Conn
	accepting atomic.Bool
	inflight  sync.WaitGroup

	mu   sync.Mutex
	subs []*nats.Subscription

	lastCheck atomic.Int64
}

var (
	_ transport.Transport          = (*Transport)(nil)
	_ transport.Initializer        = (*Transport)(nil)
	_ transport.Stopper            = (*Transport)(nil)
	_ transport.Completer          = (*Transport)(nil)
	_ transport.BatchPublisher     = (*Transport)(nil)
	_ transport.HealthIntrospector = (*Transport)(nil)
)

// wireEnvelope is the JSON frame on the subject.
type wireEnvelope struct {
	ID            int64     `json:"id"`
	Type          string    `json:"type"`
	Body          []byte    `json:"body"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	SentAt        time.Time `json:"sent_at"`
}

func New(cfg Config, logger *zap.Logger) *Transport {
	if cfg.Name == "" {
		cfg.Name = "relaykit"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "relaykit-workers"
	}
	return &Transport{cfg: cfg, logger: logger}
}

func (t *Transport) Name() string { return "nats" }

// Initialize dials the broker with infinite reconnects; the connection
// callbacks feed the health surface through Status.
func (t *Transport) Initialize(_ context.Context) error {
	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			t.logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			t.logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(t.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	t.conn = conn
	t.accepting.Store(true)

	t.logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return nil
}

func (t *Transport) subject(msgType string) string {
	if t.cfg.SubjectPrefix == "" {
		return msgType
	}
	return t.cfg.SubjectPrefix + "." + msgType
}

func (t *Transport) publish(subject string, env transport.Envelope) error {
	if !t.accepting.Load() {
		return transport.ErrStopped
	}
	if env.SentAt.IsZero() {
		env.SentAt = time.Now()
	}

	data, err := json.Marshal(wireEnvelope(env))
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	t.logger.Debug("published envelope",
		zap.String("subject", subject),
		zap.Int64("message_id", env.ID))
	return nil
}

func (t *Transport) Publish(_ context.Context, env transport.Envelope) error {
	return t.publish(t.subject(env.Type), env)
}

// Send addresses an explicit subject instead of deriving one from the type.
func (t *Transport) Send(_ context.Context, dest string, env transport.Envelope) error {
	return t.publish(t.subject(dest), env)
}

func (t *Transport) PublishBatch(ctx context.Context, envs []transport.Envelope) error {
	for _, env := range envs {
		if err := t.Publish(ctx, env); err != nil {
			return fmt.Errorf("batch publish at id %d: %w", env.ID, err)
		}
	}
	return t.conn.Flush()
}

// Subscribe joins the queue group for the type's subject so instances share
// the stream.
func (t *Transport) Subscribe(msgType string, h transport.Handler) error {
	sub, err := t.conn.QueueSubscribe(t.subject(msgType), t.cfg.QueueGroup, func(msg *nats.Msg) {
		t.inflight.Add(1)
		defer t.inflight.Done()

		var wire wireEnvelope
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			t.logger.Error("failed to unmarshal envelope",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}

		if err := h(context.Background(), transport.Envelope(wire)); err != nil {
			t.logger.Error("handler failed",
				zap.String("type", wire.Type),
				zap.Int64("message_id", wire.ID),
				zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", msgType, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return nil
}

func (t *Transport) StopAcceptingMessages() {
	if t.accepting.CompareAndSwap(true, false) {
		t.logger.Info("NATS transport stopped accepting messages")
	}
}

// WaitForCompletion drains the connection, which unsubscribes and waits for
// pending callbacks, then waits for handlers still running.
func (t *Transport) WaitForCompletion(ctx context.Context) error {
	if t.conn != nil && !t.conn.IsClosed() {
		if err := t.conn.Drain(); err != nil {
			return fmt.Errorf("transport drain: %w", err)
		}
	}

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
	if t.conn != nil {
		t.conn.Close()
	}
	return nil
}

func (t *Transport) IsHealthy() bool {
	t.lastCheck.Store(time.Now().UnixNano())
	return t.conn != nil && t.conn.Status() == nats.CONNECTED && t.accepting.Load()
}

func (t *Transport) HealthStatus() string {
	if t.conn == nil {
		return "not initialized"
	}
	if !t.accepting.Load() {
		return "draining"
	}
	return t.conn.Status().String()
}

func (t *Transport) LastHealthCheck() time.Time {
	return time.Unix(0, t.lastCheck.Load())
}
