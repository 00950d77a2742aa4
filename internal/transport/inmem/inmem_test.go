package inmem_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"relaykit/internal/transport"
	"relaykit/internal/transport/inmem"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	tr := inmem.New(zap.NewNop())

	var a, b atomic.Int64
	tr.Subscribe("evt", func(ctx context.Context, env transport.Envelope) error {
		a.Add(1)
		return nil
	})
	tr.Subscribe("evt", func(ctx context.Context, env transport.Envelope) error {
		b.Add(1)
		return nil
	})

	if err := tr.Publish(context.Background(), transport.Envelope{ID: 1, Type: "evt"}); err != nil {
		t.Fatal(err)
	}
	if err := tr.WaitForCompletion(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("deliveries = %d/%d, expected 1/1", a.Load(), b.Load())
	}
}

func TestPublishAfterStopReturnsErrStopped(t *testing.T) {
	tr := inmem.New(zap.NewNop())
	tr.StopAcceptingMessages()

	err := tr.Publish(context.Background(), transport.Envelope{ID: 1, Type: "evt"})
	if !errors.Is(err, transport.ErrStopped) {
		t.Fatalf("err = %v, expected ErrStopped", err)
	}
	if err := tr.Send(context.Background(), "dest", transport.Envelope{ID: 2, Type: "evt"}); !errors.Is(err, transport.ErrStopped) {
		t.Fatalf("send err = %v, expected ErrStopped", err)
	}
}

func TestWaitForCompletionHonorsContext(t *testing.T) {
	tr := inmem.New(zap.NewNop())
	block := make(chan struct{})
	defer close(block)

	tr.Subscribe("slow", func(ctx context.Context, env transport.Envelope) error {
		<-block
		return nil
	})
	tr.Publish(context.Background(), transport.Envelope{ID: 1, Type: "slow"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tr.WaitForCompletion(ctx); err == nil {
		t.Fatal("expected timeout error while handler blocked")
	}
}

func TestPublishBatchStopsAtFirstRefusal(t *testing.T) {
	tr := inmem.New(zap.NewNop())
	tr.StopAcceptingMessages()

	err := tr.PublishBatch(context.Background(), []transport.Envelope{{ID: 1, Type: "t"}})
	if !errors.Is(err, transport.ErrStopped) {
		t.Fatalf("err = %v", err)
	}
}

func TestHealthIntrospection(t *testing.T) {
	tr := inmem.New(zap.NewNop())
	if !tr.IsHealthy() || tr.HealthStatus() != "accepting" {
		t.Fatalf("fresh transport unhealthy: %s", tr.HealthStatus())
	}
	if tr.LastHealthCheck().IsZero() {
		t.Error("last check not recorded")
	}

	tr.StopAcceptingMessages()
	if tr.IsHealthy() || tr.HealthStatus() != "draining" {
		t.Errorf("stopped transport status = %s", tr.HealthStatus())
	}
}
