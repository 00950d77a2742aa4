package behavior_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"relaykit/internal/behavior"
	"relaykit/internal/mediator"
	"relaykit/internal/result"
	"relaykit/internal/serializer"
	"relaykit/internal/snowflake"
	"relaykit/internal/store/memory"
)

type createOrder struct {
	MsgID   int64
	OrderID string
}

func (c createOrder) MessageID() int64 { return c.MsgID }

type rejectAll struct{ Field string }

func (r rejectAll) Validate() error { return errors.New("field required") }

func TestValidationRejectsBeforeHandler(t *testing.T) {
	m := mediator.New(zap.NewNop(), mediator.WithBehaviors(behavior.NewValidation()))
	var invoked atomic.Bool
	mediator.RegisterHandler(m, func(ctx context.Context, req rejectAll) (string, error) {
		invoked.Store(true)
		return "", nil
	})

	r := mediator.Send[rejectAll, string](context.Background(), m, rejectAll{})
	if r.OK || r.Code != result.CodeValidationFailed {
		t.Fatalf("got %+v", r)
	}
	if r.Retryable {
		t.Error("validation failures are not retryable")
	}
	if invoked.Load() {
		t.Error("handler ran despite failed validation")
	}
}

// Retryable failure twice, then success: three invocations total.
func TestRetryEventualSuccess(t *testing.T) {
	retry := behavior.NewRetry(behavior.RetryConfig{
		MaxRetries: 3,
		MinDelay:   time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Factor:     2,
	}, zap.NewNop())

	m := mediator.New(zap.NewNop(), mediator.WithBehaviors(retry, reclassify{}))
	var calls atomic.Int64
	mediator.RegisterHandler(m, func(ctx context.Context, req createOrder) (string, error) {
		if calls.Add(1) <= 2 {
			return "", pqDeadlock{}
		}
		return "done", nil
	})

	r := mediator.Send[createOrder, string](context.Background(), m, createOrder{})
	if !r.OK || r.Value != "done" {
		t.Fatalf("got %+v", r)
	}
	if calls.Load() != 3 {
		t.Errorf("handler invoked %d times, expected 3", calls.Load())
	}
}

// pqDeadlock forces a retryable classification through a custom behavior in
// TestRetryEventualSuccess: the handler error alone would map to
// HandlerFailed (non-retryable), so reclassify below.
type pqDeadlock struct{}

func (pqDeadlock) Error() string { return "deadlock detected" }

type reclassify struct{}

func (reclassify) Name() string  { return "reclassify" }
func (reclassify) Priority() int { return mediator.PriorityRetry - 1 } // just inside retry
func (reclassify) Handle(ctx context.Context, req any, next mediator.Next) result.Result[any] {
	r := next(ctx)
	if !r.OK && errors.As(r.Cause, &pqDeadlock{}) {
		return result.FailErr[any](result.CodePersistenceFailed, r.Cause)
	}
	return r
}

func TestRetryBudgetExhaustion(t *testing.T) {
	retry := behavior.NewRetry(behavior.RetryConfig{
		MaxRetries: 3,
		MinDelay:   time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		Factor:     2,
	}, zap.NewNop())

	m := mediator.New(zap.NewNop(), mediator.WithBehaviors(retry, reclassify{}))
	var calls atomic.Int64
	mediator.RegisterHandler(m, func(ctx context.Context, req createOrder) (string, error) {
		calls.Add(1)
		return "", pqDeadlock{}
	})

	r := mediator.Send[createOrder, string](context.Background(), m, createOrder{})
	if r.OK {
		t.Fatal("expected terminal failure")
	}
	// maxRetries+1 invocations, then the last result unchanged.
	if calls.Load() != 4 {
		t.Errorf("handler invoked %d times, expected 4", calls.Load())
	}
	if r.Code != result.CodePersistenceFailed {
		t.Errorf("final code = %s", r.Code)
	}
	if r.Meta("attempt") != "4" {
		t.Errorf("attempt metadata = %q", r.Meta("attempt"))
	}
}

func TestRetryDoesNotTouchNonRetryable(t *testing.T) {
	retry := behavior.NewRetry(behavior.DefaultRetryConfig(), zap.NewNop())
	m := mediator.New(zap.NewNop(), mediator.WithBehaviors(retry))
	var calls atomic.Int64
	mediator.RegisterHandler(m, func(ctx context.Context, req createOrder) (string, error) {
		calls.Add(1)
		return "", errors.New("business rule violated")
	})

	r := mediator.Send[createOrder, string](context.Background(), m, createOrder{})
	if r.OK || calls.Load() != 1 {
		t.Errorf("non-retryable result retried: calls=%d r=%+v", calls.Load(), r)
	}
}

// Same message id dispatched three times concurrently: handler runs once,
// all three callers succeed.
func TestInboxIdempotence(t *testing.T) {
	inbox := behavior.NewInbox(memory.NewInbox(), time.Hour, zap.NewNop())
	m := mediator.New(zap.NewNop(), mediator.WithBehaviors(inbox))

	var invocations atomic.Int64
	mediator.RegisterHandler(m, func(ctx context.Context, req createOrder) (string, error) {
		invocations.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the concurrency window
		return "order:" + req.OrderID, nil
	})

	req := createOrder{MsgID: 42, OrderID: "A"}
	var wg sync.WaitGroup
	results := make([]result.Result[string], 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = mediator.Send[createOrder, string](context.Background(), m, req)
		}(i)
	}
	wg.Wait()

	if invocations.Load() != 1 {
		t.Errorf("handler invoked %d times, expected 1", invocations.Load())
	}
	for i, r := range results {
		if !r.OK {
			t.Errorf("caller %d failed: %+v", i, r)
		}
		if r.Value != "order:A" {
			t.Errorf("caller %d got %q", i, r.Value)
		}
	}

	// A later replay short-circuits on the inbox entry.
	r := mediator.Send[createOrder, string](context.Background(), m, req)
	if !r.OK || r.Meta("idempotent_replay") != "true" {
		t.Errorf("replay not short-circuited: %+v", r)
	}
	if invocations.Load() != 1 {
		t.Errorf("replay reached the handler")
	}
}

func TestInboxInertWithoutStore(t *testing.T) {
	inbox := behavior.NewInbox(nil, time.Hour, zap.NewNop())
	m := mediator.New(zap.NewNop(), mediator.WithBehaviors(inbox))

	var calls atomic.Int64
	mediator.RegisterHandler(m, func(ctx context.Context, req createOrder) (string, error) {
		calls.Add(1)
		return "", nil
	})

	req := createOrder{MsgID: 7}
	mediator.Send[createOrder, string](context.Background(), m, req)
	mediator.Send[createOrder, string](context.Background(), m, req)
	if calls.Load() != 2 {
		t.Errorf("inbox without store must be pass-through, calls=%d", calls.Load())
	}
}

func TestDeadLetterOnTerminalFailure(t *testing.T) {
	sink := mediator.NewMemoryDeadLetter()
	m := mediator.New(zap.NewNop(), mediator.WithBehaviors(
		behavior.NewDeadLetter(sink, zap.NewNop()),
	))
	mediator.RegisterHandler(m, func(ctx context.Context, req createOrder) (string, error) {
		return "", errors.New("poison message")
	})

	r := mediator.Send[createOrder, string](context.Background(), m, createOrder{OrderID: "X"})
	if r.OK {
		t.Fatal("expected failure")
	}

	entries := sink.Entries()
	if len(entries) != 1 {
		t.Fatalf("dead letter entries = %d, expected 1", len(entries))
	}
	if entries[0].Code != result.CodeHandlerFailed {
		t.Errorf("entry code = %s", entries[0].Code)
	}
	if entries[0].Message.(createOrder).OrderID != "X" {
		t.Error("entry lost the original request")
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := behavior.NewCircuitBreaker(zap.NewNop())
	m := mediator.New(zap.NewNop(), mediator.WithBehaviors(cb, reclassify{}))

	var calls atomic.Int64
	mediator.RegisterHandler(m, func(ctx context.Context, req createOrder) (string, error) {
		calls.Add(1)
		return "", pqDeadlock{}
	})

	// Five retryable failures trip the breaker.
	for i := 0; i < 5; i++ {
		mediator.Send[createOrder, string](context.Background(), m, createOrder{})
	}
	before := calls.Load()

	r := mediator.Send[createOrder, string](context.Background(), m, createOrder{})
	if r.OK {
		t.Fatal("expected shed request to fail")
	}
	if r.Meta("circuit") != "open" {
		t.Errorf("expected open-circuit metadata, got %v", r.Metadata)
	}
	if calls.Load() != before {
		t.Error("open breaker still reached the handler")
	}
}

func TestOutboxPublishStagesRow(t *testing.T) {
	gen, err := snowflake.New(snowflake.LayoutDefault, 1)
	if err != nil {
		t.Fatal(err)
	}
	reg := serializer.NewRegistry(serializer.JSON{})
	type orderShipped struct {
		OrderID string `json:"order_id"`
	}
	if err := reg.Register("orders.shipped", orderShipped{}); err != nil {
		t.Fatal(err)
	}

	outboxStore := memory.NewOutbox()
	ob := behavior.NewOutbox(gen, reg, outboxStore, zap.NewNop())

	r := ob.Publish(context.Background(), orderShipped{OrderID: "A"})
	if !r.OK {
		t.Fatalf("publish failed: %+v", r)
	}

	rows, err := outboxStore.GetPending(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("pending rows = %d", len(rows))
	}
	if rows[0].ID != r.Value {
		t.Errorf("row id %d, result id %d", rows[0].ID, r.Value)
	}
	if rows[0].Type != "orders.shipped" {
		t.Errorf("row type = %q", rows[0].Type)
	}
}

func TestOutboxPublishUnregisteredType(t *testing.T) {
	gen, _ := snowflake.New(snowflake.LayoutDefault, 1)
	ob := behavior.NewOutbox(gen, serializer.NewRegistry(serializer.JSON{}), memory.NewOutbox(), zap.NewNop())

	r := ob.Publish(context.Background(), struct{ X int }{1})
	if r.OK || r.Code != result.CodeSerializationFailed {
		t.Errorf("expected SerializationFailed, got %+v", r)
	}
}
