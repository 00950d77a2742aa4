// Package mediator is the dispatch core: typed request/event registration,
// behavior pipeline composition, and routing into the auto-batcher. Handler
// resolution is by static type identity; the registry is built at
// registration time and the per-type chain is composed once and cached.
package mediator

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"relaykit/internal/batch"
	"relaykit/internal/observability"
	"relaykit/internal/result"
)

// HandlerFunc processes one request of type T and produces R.
type HandlerFunc[T any, R any] func(ctx context.Context, req T) (R, error)

// EventHandlerFunc processes one event of type E.
type EventHandlerFunc[E any] func(ctx context.Context, ev E) error

// Identifiable is implemented by requests that carry a message id; the
// idempotency behavior keys the inbox on it.
type Identifiable interface {
	MessageID() int64
}

// Batchable requests choose the shard key for auto-batching. Requests without
// it share one shard per type.
type Batchable interface {
	BatchKey() string
}

// Validatable requests are checked by the validation behavior before the
// handler runs.
type Validatable interface {
	Validate() error
}

// Mediator routes requests to their handler through the behavior chain and
// fans events out to their subscribers.
type Mediator struct {
	logger  *zap.Logger
	metrics *observability.Metrics

	mu            sync.RWMutex
	handlers      map[reflect.Type]*registration
	eventHandlers map[reflect.Type][]eventInvoker
	behaviors     []Behavior

	chains sync.Map // reflect.Type -> invoker

	batcher        *batch.Batcher
	batchEnabled   bool
	defaultTimeout time.Duration
	deadLetter     DeadLetter
}

type invoker func(ctx context.Context, req any) result.Result[any]

type eventInvoker func(ctx context.Context, ev any) error

type registration struct {
	handle   invoker
	count    int // >1 means ambiguous registration, failed at dispatch
	batching *batch.Profile
	timeout  time.Duration
}

// Option configures a Mediator.
type Option func(*Mediator)

func WithMetrics(m *observability.Metrics) Option {
	return func(md *Mediator) { md.metrics = m }
}

// WithBatcher enables auto-batching for types that registered a profile.
func WithBatcher(b *batch.Batcher) Option {
	return func(md *Mediator) {
		md.batcher = b
		md.batchEnabled = true
	}
}

// WithDefaultTimeout bounds every dispatch that arrives without a deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(md *Mediator) { md.defaultTimeout = d }
}

func WithDeadLetter(dlq DeadLetter) Option {
	return func(md *Mediator) { md.deadLetter = dlq }
}

// WithBehaviors appends pipeline behaviors; order of registration does not
// matter, the chain is sorted by priority at composition.
func WithBehaviors(bs ...Behavior) Option {
	return func(md *Mediator) { md.behaviors = append(md.behaviors, bs...) }
}

func New(logger *zap.Logger, opts ...Option) *Mediator {
	m := &Mediator{
		logger:        logger,
		metrics:       observability.Nop(),
		handlers:      make(map[reflect.Type]*registration),
		eventHandlers: make(map[reflect.Type][]eventInvoker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Use appends a behavior after construction. Must happen before the first
// dispatch of any type the behavior should cover; composed chains are cached.
func (m *Mediator) Use(b Behavior) {
	m.mu.Lock()
	m.behaviors = append(m.behaviors, b)
	m.mu.Unlock()
}

// RegisterOption tunes one request-type registration.
type RegisterOption func(*registration)

// WithBatchProfile opts the type into auto-batching with the given profile
// (zero fields inherit the batcher defaults). Inert when the mediator has no
// batcher, so non-batched deployments pay nothing for it.
func WithBatchProfile(p batch.Profile) RegisterOption {
	return func(r *registration) { r.batching = &p }
}

// WithTimeout overrides the mediator's default timeout for this type.
func WithTimeout(d time.Duration) RegisterOption {
	return func(r *registration) { r.timeout = d }
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// RegisterHandler binds the single handler for request type T. Registering a
// second handler for the same type poisons the registration: dispatch fails
// with HandlerFailed, matching the resolve-exactly-one contract.
func RegisterHandler[T any, R any](m *Mediator, h HandlerFunc[T, R], opts ...RegisterOption) {
	t := typeOf[T]()

	wrapped := func(ctx context.Context, req any) (out result.Result[any]) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("handler panic",
					zap.String("request_type", t.String()),
					zap.Any("panic", r))
				out = result.Failf[any](result.CodeHandlerFailed, "handler panic: %v", r).
					WithMeta("handler", t.String())
			}
		}()

		typed, ok := req.(T)
		if !ok {
			return result.Failf[any](result.CodeInternalError, "request is %T, registered type is %s", req, t)
		}
		resp, err := h(ctx, typed)
		if err != nil {
			return result.FailErr[any](result.CodeHandlerFailed, err).WithMeta("handler", t.String())
		}
		return result.Ok[any](resp)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.handlers[t]; ok {
		existing.count++
		m.logger.Error("duplicate handler registration", zap.String("request_type", t.String()))
		return
	}
	reg := &registration{handle: wrapped, count: 1}
	for _, opt := range opts {
		opt(reg)
	}
	m.handlers[t] = reg
}

// RegisterEventHandler appends a handler for event type E. Any number of
// handlers per event type is legal, including zero.
func RegisterEventHandler[E any](m *Mediator, h EventHandlerFunc[E]) {
	t := typeOf[E]()
	wrapped := func(ctx context.Context, ev any) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("event handler panic: %v", r)
			}
		}()
		typed, ok := ev.(E)
		if !ok {
			return fmt.Errorf("event is %T, registered type is %s", ev, t)
		}
		return h(ctx, typed)
	}

	m.mu.Lock()
	m.eventHandlers[t] = append(m.eventHandlers[t], wrapped)
	m.mu.Unlock()
}

// Send dispatches req through the pipeline to its handler and returns the
// typed result. A handler that returns an error maps to HandlerFailed; an
// unregistered type maps to HandlerFailed with reason metadata.
func Send[T any, R any](ctx context.Context, m *Mediator, req T) result.Result[R] {
	t := typeOf[T]()
	start := time.Now()
	typeAttr := metric.WithAttributes(attribute.String("request_type", t.String()))
	m.metrics.CommandsCount.Add(ctx, 1, typeAttr)

	erased := m.dispatch(ctx, t, req)

	m.metrics.CommandsDuration.Record(ctx, time.Since(start).Seconds(), typeAttr)
	if !erased.OK {
		m.metrics.RecordError(ctx, string(erased.Code))
	}
	return result.Restore[R](erased)
}

func (m *Mediator) dispatch(ctx context.Context, t reflect.Type, req any) result.Result[any] {
	m.mu.RLock()
	reg, ok := m.handlers[t]
	m.mu.RUnlock()

	if !ok {
		return result.Failf[any](result.CodeHandlerFailed, "no handler registered for %s", t).
			WithMeta("reason", "handler_not_registered")
	}
	if reg.count > 1 {
		return result.Failf[any](result.CodeHandlerFailed, "%d handlers registered for %s", reg.count, t).
			WithMeta("reason", "ambiguous_handler")
	}

	timeout := m.defaultTimeout
	if reg.timeout > 0 {
		timeout = reg.timeout
	}
	if timeout > 0 {
		if _, has := ctx.Deadline(); !has {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	chain := m.chainFor(t, reg)

	if m.batchEnabled && m.batcher != nil && reg.batching != nil {
		key := ""
		if b, ok := req.(Batchable); ok {
			key = b.BatchKey()
		}
		return m.batcher.Do(ctx, t.String(), key, *reg.batching, func(flushCtx context.Context) result.Result[any] {
			return chain(flushCtx, req)
		})
	}

	r := chain(ctx, req)
	if ctx.Err() != nil && r.OK {
		// The handler finished but the caller's deadline already passed.
		return result.FailErr[any](result.CodeTimeout, ctx.Err())
	}
	return r
}

// Publish fans ev out to every registered handler for its type concurrently.
// Zero handlers is success. Any handler error fails the publish and, when a
// dead-letter sink is configured, routes the event there as well.
func Publish[E any](ctx context.Context, m *Mediator, ev E) result.Result[struct{}] {
	t := typeOf[E]()
	m.metrics.EventsCount.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", t.String())))

	m.mu.RLock()
	handlers := make([]eventInvoker, len(m.eventHandlers[t]))
	copy(handlers, m.eventHandlers[t])
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return result.Ok(struct{}{})
	}

	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h eventInvoker) {
			defer wg.Done()
			errs[i] = h(ctx, ev)
		}(i, h)
	}
	wg.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return result.Ok(struct{}{})
	}

	r := result.FailErr[struct{}](result.CodeHandlerFailed, failed[0]).
		WithMeta("event_type", t.String()).
		WithMeta("failed_handlers", fmt.Sprintf("%d/%d", len(failed), len(handlers)))
	m.metrics.RecordError(ctx, string(r.Code))

	if m.deadLetter != nil {
		entry := NewDeadLetterEntry(t.String(), ev, result.Restore[any](result.Erase(r)))
		if err := m.deadLetter.Enqueue(ctx, entry); err != nil {
			m.logger.Error("dead-letter enqueue failed", zap.Error(err))
		}
	}
	return r
}
