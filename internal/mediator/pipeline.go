package mediator

import (
	"context"
	"reflect"
	"sort"

	"go.uber.org/zap"

	"relaykit/internal/result"
)

// Next continues the pipeline toward the handler. A behavior may call it
// zero or one time.
type Next func(ctx context.Context) result.Result[any]

// Behavior is pipeline middleware around a handler call. Higher priority
// runs outermost. Behaviors must not mutate the request; they may wrap or
// replace the result.
type Behavior interface {
	Name() string
	Priority() int
	Handle(ctx context.Context, req any, next Next) result.Result[any]
}

// Standard behavior priorities. Custom behaviors default around 500.
const (
	PriorityLogging        = 1000
	PriorityValidation     = 900
	PriorityRetry          = 800
	PriorityCircuitBreaker = 700
	PriorityIdempotency    = 600
	PriorityCustom         = 500
	PriorityOutbox         = 400
)

// chainFor returns the composed pipeline for t, building and caching it on
// first use. Reads are lock-free; a racing miss may build twice, the first
// stored chain wins.
func (m *Mediator) chainFor(t reflect.Type, reg *registration) invoker {
	if v, ok := m.chains.Load(t); ok {
		return v.(invoker)
	}

	m.mu.RLock()
	behaviors := make([]Behavior, len(m.behaviors))
	copy(behaviors, m.behaviors)
	m.mu.RUnlock()

	sort.SliceStable(behaviors, func(i, j int) bool {
		return behaviors[i].Priority() > behaviors[j].Priority()
	})

	chain := reg.handle
	for i := len(behaviors) - 1; i >= 0; i-- {
		chain = m.wrap(behaviors[i], chain)
	}

	actual, _ := m.chains.LoadOrStore(t, chain)
	return actual.(invoker)
}

// wrap turns one behavior plus the rest of the chain into an invoker. A
// behavior that panics becomes PipelineFailed; the handler's own panics are
// already mapped to HandlerFailed before the chain sees them.
func (m *Mediator) wrap(b Behavior, next invoker) invoker {
	return func(ctx context.Context, req any) (out result.Result[any]) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("behavior panic",
					zap.String("behavior", b.Name()),
					zap.Any("panic", r))
				out = result.Failf[any](result.CodePipelineFailed, "behavior %s panic: %v", b.Name(), r).
					WithMeta("behavior", b.Name())
			}
		}()
		return b.Handle(ctx, req, func(nextCtx context.Context) result.Result[any] {
			return next(nextCtx, req)
		})
	}
}
