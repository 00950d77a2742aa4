package behavior

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"relaykit/internal/mediator"
	"relaykit/internal/result"
)

// CircuitBreaker sheds load per request type once its failure rate trips the
// breaker. Only retryable (infrastructure) failures count toward tripping;
// business failures like validation pass through uncounted.
type CircuitBreaker struct {
	logger   *zap.Logger
	settings gobreaker.Settings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreaker uses a 5-failure trip threshold and 30s open interval
// unless settings override them.
func NewCircuitBreaker(logger *zap.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	cb.settings = gobreaker.Settings{
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("request_type", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return cb
}

func (c *CircuitBreaker) Name() string  { return "circuit_breaker" }
func (c *CircuitBreaker) Priority() int { return mediator.PriorityCircuitBreaker }

func (c *CircuitBreaker) breakerFor(requestType string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if br, ok := c.breakers[requestType]; ok {
		return br
	}
	settings := c.settings
	settings.Name = requestType
	br := gobreaker.NewCircuitBreaker(settings)
	c.breakers[requestType] = br
	return br
}

func (c *CircuitBreaker) Handle(ctx context.Context, req any, next mediator.Next) result.Result[any] {
	br := c.breakerFor(fmt.Sprintf("%T", req))

	var r result.Result[any]
	_, err := br.Execute(func() (any, error) {
		r = next(ctx)
		if !r.OK && r.Retryable {
			return nil, r.Err()
		}
		return nil, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return result.FailErr[any](result.CodeInternalError, err).
			WithMeta("circuit", "open")
	}
	return r
}
