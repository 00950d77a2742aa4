package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"relaykit/internal/result"
)

func shardAttr(key string) attribute.KeyValue {
	return attribute.String("shard", key)
}

type call struct {
	exec      Exec
	done      chan result.Result[any]
	cancelled atomic.Bool
}

func (c *call) cancel() { c.cancelled.Store(true) }

func (c *call) deliver(r result.Result[any]) {
	// done is buffered; delivery never blocks even when the awaiter is gone.
	select {
	case c.done <- r:
	default:
	}
}

// shard is the FIFO queue for one (requestType, key). It guarantees at most
// one flush in flight; a queue that refills during a flush is flushed again
// right after.
type shard struct {
	b       *Batcher
	key     string
	profile Profile

	mu         sync.Mutex
	queue      []*call
	timer      *time.Timer
	flushing   bool
	evicted    bool
	lastActive time.Time
}

func newShard(b *Batcher, key string, profile Profile) *shard {
	return &shard{
		b:          b,
		key:        key,
		profile:    profile,
		lastActive: time.Now(),
	}
}

// enqueue adds c to the queue, failing the oldest entry on overflow. Returns
// false when the shard has been evicted and the caller must retry.
func (s *shard) enqueue(c *call) bool {
	s.mu.Lock()
	if s.evicted {
		s.mu.Unlock()
		return false
	}
	s.lastActive = time.Now()

	if len(s.queue) >= s.profile.MaxQueueLength {
		s.compactLocked()
	}
	if len(s.queue) >= s.profile.MaxQueueLength {
		oldest := s.queue[0]
		s.queue = s.queue[1:]
		s.b.metrics.BatchOverflow.Add(context.Background(), 1)
		oldest.deliver(result.Fail[any](result.CodeInternalError, "batch queue overflow").
			WithMeta("overflow", "true").
			WithMeta("shard", s.key))
		s.b.logger.Warn("batch shard overflow, dropped oldest request", zap.String("shard", s.key))
	}

	s.queue = append(s.queue, c)
	s.b.metrics.BatchQueueLength.Record(context.Background(), int64(len(s.queue)),
		metric.WithAttributes(shardAttr(s.key)))

	if len(s.queue) >= s.profile.MaxBatchSize {
		s.startFlushLocked()
	} else if s.timer == nil && !s.flushing {
		s.timer = time.AfterFunc(jittered(s.profile.BatchTimeout), s.windowElapsed)
	}
	s.mu.Unlock()
	return true
}

// compactLocked drops cancelled awaiters so they stop counting toward the
// queue bound. Callers hold s.mu.
func (s *shard) compactLocked() {
	live := s.queue[:0]
	for _, c := range s.queue {
		if !c.cancelled.Load() {
			live = append(live, c)
		}
	}
	for i := len(live); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = live
}

func (s *shard) windowElapsed() {
	s.mu.Lock()
	s.timer = nil
	if len(s.queue) > 0 {
		s.startFlushLocked()
	}
	s.mu.Unlock()
}

// startFlushLocked launches a flush goroutine unless one is already running.
// Callers hold s.mu.
func (s *shard) startFlushLocked() {
	if s.flushing {
		return
	}
	s.flushing = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	go s.flush()
}

func (s *shard) flush() {
	for {
		s.mu.Lock()
		n := len(s.queue)
		if n == 0 {
			s.flushing = false
			s.lastActive = time.Now()
			s.mu.Unlock()
			return
		}
		if n > s.profile.MaxBatchSize {
			n = s.profile.MaxBatchSize
		}
		batch := make([]*call, n)
		copy(batch, s.queue[:n])
		s.queue = s.queue[n:]
		s.mu.Unlock()

		s.run(batch)
	}
}

// run executes one batch. FlushDegree 0 runs calls serially in enqueue
// order; a positive degree bounds in-shard concurrency with a semaphore.
func (s *shard) run(batch []*call) {
	start := time.Now()

	live := batch[:0]
	for _, c := range batch {
		if c.cancelled.Load() {
			continue
		}
		live = append(live, c)
	}

	ctx := context.Background()
	s.b.metrics.BatchSize.Record(ctx, int64(len(live)), metric.WithAttributes(shardAttr(s.key)))

	if s.profile.FlushDegree <= 1 {
		for _, c := range live {
			c.deliver(c.exec(ctx))
		}
	} else {
		sem := make(chan struct{}, s.profile.FlushDegree)
		var wg sync.WaitGroup
		for _, c := range live {
			sem <- struct{}{}
			wg.Add(1)
			go func(c *call) {
				defer wg.Done()
				defer func() { <-sem }()
				c.deliver(c.exec(ctx))
			}(c)
		}
		wg.Wait()
	}

	s.b.metrics.FlushDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(shardAttr(s.key)))
}

// idleSince reports the last activity instant and whether the shard is
// currently evictable (empty and not flushing).
func (s *shard) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive, len(s.queue) == 0 && !s.flushing
}

// tryEvict marks the shard dead if it is still idle. Eviction is cooperative:
// a shard that picked up work since the idle check is preserved.
func (s *shard) tryEvict() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 || s.flushing || s.evicted {
		return false
	}
	s.evicted = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return true
}
