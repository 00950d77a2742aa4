// Package batch coalesces concurrent requests of one type into per-key
// shards, flushing each shard when it fills or when its window timer fires.
// Each queued request keeps its own awaiter and receives its own result; the
// win is one flush execution context per burst instead of one per request.
package batch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"relaykit/internal/observability"
	"relaykit/internal/result"
)

// Profile is the per-request-type batching policy. Zero fields fall back to
// the batcher's defaults.
type Profile struct {
	MaxBatchSize   int
	BatchTimeout   time.Duration
	MaxQueueLength int
	FlushDegree    int
}

func (p Profile) withDefaults(d Profile) Profile {
	if p.MaxBatchSize <= 0 {
		p.MaxBatchSize = d.MaxBatchSize
	}
	if p.BatchTimeout <= 0 {
		p.BatchTimeout = d.BatchTimeout
	}
	if p.MaxQueueLength <= 0 {
		p.MaxQueueLength = d.MaxQueueLength
	}
	if p.FlushDegree < 0 {
		p.FlushDegree = 0
	}
	return p
}

// Options configures a Batcher.
type Options struct {
	Defaults     Profile
	ShardIdleTTL time.Duration
	MaxShards    int
}

// DefaultOptions mirrors the documented configuration defaults.
func DefaultOptions() Options {
	return Options{
		Defaults: Profile{
			MaxBatchSize:   64,
			BatchTimeout:   100 * time.Millisecond,
			MaxQueueLength: 1024,
			FlushDegree:    0,
		},
		ShardIdleTTL: 5 * time.Minute,
		MaxShards:    10000,
	}
}

// Exec runs one queued request; it is the continuation into the behavior
// chain and handler.
type Exec func(ctx context.Context) result.Result[any]

// Batcher owns the shard table and the idle-eviction janitor.
type Batcher struct {
	opts    Options
	logger  *zap.Logger
	metrics *observability.Metrics

	shards   sync.Map // shard key -> *shard
	shardLen int
	lenMu    sync.Mutex

	stopJanitor context.CancelFunc
	janitorDone chan struct{}
}

// New starts a batcher and its janitor. Close releases it.
func New(opts Options, logger *zap.Logger, metrics *observability.Metrics) *Batcher {
	def := DefaultOptions()
	opts.Defaults = opts.Defaults.withDefaults(def.Defaults)
	if opts.ShardIdleTTL <= 0 {
		opts.ShardIdleTTL = def.ShardIdleTTL
	}
	if opts.MaxShards <= 0 {
		opts.MaxShards = def.MaxShards
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Batcher{
		opts:        opts,
		logger:      logger,
		metrics:     metrics,
		stopJanitor: cancel,
		janitorDone: make(chan struct{}),
	}
	go b.janitor(ctx)
	return b
}

// Close stops the eviction janitor. Queued calls still flush via their own
// shard timers.
func (b *Batcher) Close() {
	b.stopJanitor()
	<-b.janitorDone
}

// Do enqueues exec on the (requestType, key) shard and blocks until its
// result is delivered or ctx is cancelled. Cancelling removes the call from
// the queue when it has not started; a started call runs to completion and
// its result is discarded.
func (b *Batcher) Do(ctx context.Context, requestType, key string, profile Profile, exec Exec) result.Result[any] {
	shardKey := requestType + "|" + key
	c := &call{exec: exec, done: make(chan result.Result[any], 1)}

	for {
		s := b.shard(shardKey, profile)
		if s.enqueue(c) {
			break
		}
		// Shard was evicted between lookup and enqueue; take a fresh one.
	}

	select {
	case r := <-c.done:
		return r
	case <-ctx.Done():
		c.cancel()
		return result.FailErr[any](result.CodeCancelled, ctx.Err())
	}
}

func (b *Batcher) shard(key string, profile Profile) *shard {
	if v, ok := b.shards.Load(key); ok {
		return v.(*shard)
	}

	s := newShard(b, key, profile.withDefaults(b.opts.Defaults))
	actual, loaded := b.shards.LoadOrStore(key, s)
	if loaded {
		return actual.(*shard)
	}

	b.lenMu.Lock()
	b.shardLen++
	over := b.shardLen - b.opts.MaxShards
	b.lenMu.Unlock()
	if over > 0 {
		b.evictIdlest()
	}
	return s
}

func (b *Batcher) dropShard(key string) {
	b.shards.Delete(key)
	b.lenMu.Lock()
	b.shardLen--
	b.lenMu.Unlock()
}

// evictIdlest removes the least-recently-active idle shard. Busy shards are
// never evicted, so the cap is a target rather than a hard limit under load.
func (b *Batcher) evictIdlest() {
	var victim *shard
	var victimSeen time.Time

	b.shards.Range(func(_, v any) bool {
		s := v.(*shard)
		if seen, idle := s.idleSince(); idle {
			if victim == nil || seen.Before(victimSeen) {
				victim, victimSeen = s, seen
			}
		}
		return true
	})

	if victim != nil && victim.tryEvict() {
		b.dropShard(victim.key)
	}
}

func (b *Batcher) janitor(ctx context.Context) {
	defer close(b.janitorDone)

	interval := b.opts.ShardIdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.opts.ShardIdleTTL)
			b.shards.Range(func(_, v any) bool {
				s := v.(*shard)
				if seen, idle := s.idleSince(); idle && seen.Before(cutoff) {
					if s.tryEvict() {
						b.dropShard(s.key)
						b.logger.Debug("evicted idle batch shard", zap.String("shard", s.key))
					}
				}
				return true
			})
		}
	}
}

// jittered spreads shard windows ±10% to avoid a flush herd across shards
// created in the same burst.
func jittered(d time.Duration) time.Duration {
	spread := float64(d) * 0.1
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
