package batch

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"relaykit/internal/observability"
	"relaykit/internal/result"
)

func okExec(ctx context.Context) result.Result[any] { return result.Ok[any](nil) }

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// The janitor evicts a shard idle past the TTL and leaves a shard with
// queued work alone.
func TestJanitorEvictsIdleShardKeepsBusy(t *testing.T) {
	b := New(Options{
		Defaults:     Profile{MaxBatchSize: 1, BatchTimeout: time.Hour, MaxQueueLength: 10},
		ShardIdleTTL: 50 * time.Millisecond,
	}, zap.NewNop(), observability.Nop())
	defer b.Close()

	if r := b.Do(context.Background(), "req", "idle", Profile{}, okExec); !r.OK {
		t.Fatalf("priming call failed: %+v", r)
	}

	busyProfile := Profile{MaxBatchSize: 10, BatchTimeout: time.Hour, MaxQueueLength: 10}
	busyCtx, cancelBusy := context.WithCancel(context.Background())
	busyDone := make(chan result.Result[any], 1)
	go func() {
		busyDone <- b.Do(busyCtx, "req", "busy", busyProfile, okExec)
	}()
	waitUntil(t, time.Second, func() bool {
		_, ok := b.shards.Load("req|busy")
		return ok
	}, "busy shard never created")

	// The janitor ticks at one second minimum regardless of the TTL.
	waitUntil(t, 3*time.Second, func() bool {
		_, ok := b.shards.Load("req|idle")
		return !ok
	}, "idle shard never evicted")

	if _, ok := b.shards.Load("req|busy"); !ok {
		t.Fatal("shard with queued work was evicted")
	}

	cancelBusy()
	if r := <-busyDone; r.Code != result.CodeCancelled {
		t.Errorf("busy call result = %+v, expected Cancelled", r)
	}
}

// Over the MaxShards cap the least-recently-active idle shard goes first.
func TestMaxShardsEvictsIdlestShard(t *testing.T) {
	b := New(Options{
		Defaults:     Profile{MaxBatchSize: 1, BatchTimeout: time.Hour, MaxQueueLength: 4},
		ShardIdleTTL: time.Hour,
		MaxShards:    2,
	}, zap.NewNop(), observability.Nop())
	defer b.Close()

	for _, key := range []string{"a", "b"} {
		if r := b.Do(context.Background(), "req", key, Profile{}, okExec); !r.OK {
			t.Fatalf("call on %s failed: %+v", key, r)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if r := b.Do(context.Background(), "req", "c", Profile{}, okExec); !r.OK {
		t.Fatalf("call on c failed: %+v", r)
	}

	if _, ok := b.shards.Load("req|a"); ok {
		t.Error("idlest shard survived the cap")
	}
	if _, ok := b.shards.Load("req|b"); !ok {
		t.Error("recently active shard evicted")
	}
	if _, ok := b.shards.Load("req|c"); !ok {
		t.Error("new shard evicted")
	}
}

// A Do racing an eviction lands on a stale dead shard, retries, and still
// completes on a fresh one.
func TestDoRetriesAcrossEviction(t *testing.T) {
	b := New(Options{
		Defaults:     Profile{MaxBatchSize: 1, BatchTimeout: time.Hour, MaxQueueLength: 4},
		ShardIdleTTL: time.Hour,
	}, zap.NewNop(), observability.Nop())
	defer b.Close()

	s := b.shard("req|k", Profile{})
	if !s.tryEvict() {
		t.Fatal("fresh idle shard not evictable")
	}
	// Leave the dead shard in the table briefly so Do's first enqueue fails.
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.dropShard(s.key)
	}()

	r := b.Do(context.Background(), "req", "k", Profile{}, okExec)
	if !r.OK {
		t.Fatalf("call across eviction failed: %+v", r)
	}

	v, ok := b.shards.Load("req|k")
	if !ok {
		t.Fatal("replacement shard missing")
	}
	if v.(*shard) == s {
		t.Fatal("evicted shard still in table")
	}
}

// Cancelled awaiters are compacted out at the queue bound instead of
// overflow-failing a live newcomer; a queue of live entries still drops its
// oldest.
func TestOverflowCompactsCancelledBeforeDroppingLive(t *testing.T) {
	b := New(Options{
		Defaults:     Profile{MaxBatchSize: 10, BatchTimeout: time.Hour, MaxQueueLength: 2},
		ShardIdleTTL: time.Hour,
	}, zap.NewNop(), observability.Nop())
	defer b.Close()

	s := b.shard("req|k", Profile{})

	stale1 := &call{exec: okExec, done: make(chan result.Result[any], 1)}
	stale2 := &call{exec: okExec, done: make(chan result.Result[any], 1)}
	stale1.cancel()
	stale2.cancel()
	s.enqueue(stale1)
	s.enqueue(stale2)

	live := &call{exec: okExec, done: make(chan result.Result[any], 1)}
	s.enqueue(live)

	select {
	case r := <-live.done:
		t.Fatalf("live call overflow-failed with cancelled entries queued: %+v", r)
	default:
	}
	s.mu.Lock()
	if len(s.queue) != 1 || s.queue[0] != live {
		t.Fatalf("queue after compaction = %d entries", len(s.queue))
	}
	s.mu.Unlock()

	live2 := &call{exec: okExec, done: make(chan result.Result[any], 1)}
	live3 := &call{exec: okExec, done: make(chan result.Result[any], 1)}
	s.enqueue(live2)
	s.enqueue(live3)

	select {
	case r := <-live.done:
		if r.OK || r.Code != result.CodeInternalError || r.Meta("overflow") != "true" {
			t.Fatalf("overflow result = %+v", r)
		}
	default:
		t.Fatal("full live queue did not drop its oldest entry")
	}
	s.mu.Lock()
	if len(s.queue) != 2 || s.queue[0] != live2 || s.queue[1] != live3 {
		t.Fatalf("queue after live overflow = %d entries", len(s.queue))
	}
	s.mu.Unlock()
}
