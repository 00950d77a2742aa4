package snowflake

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaykit/internal/result"
)

func TestLayoutValidate(t *testing.T) {
	tests := []struct {
		name    string
		layout  Layout
		wantErr bool
	}{
		{"default", LayoutDefault, false},
		{"high throughput", LayoutHighThroughput, false},
		{"long lifespan", LayoutLongLifespan, false},
		{"many workers", LayoutManyWorkers, false},
		{"single node", LayoutSingleNode, false},
		{"sums to 62", Layout{DefaultEpochMillis, 40, 10, 12}, true},
		{"sums to 64", Layout{DefaultEpochMillis, 42, 10, 12}, true},
		{"zero sequence", Layout{DefaultEpochMillis, 53, 10, 0}, true},
		{"future epoch", Layout{time.Now().UnixMilli() + int64(time.Hour/time.Millisecond), 41, 10, 12}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.layout.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWorkerIDRange(t *testing.T) {
	if _, err := New(LayoutDefault, LayoutDefault.MaxWorkerID()); err != nil {
		t.Errorf("max worker id rejected: %v", err)
	}
	if _, err := New(LayoutDefault, LayoutDefault.MaxWorkerID()+1); err == nil {
		t.Error("out-of-range worker id accepted")
	}
	if _, err := New(LayoutDefault, -1); err == nil {
		t.Error("negative worker id accepted")
	}
}

func TestMonotonicSingleProducer(t *testing.T) {
	g, err := New(LayoutDefault, 7)
	if err != nil {
		t.Fatal(err)
	}

	var prev int64
	for i := 0; i < 10000; i++ {
		id, err := g.NextID()
		if err != nil {
			t.Fatal(err)
		}
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d at iteration %d", id, prev, i)
		}
		prev = id
	}
}

// Mirrors the 8-producer soak: 80k ids, all distinct, per-producer monotonic,
// worker id always parses back to the configured value.
func TestConcurrentProducers(t *testing.T) {
	const (
		producers = 8
		perWorker = 10000
	)

	g, err := New(Layout{DefaultEpochMillis, 41, 10, 12}, 7)
	if err != nil {
		t.Fatal(err)
	}

	ids := make([][]int64, producers)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			ids[p] = make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				id, err := g.NextID()
				if err != nil {
					t.Errorf("producer %d: %v", p, err)
					return
				}
				ids[p] = append(ids[p], id)
			}
		}(p)
	}
	wg.Wait()

	all := make([]int64, 0, producers*perWorker)
	for p := 0; p < producers; p++ {
		for i := 1; i < len(ids[p]); i++ {
			if ids[p][i] <= ids[p][i-1] {
				t.Fatalf("producer %d: id %d not increasing after %d", p, ids[p][i], ids[p][i-1])
			}
		}
		all = append(all, ids[p]...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		if all[i] == all[i-1] {
			t.Fatalf("duplicate id %d", all[i])
		}
	}
	if len(all) != producers*perWorker {
		t.Fatalf("expected %d ids, got %d", producers*perWorker, len(all))
	}

	for _, id := range all[:100] {
		if f := g.Parse(id); f.WorkerID != 7 {
			t.Fatalf("parsed worker id %d, expected 7", f.WorkerID)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	layouts := []Layout{LayoutDefault, LayoutHighThroughput, LayoutManyWorkers, LayoutSingleNode}
	for _, layout := range layouts {
		worker := layout.MaxWorkerID() / 2
		g, err := New(layout, worker)
		if err != nil {
			t.Fatal(err)
		}
		id, err := g.NextID()
		if err != nil {
			t.Fatal(err)
		}
		f := g.Parse(id)
		if f.WorkerID != worker {
			t.Errorf("layout %+v: worker %d, expected %d", layout, f.WorkerID, worker)
		}
		if f.Sequence < 0 || f.Sequence > layout.SequenceMask() {
			t.Errorf("layout %+v: sequence %d out of range", layout, f.Sequence)
		}
		if d := time.Since(f.Timestamp); d < -time.Second || d > time.Minute {
			t.Errorf("layout %+v: parsed timestamp %v implausible", layout, f.Timestamp)
		}
	}
}

func TestClockRegression(t *testing.T) {
	var calls atomic.Int64
	base := time.Now().UnixMilli()
	clock := func() int64 {
		// Rewind 10ms after the first id is handed out.
		if calls.Add(1) > 1 {
			return base - 10
		}
		return base
	}

	g, err := New(LayoutDefault, 1, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	first, err := g.NextID()
	if err != nil {
		t.Fatal(err)
	}

	_, err = g.NextID()
	if err == nil {
		t.Fatal("expected clock regression error")
	}
	var genErr *Error
	if !errors.As(err, &genErr) {
		t.Fatalf("unexpected error type %T", err)
	}
	if genErr.Code != result.CodeTimeout {
		t.Errorf("code = %s, expected Timeout", genErr.Code)
	}
	if genErr.Kind != KindClockRegression {
		t.Errorf("kind = %s, expected %s", genErr.Kind, KindClockRegression)
	}

	// No id may be emitted with a smaller timestamp than the last.
	if f := g.Parse(first); f.Timestamp.UnixMilli() != base {
		t.Errorf("first id timestamp %d, expected %d", f.Timestamp.UnixMilli(), base)
	}
}

func TestNextIDsBatchReservation(t *testing.T) {
	g, err := New(LayoutDefault, 3)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]int64, 256)
	n, err := g.NextIDs(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("reserved %d ids, expected %d", n, len(buf))
	}
	for i := 1; i < n; i++ {
		if buf[i] <= buf[i-1] {
			t.Fatalf("batch not monotonic at %d", i)
		}
	}

	// The next single id must come after the whole reserved range.
	next, err := g.NextID()
	if err != nil {
		t.Fatal(err)
	}
	if next <= buf[n-1] {
		t.Errorf("id %d issued inside reserved batch ending %d", next, buf[n-1])
	}
}

func TestNextIDsLargerThanSequenceSpace(t *testing.T) {
	// 8 sequence bits: 256 ids per millisecond, forcing the fallback path.
	g, err := New(LayoutManyWorkers, 3)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]int64, 600)
	n, err := g.NextIDs(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("got %d ids, expected %d", n, len(buf))
	}
	seen := make(map[int64]bool, n)
	for _, id := range buf {
		if seen[id] {
			t.Fatalf("duplicate id %d in batch", id)
		}
		seen[id] = true
	}
}

func TestDetectWorkerID(t *testing.T) {
	layout := LayoutDefault

	t.Run("WORKER_ID wins", func(t *testing.T) {
		t.Setenv("WORKER_ID", "42")
		t.Setenv("POD_INDEX", "3")
		if id := DetectWorkerID(layout, 0); id != 42 {
			t.Errorf("got %d, expected 42", id)
		}
	})

	t.Run("POD_INDEX next", func(t *testing.T) {
		t.Setenv("WORKER_ID", "")
		t.Setenv("POD_INDEX", "3")
		if id := DetectWorkerID(layout, 0); id != 3 {
			t.Errorf("got %d, expected 3", id)
		}
	})

	t.Run("hostname hash bounded", func(t *testing.T) {
		t.Setenv("WORKER_ID", "")
		t.Setenv("POD_INDEX", "")
		t.Setenv("HOSTNAME", "mediator-6d9f7b-xkzq2")
		id := DetectWorkerID(layout, 99)
		if id < 0 || id > layout.MaxWorkerID() {
			t.Errorf("hashed id %d out of range", id)
		}
	})

	t.Run("fallback", func(t *testing.T) {
		t.Setenv("WORKER_ID", "")
		t.Setenv("POD_INDEX", "")
		t.Setenv("HOSTNAME", "")
		if id := DetectWorkerID(layout, 99); id != 99 {
			t.Errorf("got %d, expected fallback 99", id)
		}
	})

	t.Run("out of range WORKER_ID skipped", func(t *testing.T) {
		t.Setenv("WORKER_ID", "99999")
		t.Setenv("POD_INDEX", "5")
		if id := DetectWorkerID(layout, 0); id != 5 {
			t.Errorf("got %d, expected 5", id)
		}
	})
}
