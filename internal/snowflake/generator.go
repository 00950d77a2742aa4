package snowflake

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"relaykit/internal/result"
)

// spinBudget bounds how long NextID waits for the clock to tick over when a
// millisecond's sequence space is exhausted.
const spinBudget = 10 * time.Millisecond

// Error is a generator failure carrying its result classification. Kind is
// machine-readable and surfaced as result metadata.
type Error struct {
	Code    result.Code
	Kind    string
	Message string
}

func (e *Error) Error() string { return e.Message }

const (
	// KindClockRegression marks a wall clock that moved backwards.
	KindClockRegression = "clock_regression"
	// KindSequenceStall marks sequence exhaustion where the next
	// millisecond did not arrive within the spin budget.
	KindSequenceStall = "sequence_stall"
)

// Clock returns the current time in milliseconds. Injectable for tests.
type Clock func() int64

func wallClock() int64 { return time.Now().UnixMilli() }

// Generator produces unique, per-worker-monotonic 64-bit ids. All state lives
// in one atomic word mutated only by compare-and-swap, so NextID is safe for
// any number of concurrent callers without a mutex.
type Generator struct {
	layout   Layout
	workerID int64
	clock    Clock

	// state packs (lastTimestamp << sequenceBits) | lastSequence.
	state atomic.Uint64

	seqMask    int64
	timeShift  uint
	workerPart int64
}

// Option customizes a Generator.
type Option func(*Generator)

// WithClock replaces the wall clock, used by clock-regression tests.
func WithClock(c Clock) Option {
	return func(g *Generator) { g.clock = c }
}

// New builds a generator for the given layout and worker id. A worker id
// outside the layout's range is a configuration error, not a runtime Result.
func New(layout Layout, workerID int64, opts ...Option) (*Generator, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if workerID < 0 || workerID > layout.MaxWorkerID() {
		return nil, fmt.Errorf("snowflake: worker id %d out of range [0, %d]", workerID, layout.MaxWorkerID())
	}

	g := &Generator{
		layout:     layout,
		workerID:   workerID,
		clock:      wallClock,
		seqMask:    layout.SequenceMask(),
		timeShift:  layout.WorkerIDBits + layout.SequenceBits,
		workerPart: workerID << layout.SequenceBits,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Layout returns the generator's configured layout.
func (g *Generator) Layout() Layout { return g.layout }

// WorkerID returns the generator's worker id.
func (g *Generator) WorkerID() int64 { return g.workerID }

func (g *Generator) pack(ts, seq int64) uint64 {
	return uint64(ts)<<g.layout.SequenceBits | uint64(seq)
}

func (g *Generator) unpack(s uint64) (ts, seq int64) {
	return int64(s >> g.layout.SequenceBits), int64(s) & g.seqMask
}

func (g *Generator) compose(ts, seq int64) int64 {
	return (ts-g.layout.EpochMillis)<<g.timeShift | g.workerPart | seq
}

// NextID returns the next id. Ids from one generator are strictly increasing.
func (g *Generator) NextID() (int64, error) {
	deadline := time.Now().Add(spinBudget)
	for {
		old := g.state.Load()
		lastTS, lastSeq := g.unpack(old)
		now := g.clock()

		switch {
		case now < lastTS:
			return 0, &Error{
				Code:    result.CodeTimeout,
				Kind:    KindClockRegression,
				Message: fmt.Sprintf("snowflake: clock moved back %dms", lastTS-now),
			}
		case now == lastTS:
			seq := (lastSeq + 1) & g.seqMask
			if seq == 0 {
				// Sequence space for this millisecond is spent.
				// Wait for the clock to tick, bounded.
				if time.Now().After(deadline) {
					return 0, &Error{
						Code:    result.CodeTimeout,
						Kind:    KindSequenceStall,
						Message: "snowflake: sequence exhausted and clock did not advance",
					}
				}
				runtime.Gosched()
				continue
			}
			if g.state.CompareAndSwap(old, g.pack(now, seq)) {
				return g.compose(now, seq), nil
			}
		default: // now > lastTS
			if g.state.CompareAndSwap(old, g.pack(now, 0)) {
				return g.compose(now, 0), nil
			}
		}
		// Lost the CAS race; hint the scheduler and retry.
		runtime.Gosched()
	}
}

// NextIDs fills buf with ids and returns how many were written. When the
// current millisecond has room for the whole batch the range is reserved in
// a single compare-and-swap; otherwise it falls back to per-id generation
// across millisecond boundaries.
func (g *Generator) NextIDs(buf []int64) (int, error) {
	k := int64(len(buf))
	if k == 0 {
		return 0, nil
	}

	for {
		old := g.state.Load()
		lastTS, lastSeq := g.unpack(old)
		now := g.clock()

		if now < lastTS {
			return 0, &Error{
				Code:    result.CodeTimeout,
				Kind:    KindClockRegression,
				Message: fmt.Sprintf("snowflake: clock moved back %dms", lastTS-now),
			}
		}

		var firstSeq int64
		switch {
		case now == lastTS && lastSeq+k <= g.seqMask:
			firstSeq = lastSeq + 1
		case now > lastTS && k-1 <= g.seqMask:
			firstSeq = 0
		default:
			// No contiguous room; take ids one at a time.
			for i := range buf {
				id, err := g.NextID()
				if err != nil {
					return i, err
				}
				buf[i] = id
			}
			return len(buf), nil
		}

		if g.state.CompareAndSwap(old, g.pack(now, firstSeq+k-1)) {
			for i := range buf {
				buf[i] = g.compose(now, firstSeq+int64(i))
			}
			return len(buf), nil
		}
		runtime.Gosched()
	}
}

// Parse decomposes an id produced by this generator.
func (g *Generator) Parse(id int64) Fields {
	return g.layout.Parse(id)
}
