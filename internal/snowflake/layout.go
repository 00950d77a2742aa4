package snowflake

import (
	"fmt"
	"time"
)

// Layout describes how the 63 usable bits of an ID are split between the
// timestamp, worker id, and per-millisecond sequence. Bit 63 is the sign bit
// and is always zero.
type Layout struct {
	EpochMillis   int64
	TimestampBits uint
	WorkerIDBits  uint
	SequenceBits  uint
}

// DefaultEpochMillis is 2020-01-01T00:00:00Z.
const DefaultEpochMillis = int64(1577836800000)

// Named preset layouts. Any layout whose bit widths sum to 63 is valid; these
// cover the common deployment shapes.
var (
	// LayoutDefault is the classic 41/10/12 split: ~69 years of lifespan,
	// 1024 workers, 4096 ids per worker per millisecond.
	LayoutDefault = Layout{DefaultEpochMillis, 41, 10, 12}

	// LayoutHighThroughput trades lifespan and worker count for 65536 ids
	// per worker per millisecond.
	LayoutHighThroughput = Layout{DefaultEpochMillis, 39, 8, 16}

	// LayoutLongLifespan extends the timestamp to ~278 years for archival
	// id spaces.
	LayoutLongLifespan = Layout{DefaultEpochMillis, 43, 8, 12}

	// LayoutManyWorkers supports 16384 workers at 256 ids per millisecond.
	LayoutManyWorkers = Layout{DefaultEpochMillis, 41, 14, 8}

	// LayoutSingleNode dedicates every non-timestamp bit to the sequence
	// for single-process deployments.
	LayoutSingleNode = Layout{DefaultEpochMillis, 47, 0, 16}
)

// Validate checks the 63-bit invariant and basic sanity of the widths.
func (l Layout) Validate() error {
	if l.TimestampBits+l.WorkerIDBits+l.SequenceBits != 63 {
		return fmt.Errorf("snowflake: timestamp(%d) + worker(%d) + sequence(%d) bits must sum to 63",
			l.TimestampBits, l.WorkerIDBits, l.SequenceBits)
	}
	if l.TimestampBits == 0 || l.SequenceBits == 0 {
		return fmt.Errorf("snowflake: timestamp and sequence widths must be non-zero")
	}
	if l.EpochMillis < 0 || l.EpochMillis > time.Now().UnixMilli() {
		return fmt.Errorf("snowflake: epoch %d is in the future", l.EpochMillis)
	}
	return nil
}

// MaxWorkerID is the largest worker id the layout can encode.
func (l Layout) MaxWorkerID() int64 {
	return (1 << l.WorkerIDBits) - 1
}

// SequenceMask masks the sequence field; also the largest sequence value.
func (l Layout) SequenceMask() int64 {
	return (1 << l.SequenceBits) - 1
}

// Lifespan is how long the layout can generate ids past its epoch.
func (l Layout) Lifespan() time.Duration {
	return time.Duration(int64(1)<<l.TimestampBits) * time.Millisecond
}

// Fields is a decomposed id.
type Fields struct {
	Timestamp time.Time
	WorkerID  int64
	Sequence  int64
}

// Parse splits an id back into its fields under this layout.
func (l Layout) Parse(id int64) Fields {
	seq := id & l.SequenceMask()
	worker := (id >> l.SequenceBits) & l.MaxWorkerID()
	ts := (id >> (l.WorkerIDBits + l.SequenceBits)) + l.EpochMillis
	return Fields{
		Timestamp: time.UnixMilli(ts).UTC(),
		WorkerID:  worker,
		Sequence:  seq,
	}
}
