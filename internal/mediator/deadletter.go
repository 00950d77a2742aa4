package mediator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaykit/internal/result"
)

// DeadLetterEntry captures a terminally failed message together with its
// last result, for out-of-band inspection or replay.
type DeadLetterEntry struct {
	ID          uuid.UUID
	MessageType string
	Message     any
	Code        result.Code
	Reason      string
	Metadata    map[string]string
	FailedAt    time.Time
}

// NewDeadLetterEntry snapshots a failed dispatch.
func NewDeadLetterEntry(messageType string, msg any, last result.Result[any]) DeadLetterEntry {
	return DeadLetterEntry{
		ID:          uuid.New(),
		MessageType: messageType,
		Message:     msg,
		Code:        last.Code,
		Reason:      last.Message,
		Metadata:    last.Metadata,
		FailedAt:    time.Now(),
	}
}

// DeadLetter is the sink for terminally failed messages. The failure is
// still returned to the caller; dead-lettering is a side channel.
type DeadLetter interface {
	Enqueue(ctx context.Context, entry DeadLetterEntry) error
}

// MemoryDeadLetter retains entries in memory, used in local mode and tests.
type MemoryDeadLetter struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
}

func NewMemoryDeadLetter() *MemoryDeadLetter {
	return &MemoryDeadLetter{}
}

func (d *MemoryDeadLetter) Enqueue(_ context.Context, entry DeadLetterEntry) error {
	d.mu.Lock()
	d.entries = append(d.entries, entry)
	d.mu.Unlock()
	return nil
}

// Entries returns a snapshot of everything dead-lettered so far.
func (d *MemoryDeadLetter) Entries() []DeadLetterEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetterEntry, len(d.entries))
	copy(out, d.entries)
	return out
}
