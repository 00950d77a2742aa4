// Package memory provides in-process store implementations, used as defaults
// in local mode and throughout the test suites.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"relaykit/internal/store"
)

// Outbox is an in-memory store.OutboxStore. A row stays Pending across
// publish failures until maxAttempts, then transitions to Failed.
type Outbox struct {
	maxAttempts int
	mu          sync.Mutex
	rows        map[int64]*store.OutboxRow
}

const defaultMaxAttempts = 5

func NewOutbox() *Outbox {
	return &Outbox{maxAttempts: defaultMaxAttempts, rows: make(map[int64]*store.OutboxRow)}
}

// NewOutboxWithMaxAttempts overrides the failure budget per row.
func NewOutboxWithMaxAttempts(maxAttempts int) *Outbox {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Outbox{maxAttempts: maxAttempts, rows: make(map[int64]*store.OutboxRow)}
}

func (o *Outbox) Add(_ context.Context, row store.OutboxRow) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.rows[row.ID]; exists {
		return fmt.Errorf("memory outbox: duplicate row id %d", row.ID)
	}
	if row.Status == "" {
		row.Status = store.OutboxPending
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	o.rows[row.ID] = &row
	return nil
}

func (o *Outbox) GetPending(_ context.Context, maxCount int) ([]store.OutboxRow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pending := make([]store.OutboxRow, 0, maxCount)
	for _, row := range o.rows {
		if row.Status == store.OutboxPending {
			pending = append(pending, *row)
		}
	}
	// Snowflake ids are time-ordered, so id order is creation order.
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	if len(pending) > maxCount {
		pending = pending[:maxCount]
	}
	return pending, nil
}

func (o *Outbox) MarkPublished(_ context.Context, id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok {
		return fmt.Errorf("memory outbox: no row %d", id)
	}
	row.Status = store.OutboxPublished
	return nil
}

func (o *Outbox) MarkFailed(_ context.Context, id int64, cause error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok {
		return fmt.Errorf("memory outbox: no row %d", id)
	}
	row.AttemptCount++
	if cause != nil {
		row.LastError = cause.Error()
	}
	if row.AttemptCount >= o.maxAttempts {
		row.Status = store.OutboxFailed
	}
	return nil
}

func (o *Outbox) DeletePublished(_ context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, row := range o.rows {
		if row.Status == store.OutboxPublished && row.CreatedAt.Before(cutoff) {
			delete(o.rows, id)
		}
	}
	return nil
}

func (o *Outbox) HealthCheck(context.Context) error { return nil }

// Row returns a copy of a row for test assertions.
func (o *Outbox) Row(id int64) (store.OutboxRow, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok {
		return store.OutboxRow{}, false
	}
	return *row, true
}

// Inbox is an in-memory store.InboxStore with lazy expiry.
type Inbox struct {
	mu      sync.Mutex
	entries map[int64]time.Time // expiry instant per message id
}

func NewInbox() *Inbox {
	return &Inbox{entries: make(map[int64]time.Time)}
}

func (i *Inbox) Contains(_ context.Context, messageID int64) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	expiry, ok := i.entries[messageID]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(i.entries, messageID)
		return false, nil
	}
	return true, nil
}

func (i *Inbox) Record(_ context.Context, messageID int64, ttl time.Duration) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[messageID] = time.Now().Add(ttl)
	return nil
}

func (i *Inbox) HealthCheck(context.Context) error { return nil }

// EventStore is an in-memory store.EventStore.
type EventStore struct {
	mu      sync.RWMutex
	streams map[string][]store.StoredEvent
}

func NewEventStore() *EventStore {
	return &EventStore{streams: make(map[string][]store.StoredEvent)}
}

func (s *EventStore) Append(_ context.Context, streamID string, events []store.StoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, ev := range events {
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		s.streams[streamID] = append(s.streams[streamID], ev)
	}
	return nil
}

func (s *EventStore) Read(ctx context.Context, streamID string) iter.Seq2[store.StoredEvent, error] {
	return func(yield func(store.StoredEvent, error) bool) {
		s.mu.RLock()
		events := make([]store.StoredEvent, len(s.streams[streamID]))
		copy(events, s.streams[streamID])
		s.mu.RUnlock()

		for _, ev := range events {
			if ctx.Err() != nil {
				yield(store.StoredEvent{}, ctx.Err())
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}
