// Package postgres backs the outbox and event store with PostgreSQL. The
// outbox table is the durable half of transactional publishing: callers Add
// rows inside their own transaction scope and the processor drains them.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"relaykit/internal/store"
)

type DB struct {
	*sql.DB
}

func NewDB(ctx context.Context, url string) (*DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	return &DB{DB: db}, nil
}

func (db *DB) RunMigrations(migrationsPath string) error {
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+absPath, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Outbox implements store.OutboxStore on the outbox table.
type Outbox struct {
	db          *DB
	maxAttempts int
}

var _ store.OutboxStore = (*Outbox)(nil)

const outboxDefaultMaxAttempts = 5

func NewOutbox(db *DB) *Outbox {
	return &Outbox{db: db, maxAttempts: outboxDefaultMaxAttempts}
}

func NewOutboxWithMaxAttempts(db *DB, maxAttempts int) *Outbox {
	if maxAttempts <= 0 {
		maxAttempts = outboxDefaultMaxAttempts
	}
	return &Outbox{db: db, maxAttempts: maxAttempts}
}

func (o *Outbox) Add(ctx context.Context, row store.OutboxRow) error {
	if row.Status == "" {
		row.Status = store.OutboxPending
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}

	_, err := o.db.ExecContext(ctx, `
		INSERT INTO outbox (id, message_type, payload, status, created_at, attempt_count, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		row.ID, row.Type, row.Payload, row.Status, row.CreatedAt, row.AttemptCount, row.LastError)
	if err != nil {
		return fmt.Errorf("outbox add: %w", err)
	}
	return nil
}

// GetPending scans in id order; snowflake ids make that creation order. The
// scan does not claim rows, so a given outbox is drained by one processor
// instance at a time.
func (o *Outbox) GetPending(ctx context.Context, maxCount int) ([]store.OutboxRow, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, message_type, payload, status, created_at, attempt_count, COALESCE(last_error, '')
		FROM outbox
		WHERE status = $1
		ORDER BY id
		LIMIT $2`,
		store.OutboxPending, maxCount)
	if err != nil {
		return nil, fmt.Errorf("outbox scan: %w", err)
	}
	defer rows.Close()

	var out []store.OutboxRow
	for rows.Next() {
		var r store.OutboxRow
		if err := rows.Scan(&r.ID, &r.Type, &r.Payload, &r.Status, &r.CreatedAt, &r.AttemptCount, &r.LastError); err != nil {
			return nil, fmt.Errorf("outbox scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (o *Outbox) MarkPublished(ctx context.Context, id int64) error {
	res, err := o.db.ExecContext(ctx,
		`UPDATE outbox SET status = $1, published_at = NOW() WHERE id = $2`,
		store.OutboxPublished, id)
	if err != nil {
		return fmt.Errorf("outbox mark published %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox mark published: no row %d", id)
	}
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := o.db.ExecContext(ctx, `
		UPDATE outbox
		SET attempt_count = attempt_count + 1,
		    last_error = $2,
		    status = CASE WHEN attempt_count + 1 >= $3 THEN $4 ELSE status END
		WHERE id = $1`,
		id, msg, o.maxAttempts, store.OutboxFailed)
	if err != nil {
		return fmt.Errorf("outbox mark failed %d: %w", id, err)
	}
	return nil
}

func (o *Outbox) DeletePublished(ctx context.Context, retention time.Duration) error {
	_, err := o.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE status = $1 AND created_at < $2`,
		store.OutboxPublished, time.Now().Add(-retention))
	if err != nil {
		return fmt.Errorf("outbox cleanup: %w", err)
	}
	return nil
}

func (o *Outbox) HealthCheck(ctx context.Context) error { return o.db.HealthCheck(ctx) }

// EventStore implements store.EventStore on the events table.
type EventStore struct {
	db *DB
}

var _ store.EventStore = (*EventStore)(nil)

func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Append(ctx context.Context, streamID string, events []store.StoredEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("event append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, stream_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("event append: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, ev := range events {
		createdAt := ev.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, streamID, ev.Type, ev.Payload, createdAt); err != nil {
			return fmt.Errorf("event append id %d: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

func (s *EventStore) Read(ctx context.Context, streamID string) iter.Seq2[store.StoredEvent, error] {
	return func(yield func(store.StoredEvent, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, event_type, payload, created_at
			FROM events
			WHERE stream_id = $1
			ORDER BY id`, streamID)
		if err != nil {
			yield(store.StoredEvent{}, fmt.Errorf("event read: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var ev store.StoredEvent
			if err := rows.Scan(&ev.ID, &ev.Type, &ev.Payload, &ev.CreatedAt); err != nil {
				yield(store.StoredEvent{}, fmt.Errorf("event read row: %w", err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(store.StoredEvent{}, err)
		}
	}
}

func (s *EventStore) HealthCheck(ctx context.Context) error { return s.db.HealthCheck(ctx) }
