// Package redis backs the inbox and outbox with Redis: the inbox as a
// SET NX keyspace with per-entry TTL, the outbox as a hash per row plus a
// sorted set indexing pending ids.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"relaykit/internal/store"
)

// Client wraps the go-redis client with the connection defaults this module
// uses everywhere.
type Client struct {
	*redis.Client
}

func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 5
	opts.ConnMaxLifetime = 1 * time.Hour

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Client{Client: client}, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// Inbox implements store.InboxStore. Each processed id is a key with TTL, so
// Redis handles retention and Contains is one GET away.
type Inbox struct {
	client *Client
	prefix string
}

var _ store.InboxStore = (*Inbox)(nil)

func NewInbox(client *Client) *Inbox {
	return &Inbox{client: client, prefix: "inbox:"}
}

func (i *Inbox) key(messageID int64) string {
	return i.prefix + strconv.FormatInt(messageID, 10)
}

func (i *Inbox) Contains(ctx context.Context, messageID int64) (bool, error) {
	n, err := i.client.Exists(ctx, i.key(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("inbox contains: %w", err)
	}
	return n > 0, nil
}

func (i *Inbox) Record(ctx context.Context, messageID int64, ttl time.Duration) error {
	// NX keeps the original expiry when two consumers race on the same id.
	if err := i.client.SetNX(ctx, i.key(messageID), 1, ttl).Err(); err != nil {
		return fmt.Errorf("inbox record: %w", err)
	}
	return nil
}

func (i *Inbox) HealthCheck(ctx context.Context) error { return i.client.HealthCheck(ctx) }

// Outbox implements store.OutboxStore. Rows live in hashes keyed by id; a
// sorted set scored by id orders the pending scan, matching the time order
// snowflake ids carry.
type Outbox struct {
	client      *Client
	maxAttempts int
}

var _ store.OutboxStore = (*Outbox)(nil)

const (
	outboxRowPrefix  = "outbox:row:"
	outboxPendingKey = "outbox:pending"
	outboxDefaultMax = 5
)

func NewOutbox(client *Client) *Outbox {
	return &Outbox{client: client, maxAttempts: outboxDefaultMax}
}

func NewOutboxWithMaxAttempts(client *Client, maxAttempts int) *Outbox {
	if maxAttempts <= 0 {
		maxAttempts = outboxDefaultMax
	}
	return &Outbox{client: client, maxAttempts: maxAttempts}
}

func rowKey(id int64) string { return outboxRowPrefix + strconv.FormatInt(id, 10) }

func (o *Outbox) Add(ctx context.Context, row store.OutboxRow) error {
	if row.Status == "" {
		row.Status = store.OutboxPending
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}

	key := rowKey(row.ID)
	ok, err := o.client.HSetNX(ctx, key, "id", row.ID).Result()
	if err != nil {
		return fmt.Errorf("outbox add: %w", err)
	}
	if !ok {
		return fmt.Errorf("outbox add: duplicate row id %d", row.ID)
	}

	pipe := o.client.TxPipeline()
	pipe.HSet(ctx, key,
		"type", row.Type,
		"payload", row.Payload,
		"status", string(row.Status),
		"created_at", row.CreatedAt.UnixNano(),
		"attempt_count", row.AttemptCount,
		"last_error", row.LastError,
	)
	pipe.ZAdd(ctx, outboxPendingKey, redis.Z{Score: float64(row.ID), Member: row.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outbox add: %w", err)
	}
	return nil
}

func (o *Outbox) GetPending(ctx context.Context, maxCount int) ([]store.OutboxRow, error) {
	ids, err := o.client.ZRangeByScore(ctx, outboxPendingKey, &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Count: int64(maxCount),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("outbox scan: %w", err)
	}

	rows := make([]store.OutboxRow, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		row, err := o.getRow(ctx, id)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Row hash vanished; drop the dangling index entry.
				o.client.ZRem(ctx, outboxPendingKey, id)
				continue
			}
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (o *Outbox) getRow(ctx context.Context, id int64) (store.OutboxRow, error) {
	vals, err := o.client.HGetAll(ctx, rowKey(id)).Result()
	if err != nil {
		return store.OutboxRow{}, fmt.Errorf("outbox read row %d: %w", id, err)
	}
	if len(vals) == 0 {
		return store.OutboxRow{}, redis.Nil
	}

	attempts, _ := strconv.Atoi(vals["attempt_count"])
	createdNanos, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	return store.OutboxRow{
		ID:           id,
		Type:         vals["type"],
		Payload:      []byte(vals["payload"]),
		Status:       store.OutboxStatus(vals["status"]),
		CreatedAt:    time.Unix(0, createdNanos),
		LastError:    vals["last_error"],
		AttemptCount: attempts,
	}, nil
}

func (o *Outbox) MarkPublished(ctx context.Context, id int64) error {
	pipe := o.client.TxPipeline()
	pipe.HSet(ctx, rowKey(id), "status", string(store.OutboxPublished))
	pipe.ZRem(ctx, outboxPendingKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outbox mark published %d: %w", id, err)
	}
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, id int64, cause error) error {
	key := rowKey(id)
	attempts, err := o.client.HIncrBy(ctx, key, "attempt_count", 1).Result()
	if err != nil {
		return fmt.Errorf("outbox mark failed %d: %w", id, err)
	}

	fields := []any{}
	if cause != nil {
		fields = append(fields, "last_error", cause.Error())
	}
	if int(attempts) >= o.maxAttempts {
		fields = append(fields, "status", string(store.OutboxFailed))
	}

	pipe := o.client.TxPipeline()
	if len(fields) > 0 {
		pipe.HSet(ctx, key, fields...)
	}
	if int(attempts) >= o.maxAttempts {
		pipe.ZRem(ctx, outboxPendingKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outbox mark failed %d: %w", id, err)
	}
	return nil
}

func (o *Outbox) DeletePublished(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention).UnixNano()

	var cursor uint64
	for {
		keys, next, err := o.client.Scan(ctx, cursor, outboxRowPrefix+"*", 200).Result()
		if err != nil {
			return fmt.Errorf("outbox cleanup scan: %w", err)
		}
		for _, key := range keys {
			vals, err := o.client.HMGet(ctx, key, "status", "created_at").Result()
			if err != nil || len(vals) != 2 || vals[0] == nil || vals[1] == nil {
				continue
			}
			status, _ := vals[0].(string)
			createdStr, _ := vals[1].(string)
			created, _ := strconv.ParseInt(createdStr, 10, 64)
			if status == string(store.OutboxPublished) && created < cutoff {
				o.client.Del(ctx, key)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (o *Outbox) HealthCheck(ctx context.Context) error { return o.client.HealthCheck(ctx) }

// Row reads one row back, for tests and operational tooling.
func (o *Outbox) Row(ctx context.Context, id int64) (store.OutboxRow, bool, error) {
	row, err := o.getRow(ctx, id)
	if errors.Is(err, redis.Nil) {
		return store.OutboxRow{}, false, nil
	}
	if err != nil {
		return store.OutboxRow{}, false, err
	}
	return row, true, nil
}
