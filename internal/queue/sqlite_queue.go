package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// SQLiteQueue implements JobQueue on the shared SQLite database. The
// queue_messages table is the append-only log; queue_deliveries tracks
// per-consumer-group claim state so independent groups replay the same
// log at their own pace.
type SQLiteQueue struct {
	db     *database.DB
	cfg    Config
	logger *slog.Logger
}

// NewSQLiteQueue creates a queue backed by the given database.
func NewSQLiteQueue(db *database.DB, cfg Config, logger *slog.Logger) *SQLiteQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteQueue{
		db:     db,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "queue"),
	}
}

// Enqueue appends a message, deduplicating on the idempotence key within
// the configured TTL. The dedup check and the append happen in one
// transaction so concurrent enqueues of the same key cannot both land.
func (q *SQLiteQueue) Enqueue(ctx context.Context, stream string, payload []byte, idempotenceKey string) (EnqueueAck, error) {
	if stream == "" {
		return EnqueueAck{}, types.NewError(types.QUEUE_ENQUEUE_FAILED, "stream name cannot be empty")
	}

	var ack EnqueueAck
	now := time.Now().UTC()

	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		if idempotenceKey != "" {
			var existingID string
			var expiresAt time.Time
			err := tx.QueryRowContext(ctx,
				"SELECT message_id, expires_at FROM queue_dedup WHERE stream = ? AND idempotence_key = ?",
				stream, idempotenceKey).Scan(&existingID, &expiresAt)
			switch {
			case err == nil && expiresAt.After(now):
				ack = EnqueueAck{MessageID: types.ID(existingID), Duplicate: true}
				return nil
			case err != nil && err != sql.ErrNoRows:
				return err
			}
		}

		id := types.NewID()
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO queue_messages (id, stream, payload, idempotence_key, enqueued_at) VALUES (?, ?, ?, ?, ?)",
			id, stream, payload, idempotenceKey, now); err != nil {
			return err
		}

		if idempotenceKey != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO queue_dedup (stream, idempotence_key, message_id, expires_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(stream, idempotence_key) DO UPDATE SET
					message_id = excluded.message_id,
					expires_at = excluded.expires_at`,
				stream, idempotenceKey, id, now.Add(q.cfg.DedupTTL)); err != nil {
				return err
			}
		}

		ack = EnqueueAck{MessageID: id, Duplicate: false}
		return nil
	})
	if err != nil {
		return EnqueueAck{}, types.WrapRetryableError(types.QUEUE_ENQUEUE_FAILED,
			fmt.Sprintf("enqueue to stream %q failed", stream), err)
	}

	if ack.Duplicate {
		q.logger.Debug("deduplicated enqueue",
			"stream", stream, "idempotence_key", idempotenceKey, "message_id", ack.MessageID)
	}
	return ack, nil
}

// Consume claims up to max deliverable messages, polling until the block
// time elapses or at least one message is claimed.
func (q *SQLiteQueue) Consume(ctx context.Context, stream, group, consumer string, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}

	deadline := time.Now().Add(q.cfg.BlockTime)
	for {
		deliveries, err := q.claim(ctx, stream, group, consumer, max)
		if err != nil {
			return nil, types.WrapRetryableError(types.QUEUE_CONSUME_FAILED,
				fmt.Sprintf("consume from stream %q failed", stream), err)
		}
		if len(deliveries) > 0 || time.Now().After(deadline) {
			return deliveries, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// claim selects claimable messages and claims each with a guarded upsert.
// The guard makes the claim atomic per message: a concurrent consumer in
// the same group loses the conflict and claims nothing.
func (q *SQLiteQueue) claim(ctx context.Context, stream, group, consumer string, max int) ([]Delivery, error) {
	now := time.Now().UTC()

	rows, err := q.db.QueryContext(ctx, `
		SELECT m.id, m.payload, m.idempotence_key, m.enqueued_at,
			COALESCE(d.delivery_count, 0), COALESCE(d.failure_count, 0),
			d.message_id IS NULL
		FROM queue_messages m
		LEFT JOIN queue_deliveries d ON d.message_id = m.id AND d.consumer_group = ?
		WHERE m.stream = ?
			AND (d.message_id IS NULL
				OR (d.state IN ('queued', 'delivered') AND d.visible_at <= ?))
		ORDER BY m.rowid
		LIMIT ?`, group, stream, now, max)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		msg           Message
		deliveryCount int
		failureCount  int
		fresh         bool
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		c.msg.Stream = stream
		if err := rows.Scan(&c.msg.ID, &c.msg.Payload, &c.msg.IdempotenceKey,
			&c.msg.EnqueuedAt, &c.deliveryCount, &c.failureCount, &c.fresh); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	visibleAt := now.Add(q.cfg.AckWait)
	var out []Delivery
	for _, c := range candidates {
		res, err := q.db.ExecContext(ctx, `
			INSERT INTO queue_deliveries (message_id, consumer_group, state, delivery_count, failure_count, visible_at, claimed_by, updated_at)
			VALUES (?, ?, 'delivered', 1, 0, ?, ?, ?)
			ON CONFLICT(message_id, consumer_group) DO UPDATE SET
				state = 'delivered',
				delivery_count = queue_deliveries.delivery_count + 1,
				visible_at = excluded.visible_at,
				claimed_by = excluded.claimed_by,
				updated_at = excluded.updated_at
			WHERE queue_deliveries.state IN ('queued', 'delivered')
				AND queue_deliveries.visible_at <= ?`,
			c.msg.ID, group, visibleAt, consumer, now, now)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			// Lost the claim race to another consumer.
			continue
		}

		deliveryCount := c.deliveryCount + 1
		if deliveryCount > q.cfg.MaxDeliver {
			// Redelivery loop without acks or nacks (repeated consumer
			// crashes). Route to the dead-letter path instead.
			if err := q.markDead(ctx, group, c.msg.ID, "max deliveries exceeded"); err != nil {
				return nil, err
			}
			q.logger.Warn("message dead-lettered after max deliveries",
				"message_id", c.msg.ID, "stream", stream, "deliveries", deliveryCount)
			continue
		}

		out = append(out, Delivery{
			Message:       c.msg,
			DeliveryCount: deliveryCount,
			FailureCount:  c.failureCount,
			ClaimedBy:     consumer,
		})
	}
	return out, nil
}

// Ack marks a delivered message as processed.
func (q *SQLiteQueue) Ack(ctx context.Context, group string, messageID types.ID) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE queue_deliveries SET state = 'acked', updated_at = ? WHERE message_id = ? AND consumer_group = ? AND state = 'delivered'",
		time.Now().UTC(), messageID, group)
	if err != nil {
		return types.WrapRetryableError(types.QUEUE_ACK_FAILED, "ack failed", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return types.NewError(types.QUEUE_ACK_FAILED,
			fmt.Sprintf("no in-flight delivery of message %s for group %s", messageID, group))
	}
	return nil
}

// Nack returns a delivery to the stream. Error nacks count toward the
// dead-letter threshold; preemption and pause requeue without penalty.
func (q *SQLiteQueue) Nack(ctx context.Context, group string, messageID types.ID, reason string) error {
	now := time.Now().UTC()
	penalize := reason == NackError

	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var failureCount int
		err := tx.QueryRowContext(ctx,
			"SELECT failure_count FROM queue_deliveries WHERE message_id = ? AND consumer_group = ? AND state = 'delivered'",
			messageID, group).Scan(&failureCount)
		if err == sql.ErrNoRows {
			return types.NewError(types.QUEUE_ACK_FAILED,
				fmt.Sprintf("no in-flight delivery of message %s for group %s", messageID, group))
		}
		if err != nil {
			return err
		}

		if penalize {
			failureCount++
		}

		state := "queued"
		if penalize && failureCount >= q.cfg.MaxDeliver {
			state = "dead"
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE queue_deliveries
			SET state = ?, failure_count = ?, visible_at = ?, last_error = ?, updated_at = ?
			WHERE message_id = ? AND consumer_group = ?`,
			state, failureCount, now.Add(q.cfg.RetryDelay), reason, now, messageID, group)
		if err != nil {
			return err
		}

		if state == "dead" {
			q.logger.Warn("message dead-lettered",
				"message_id", messageID, "group", group, "failures", failureCount)
		}
		return nil
	})
	if err != nil {
		if fdErr, ok := err.(*types.FlightdeckError); ok {
			return fdErr
		}
		return types.WrapRetryableError(types.QUEUE_ACK_FAILED, "nack failed", err)
	}
	return nil
}

// Depth returns the number of messages currently claimable by the group.
func (q *SQLiteQueue) Depth(ctx context.Context, stream, group string) (int, error) {
	var depth int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM queue_messages m
		LEFT JOIN queue_deliveries d ON d.message_id = m.id AND d.consumer_group = ?
		WHERE m.stream = ?
			AND (d.message_id IS NULL
				OR (d.state IN ('queued', 'delivered') AND d.visible_at <= ?))`,
		group, stream, time.Now().UTC()).Scan(&depth)
	if err != nil {
		return 0, types.WrapRetryableError(types.QUEUE_CONSUME_FAILED, "depth query failed", err)
	}
	return depth, nil
}

// ListDeadLetters returns dead-lettered messages for the group, oldest first.
func (q *SQLiteQueue) ListDeadLetters(ctx context.Context, stream, group string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT m.id, m.payload, m.idempotence_key, m.enqueued_at
		FROM queue_messages m
		JOIN queue_deliveries d ON d.message_id = m.id AND d.consumer_group = ?
		WHERE m.stream = ? AND d.state = 'dead'
		ORDER BY m.rowid
		LIMIT ?`, group, stream, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg := Message{Stream: stream}
		if err := rows.Scan(&msg.ID, &msg.Payload, &msg.IdempotenceKey, &msg.EnqueuedAt); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// RequeueDeadLetters returns dead-lettered messages to the stream with
// reset delivery and failure counts.
func (q *SQLiteQueue) RequeueDeadLetters(ctx context.Context, group string, messageIDs []types.ID) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	placeholders := make([]string, len(messageIDs))
	args := make([]interface{}, 0, len(messageIDs)+3)
	args = append(args, now, now, group)
	for i, id := range messageIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}

	res, err := q.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE queue_deliveries
		SET state = 'queued', delivery_count = 0, failure_count = 0, visible_at = ?, updated_at = ?
		WHERE consumer_group = ? AND state = 'dead' AND message_id IN (%s)`,
		strings.Join(placeholders, ",")), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue dead letters: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		q.logger.Info("requeued dead letters", "group", group, "count", affected)
	}
	return int(affected), nil
}

// CleanupDedup removes expired idempotence-key records.
func (q *SQLiteQueue) CleanupDedup(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		"DELETE FROM queue_dedup WHERE expires_at <= ?", time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up dedup records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// markDead routes a message to the dead-letter state.
func (q *SQLiteQueue) markDead(ctx context.Context, group string, messageID types.ID, reason string) error {
	_, err := q.db.ExecContext(ctx,
		"UPDATE queue_deliveries SET state = 'dead', last_error = ?, updated_at = ? WHERE message_id = ? AND consumer_group = ?",
		reason, time.Now().UTC(), messageID, group)
	return err
}

// Ensure SQLiteQueue implements JobQueue at compile time.
var _ JobQueue = (*SQLiteQueue)(nil)
