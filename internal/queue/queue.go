// Package queue implements the durable job queue: an append-only message
// log with consumer-group delivery tracking, idempotence-key deduplication,
// ack-wait redelivery, and a dead-letter path for poison messages.
//
// Delivery semantics are at-least-once. A message is redelivered whenever
// its ack-wait expires or a consumer nacks it; consumers must therefore be
// idempotent (task execution resumes from checkpoints rather than
// restarting). A message whose failure count reaches MaxDeliver is routed
// to the dead-letter state and never retried automatically.
package queue

import (
	"context"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// Nack reasons. Only NackError counts toward the dead-letter threshold;
// preemption and pause are not failures and must not poison the message.
const (
	NackError     = "error"
	NackPreempted = "preempted"
	NackPaused    = "paused"
)

// Message is a unit of work carried by a stream.
type Message struct {
	ID             types.ID  `json:"id"`
	Stream         string    `json:"stream"`
	Payload        []byte    `json:"payload"`
	IdempotenceKey string    `json:"idempotence_key"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// EnqueueAck acknowledges an enqueue. Duplicate is true when the
// idempotence key was already seen inside the dedup TTL; MessageID then
// refers to the original message.
type EnqueueAck struct {
	MessageID types.ID `json:"message_id"`
	Duplicate bool     `json:"duplicate"`
}

// Delivery is one claimed message plus its delivery bookkeeping.
type Delivery struct {
	Message       Message
	DeliveryCount int
	FailureCount  int
	ClaimedBy     string
}

// JobQueue is the durable, at-least-once delivery channel between the
// scheduler and the worker pool.
type JobQueue interface {
	// Enqueue appends a message to the stream. A non-empty idempotence
	// key already seen within the dedup TTL is silently deduplicated and
	// the original ack returned.
	Enqueue(ctx context.Context, stream string, payload []byte, idempotenceKey string) (EnqueueAck, error)

	// Consume claims up to max deliverable messages for the consumer
	// group, blocking up to the configured block time when the stream is
	// empty. Redelivery of expired claims happens here: a message whose
	// ack-wait has lapsed becomes claimable again.
	Consume(ctx context.Context, stream, group, consumer string, max int) ([]Delivery, error)

	// Ack marks a delivery as successfully processed.
	Ack(ctx context.Context, group string, messageID types.ID) error

	// Nack returns a delivery to the stream. With reason NackError the
	// failure count increments and the message dead-letters once it
	// reaches MaxDeliver; other reasons requeue without penalty.
	Nack(ctx context.Context, group string, messageID types.ID, reason string) error

	// Depth returns the number of messages currently claimable by the
	// consumer group.
	Depth(ctx context.Context, stream, group string) (int, error)

	// ListDeadLetters returns dead-lettered messages for the group.
	ListDeadLetters(ctx context.Context, stream, group string, limit int) ([]Message, error)

	// RequeueDeadLetters returns dead-lettered messages to the stream
	// with a reset failure count. Intended for operator use.
	RequeueDeadLetters(ctx context.Context, group string, messageIDs []types.ID) (int, error)

	// CleanupDedup removes expired idempotence-key records and returns
	// the number removed.
	CleanupDedup(ctx context.Context) (int, error)
}

// Config holds queue tuning knobs.
type Config struct {
	// DedupTTL is the window within which a repeated idempotence key is
	// treated as a duplicate. Default 24h.
	DedupTTL time.Duration

	// AckWait is how long a claimed message stays invisible before it is
	// redelivered to another consumer.
	AckWait time.Duration

	// MaxDeliver caps error-driven redeliveries before dead-lettering.
	MaxDeliver int

	// RetryDelay is the visibility delay applied to nacked messages.
	RetryDelay time.Duration

	// BlockTime bounds how long Consume blocks waiting for messages.
	BlockTime time.Duration

	// PollInterval is the sleep between claim attempts while blocking.
	PollInterval time.Duration
}

// DefaultConfig returns production defaults for the queue.
func DefaultConfig() Config {
	return Config{
		DedupTTL:     24 * time.Hour,
		AckWait:      30 * time.Second,
		MaxDeliver:   5,
		RetryDelay:   2 * time.Second,
		BlockTime:    2 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DedupTTL <= 0 {
		c.DedupTTL = d.DedupTTL
	}
	if c.AckWait <= 0 {
		c.AckWait = d.AckWait
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = d.MaxDeliver
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.BlockTime <= 0 {
		c.BlockTime = d.BlockTime
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}
