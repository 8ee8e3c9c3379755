package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/types"
)

func testConfig() Config {
	return Config{
		DedupTTL:     time.Hour,
		AckWait:      50 * time.Millisecond,
		MaxDeliver:   2,
		RetryDelay:   10 * time.Millisecond,
		BlockTime:    30 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}
}

func newTestQueue(t *testing.T, cfg Config) *SQLiteQueue {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.NewMigrator(db).Migrate(context.Background()))
	return NewSQLiteQueue(db, cfg, nil)
}

func TestEnqueueDeduplicates(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "tasks", []byte(`{"n":1}`), "key-1")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := q.Enqueue(ctx, "tasks", []byte(`{"n":1}`), "key-1")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MessageID, second.MessageID)

	third, err := q.Enqueue(ctx, "tasks", []byte(`{"n":2}`), "key-2")
	require.NoError(t, err)
	assert.False(t, third.Duplicate)
	assert.NotEqual(t, first.MessageID, third.MessageID)
}

func TestEnqueueRequiresStream(t *testing.T) {
	q := newTestQueue(t, testConfig())
	_, err := q.Enqueue(context.Background(), "", []byte("x"), "")
	assert.Error(t, err)
}

func TestConsumeAndAck(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	ack, err := q.Enqueue(ctx, "tasks", []byte("payload"), "k")
	require.NoError(t, err)

	deliveries, err := q.Consume(ctx, "tasks", "workers", "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, ack.MessageID, deliveries[0].Message.ID)
	assert.Equal(t, 1, deliveries[0].DeliveryCount)
	assert.Equal(t, "worker-1", deliveries[0].ClaimedBy)
	assert.Equal(t, []byte("payload"), deliveries[0].Message.Payload)

	require.NoError(t, q.Ack(ctx, "workers", ack.MessageID))

	// Acked messages are not redelivered.
	again, err := q.Consume(ctx, "tasks", "workers", "worker-1", 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Double ack is an error.
	assert.Error(t, q.Ack(ctx, "workers", ack.MessageID))
}

func TestConsumerGroupsAreIndependent(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	ack, err := q.Enqueue(ctx, "tasks", []byte("x"), "")
	require.NoError(t, err)

	a, err := q.Consume(ctx, "tasks", "group-a", "a-1", 10)
	require.NoError(t, err)
	require.Len(t, a, 1)
	require.NoError(t, q.Ack(ctx, "group-a", ack.MessageID))

	// group-b replays the same log independently.
	b, err := q.Consume(ctx, "tasks", "group-b", "b-1", 10)
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, ack.MessageID, b[0].Message.ID)
}

func TestAckWaitRedelivery(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "tasks", []byte("x"), "")
	require.NoError(t, err)

	first, err := q.Consume(ctx, "tasks", "workers", "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Unacked; after the ack-wait lapses another worker claims it.
	time.Sleep(60 * time.Millisecond)
	second, err := q.Consume(ctx, "tasks", "workers", "worker-2", 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].DeliveryCount)
	assert.Equal(t, "worker-2", second[0].ClaimedBy)
}

func TestNackErrorDeadLetters(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	ack, err := q.Enqueue(ctx, "tasks", []byte("poison"), "")
	require.NoError(t, err)

	// MaxDeliver is 2: two error nacks route the message to dead letters.
	d, err := q.Consume(ctx, "tasks", "workers", "w", 1)
	require.NoError(t, err)
	require.Len(t, d, 1)
	require.NoError(t, q.Nack(ctx, "workers", ack.MessageID, NackError))

	time.Sleep(20 * time.Millisecond)
	d, err = q.Consume(ctx, "tasks", "workers", "w", 1)
	require.NoError(t, err)
	require.Len(t, d, 1)
	assert.Equal(t, 1, d[0].FailureCount)
	require.NoError(t, q.Nack(ctx, "workers", ack.MessageID, NackError))

	time.Sleep(20 * time.Millisecond)
	d, err = q.Consume(ctx, "tasks", "workers", "w", 1)
	require.NoError(t, err)
	assert.Empty(t, d)

	dead, err := q.ListDeadLetters(ctx, "tasks", "workers", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, ack.MessageID, dead[0].ID)
}

func TestNackPreemptedCarriesNoPenalty(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDeliver = 10
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	ack, err := q.Enqueue(ctx, "tasks", []byte("x"), "")
	require.NoError(t, err)

	// Far more preemption nacks than MaxDeliver; the message must survive.
	for i := 0; i < 5; i++ {
		d, err := q.Consume(ctx, "tasks", "workers", "w", 1)
		require.NoError(t, err)
		require.Len(t, d, 1, "iteration %d", i)
		assert.Equal(t, 0, d[0].FailureCount)
		require.NoError(t, q.Nack(ctx, "workers", ack.MessageID, NackPreempted))
		time.Sleep(15 * time.Millisecond)
	}

	dead, err := q.ListDeadLetters(ctx, "tasks", "workers", 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestRequeueDeadLetters(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	ack, err := q.Enqueue(ctx, "tasks", []byte("x"), "")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		d, err := q.Consume(ctx, "tasks", "workers", "w", 1)
		require.NoError(t, err)
		require.Len(t, d, 1)
		require.NoError(t, q.Nack(ctx, "workers", ack.MessageID, NackError))
		time.Sleep(15 * time.Millisecond)
	}

	count, err := q.RequeueDeadLetters(ctx, "workers", []types.ID{ack.MessageID})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	d, err := q.Consume(ctx, "tasks", "workers", "w", 1)
	require.NoError(t, err)
	require.Len(t, d, 1)
	assert.Equal(t, 0, d[0].FailureCount)
}

func TestDepth(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "tasks", []byte{byte(i)}, "")
		require.NoError(t, err)
	}

	depth, err := q.Depth(ctx, "tasks", "workers")
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	d, err := q.Consume(ctx, "tasks", "workers", "w", 1)
	require.NoError(t, err)
	require.Len(t, d, 1)
	require.NoError(t, q.Ack(ctx, "workers", d[0].Message.ID))

	depth, err = q.Depth(ctx, "tasks", "workers")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestCleanupDedup(t *testing.T) {
	cfg := testConfig()
	cfg.DedupTTL = 10 * time.Millisecond
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "tasks", []byte("x"), "short-lived")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	removed, err := q.CleanupDedup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// After cleanup the key is fresh again.
	ack, err := q.Enqueue(ctx, "tasks", []byte("x"), "short-lived")
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
}
