package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestProvider(t *testing.T, rdb *redis.Client, clock *testClock) *RedisProvider {
	t.Helper()
	opts := RedisProviderOptions{
		VisibilityTimeout: time.Minute,
		PollInterval:      5 * time.Millisecond,
		WarmupTimeout:     time.Second,
	}
	if clock != nil {
		opts.Clock = clock.Now
	}
	p, err := NewRedisProvider(rdb, "test", "next-points", opts)
	require.NoError(t, err)
	return p
}

func TestNewRedisProvider_Validation(t *testing.T) {
	rdb, _ := setupTestRedis(t)

	_, err := NewRedisProvider(rdb, "", "q", RedisProviderOptions{})
	assert.Error(t, err)
	_, err = NewRedisProvider(rdb, "test", "", RedisProviderOptions{})
	assert.Error(t, err)
}

func TestRedisProvider_FIFO(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	p := newTestProvider(t, rdb, nil)
	ctx := context.Background()

	require.NoError(t, p.Warmup(ctx))
	require.NoError(t, p.Enqueue(ctx, []Message{nextPoints(t, 1), nextPoints(t, 2)}, EnqueueOptions{}))
	require.NoError(t, p.Enqueue(ctx, []Message{nextPoints(t, 3)}, EnqueueOptions{}))
	assert.True(t, mr.Exists("test:next-points"))

	n, err := p.CountQueuedMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, want := range []int64{1, 2, 3} {
		m, err := p.Dequeue(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, want, experimentOf(t, m))
		assert.Equal(t, "next-points", m.Queue)
		require.NoError(t, p.Delete(ctx, m))
	}

	m, err := p.Dequeue(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, m)

	inFlight, err := p.CountInFlightMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, inFlight)
}

func TestRedisProvider_GroupNotDeliveredConcurrently(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	p := newTestProvider(t, rdb, nil)
	ctx := context.Background()

	require.NoError(t, p.Enqueue(ctx, []Message{nextPoints(t, 7), nextPoints(t, 7)}, EnqueueOptions{GroupKey: "7"}))
	require.NoError(t, p.Enqueue(ctx, []Message{nextPoints(t, 8)}, EnqueueOptions{GroupKey: "8"}))

	first, err := p.Dequeue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "7", first.GroupKey)

	// Group 7 is in flight, so its second message is skipped.
	second, err := p.Dequeue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "8", second.GroupKey)

	none, err := p.Dequeue(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, p.Delete(ctx, first))
	third, err := p.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, "7", third.GroupKey)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestRedisProvider_RejectRedeliversInOrder(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	p := newTestProvider(t, rdb, nil)
	ctx := context.Background()

	require.NoError(t, p.Enqueue(ctx, []Message{nextPoints(t, 1), nextPoints(t, 2)}, EnqueueOptions{}))

	m, err := p.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, p.Reject(ctx, m))

	again, err := p.Dequeue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, m.ID, again.ID)
	assert.Equal(t, int64(1), experimentOf(t, again))

	require.NoError(t, p.Delete(ctx, again))
	err = p.Delete(ctx, again)
	assert.True(t, errors.Is(err, ErrNotInFlight))
	assert.True(t, errors.Is(p.Reject(ctx, again), ErrNotInFlight))

	assert.Error(t, p.Delete(ctx, &ReceivedMessage{ID: "foreign", receipt: 12}))
}

func TestRedisProvider_Score(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	p := newTestProvider(t, rdb, nil)
	ctx := context.Background()

	low := 0.5
	require.NoError(t, p.Enqueue(ctx, []Message{nextPoints(t, 1)}, EnqueueOptions{}))
	require.NoError(t, p.Enqueue(ctx, []Message{nextPoints(t, 2), nextPoints(t, 3)}, EnqueueOptions{Score: &low}))

	for _, want := range []int64{2, 3, 1} {
		m, err := p.Dequeue(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, want, experimentOf(t, m))
	}
}

func TestRedisProvider_EnqueueTimeDelaysDelivery(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := newTestProvider(t, rdb, clock)
	ctx := context.Background()

	require.NoError(t, p.Enqueue(ctx, []Message{nextPoints(t, 1)}, EnqueueOptions{EnqueueTime: clock.now.Add(time.Minute)}))

	m, err := p.Dequeue(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, m)

	clock.now = clock.now.Add(2 * time.Minute)
	m, err = p.Dequeue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), experimentOf(t, m))
}

func TestRedisProvider_RecoverExpired(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := newTestProvider(t, rdb, clock)
	ctx := context.Background()

	require.NoError(t, p.Enqueue(ctx, []Message{nextPoints(t, 4)}, EnqueueOptions{GroupKey: "4"}))
	m, err := p.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, m)

	recovered, err := p.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered, "visibility timeout has not lapsed")

	clock.now = clock.now.Add(2 * time.Minute)
	mr.FastForward(2 * time.Minute)
	recovered, err = p.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	again, err := p.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, m.ID, again.ID)
	assert.Equal(t, "4", again.GroupKey)
}

func TestRedisProvider_PurgeAndTest(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	p := newTestProvider(t, rdb, nil)
	ctx := context.Background()

	require.NoError(t, p.Enqueue(ctx, []Message{nextPoints(t, 1), nextPoints(t, 2)}, EnqueueOptions{}))
	require.NoError(t, p.Test(ctx))

	n, err := p.CountQueuedMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "the probe never touches the queue")
	for _, k := range mr.Keys() {
		assert.NotContains(t, k, ":probe:")
	}

	require.NoError(t, p.PurgeQueue(ctx))
	n, err = p.CountQueuedMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisProvider_DequeueHonoursContext(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	p := newTestProvider(t, rdb, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Dequeue(ctx, time.Second)
	assert.Error(t, err)
}
