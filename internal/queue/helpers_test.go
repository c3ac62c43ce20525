package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// setupTestRedis starts a miniredis instance and a client connected to it.
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func nextPoints(t *testing.T, experimentID int64) Message {
	t.Helper()
	m, err := NewMessage(MessageTypeNextPoints, NextPointsPayload{ExperimentID: experimentID})
	require.NoError(t, err)
	return m
}

func optimizeMessage(t *testing.T, experimentID int64) Message {
	t.Helper()
	m, err := NewMessage(MessageTypeOptimize, OptimizePayload{ExperimentID: experimentID})
	require.NoError(t, err)
	return m
}

func experimentOf(t *testing.T, m *ReceivedMessage) int64 {
	t.Helper()
	require.NotNil(t, m)
	p, err := DecodeBody[NextPointsPayload](m.Message)
	require.NoError(t, err)
	return p.ExperimentID
}

// recordingHandler records handled messages and answers with fn.
type recordingHandler struct {
	t  MessageType
	fn func(ctx context.Context, m Message) error

	mu      sync.Mutex
	handled []Message
}

func (h *recordingHandler) MessageType() MessageType { return h.t }

func (h *recordingHandler) Handle(ctx context.Context, m Message) error {
	h.mu.Lock()
	h.handled = append(h.handled, m)
	h.mu.Unlock()
	if h.fn != nil {
		return h.fn(ctx, m)
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

// fakeProvider records enqueued batches.
type fakeProvider struct {
	queue        string
	requireGroup bool
	enqueueErr   error

	batches [][]Message
	opts    []EnqueueOptions
}

func (p *fakeProvider) Queue() string                    { return p.queue }
func (p *fakeProvider) RequiresGroupKey() bool           { return p.requireGroup }
func (p *fakeProvider) Warmup(context.Context) error     { return nil }
func (p *fakeProvider) PurgeQueue(context.Context) error { return nil }
func (p *fakeProvider) Test(context.Context) error       { return nil }
func (p *fakeProvider) Close() error                     { return nil }

func (p *fakeProvider) CountQueuedMessages(context.Context) (int64, error) {
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return int64(n), nil
}

func (p *fakeProvider) Enqueue(_ context.Context, messages []Message, opts EnqueueOptions) error {
	if p.enqueueErr != nil {
		return p.enqueueErr
	}
	p.batches = append(p.batches, messages)
	p.opts = append(p.opts, opts)
	return nil
}

func (p *fakeProvider) Dequeue(context.Context, time.Duration) (*ReceivedMessage, error) {
	return nil, errors.New("fake provider does not deliver")
}

func (p *fakeProvider) Delete(context.Context, *ReceivedMessage) error { return nil }
func (p *fakeProvider) Reject(context.Context, *ReceivedMessage) error { return nil }
