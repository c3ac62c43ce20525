package queue

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported is returned by providers for operations their transport cannot do.
var ErrUnsupported = errors.New("operation not supported by queue provider")

// EnqueueOptions control how a batch is enqueued.
type EnqueueOptions struct {
	// GroupKey orders the batch relative to other messages with the same key.
	GroupKey string
	// EnqueueTime delays delivery until the given time. Zero means now.
	EnqueueTime time.Time
	// Score overrides the enqueue sequence as the delivery order. Lower
	// scores are delivered first.
	Score *float64
}

// Provider is one queue on one transport. Messages sharing a group key are
// delivered in enqueue order and never concurrently.
type Provider interface {
	// Queue returns the queue name this provider serves.
	Queue() string
	// RequiresGroupKey reports whether every Enqueue must carry a group key.
	RequiresGroupKey() bool
	// Warmup blocks until the transport is reachable.
	Warmup(ctx context.Context) error
	CountQueuedMessages(ctx context.Context) (int64, error)
	Enqueue(ctx context.Context, messages []Message, opts EnqueueOptions) error
	// Dequeue waits up to wait for a message. It returns nil, nil when none arrived.
	Dequeue(ctx context.Context, wait time.Duration) (*ReceivedMessage, error)
	// Delete acknowledges a message so it is never delivered again.
	Delete(ctx context.Context, m *ReceivedMessage) error
	// Reject returns a message to the queue for redelivery.
	Reject(ctx context.Context, m *ReceivedMessage) error
	PurgeQueue(ctx context.Context) error
	// Test round-trips a probe through the transport.
	Test(ctx context.Context) error
	Close() error
}
