package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/hone/pkg/telemetry"
)

// DefaultLocalMaxAttempts is how often the local provider redelivers a
// rejected message before dropping it.
const DefaultLocalMaxAttempts = 3

// Dispatcher handles a message delivered by the local provider. It is
// responsible for calling Delete or Reject.
type Dispatcher func(ctx context.Context, m *ReceivedMessage) error

type localReceipt struct {
	attempts int
}

// LocalProvider is an in-process queue. With a dispatcher set, Enqueue drains
// the buffer synchronously unless the provider is corked; Uncork drains
// whatever accumulated. Without a dispatcher messages wait for Dequeue.
type LocalProvider struct {
	queue       string
	maxAttempts int
	logger      *slog.Logger

	mu       sync.Mutex
	buffer   []*ReceivedMessage
	corked   int
	draining bool
	dispatch Dispatcher
	notify   chan struct{}
}

func NewLocalProvider(queue string, logger *slog.Logger) *LocalProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProvider{
		queue:       queue,
		maxAttempts: DefaultLocalMaxAttempts,
		logger:      logger,
		notify:      make(chan struct{}, 1),
	}
}

// SetDispatcher installs the in-process handler used by Enqueue and Uncork.
func (p *LocalProvider) SetDispatcher(d Dispatcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatch = d
}

func (p *LocalProvider) Queue() string { return p.queue }

func (p *LocalProvider) RequiresGroupKey() bool { return false }

func (p *LocalProvider) Warmup(context.Context) error { return nil }

func (p *LocalProvider) CountQueuedMessages(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.buffer)), nil
}

// Cork suspends draining. Corks nest.
func (p *LocalProvider) Cork() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.corked++
}

// Uncork releases one cork and drains when none remain.
func (p *LocalProvider) Uncork(ctx context.Context) error {
	p.mu.Lock()
	if p.corked > 0 {
		p.corked--
	}
	p.mu.Unlock()
	return p.drain(ctx)
}

func (p *LocalProvider) Enqueue(ctx context.Context, messages []Message, opts EnqueueOptions) error {
	now := time.Now()
	p.mu.Lock()
	for _, m := range messages {
		p.buffer = append(p.buffer, &ReceivedMessage{
			Message:    m.Clone(),
			ID:         uuid.New().String(),
			Queue:      p.queue,
			GroupKey:   opts.GroupKey,
			EnqueuedAt: now,
			receipt:    &localReceipt{},
		})
		telemetry.MessagesEnqueued.WithLabelValues(p.queue, string(m.Type)).Inc()
	}
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return p.drain(ctx)
}

// drain dispatches buffered messages in order. A dispatch that enqueues more
// messages does not recurse: the outer drain picks them up.
func (p *LocalProvider) drain(ctx context.Context) error {
	p.mu.Lock()
	if p.draining || p.dispatch == nil || p.corked > 0 {
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	dispatch := p.dispatch
	p.mu.Unlock()

	var errs []error
	for {
		p.mu.Lock()
		if len(p.buffer) == 0 || p.corked > 0 {
			p.draining = false
			p.mu.Unlock()
			return errors.Join(errs...)
		}
		m := p.buffer[0]
		p.buffer = p.buffer[1:]
		p.mu.Unlock()

		if err := dispatch(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
}

func (p *LocalProvider) pop() *ReceivedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) == 0 {
		return nil
	}
	m := p.buffer[0]
	p.buffer = p.buffer[1:]
	return m
}

func (p *LocalProvider) Dequeue(ctx context.Context, wait time.Duration) (*ReceivedMessage, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if m := p.pop(); m != nil {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return p.pop(), nil
		case <-p.notify:
		}
	}
}

func (p *LocalProvider) Delete(context.Context, *ReceivedMessage) error { return nil }

// Reject puts the message back at the head of the buffer until it has been
// attempted maxAttempts times, then drops it.
func (p *LocalProvider) Reject(_ context.Context, m *ReceivedMessage) error {
	receipt, ok := m.receipt.(*localReceipt)
	if !ok {
		return fmt.Errorf("message %s was not delivered by a local provider", m.ID)
	}
	receipt.attempts++
	if receipt.attempts >= p.maxAttempts {
		p.logger.Error("dropping message after repeated rejection",
			"event", "message_dropped",
			"queue", p.queue,
			"message_id", m.ID,
			"message_type", m.Type,
			"attempts", receipt.attempts,
		)
		return nil
	}
	p.mu.Lock()
	p.buffer = append([]*ReceivedMessage{m}, p.buffer...)
	p.mu.Unlock()
	return nil
}

func (p *LocalProvider) PurgeQueue(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = nil
	return nil
}

// Test round-trips a probe envelope through its wire encoding.
func (p *LocalProvider) Test(context.Context) error {
	tag := uuid.New().String()
	probe, err := NewMessage(MessageTypeEmail, EmailPayload{Subject: "probe", Body: tag})
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{ID: tag, Message: probe})
	if err != nil {
		return fmt.Errorf("failed to marshal probe: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to unmarshal probe: %w", err)
	}
	if env.ID != tag {
		return fmt.Errorf("probe round trip mismatch on %s", p.queue)
	}
	return nil
}

func (p *LocalProvider) Close() error { return nil }
