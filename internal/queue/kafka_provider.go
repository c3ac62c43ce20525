package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// HeaderCarrier adapts Kafka headers to a trace propagation carrier.
type HeaderCarrier []kafka.Header

func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set writes key/value, replacing any existing header with the same key.
func (c *HeaderCarrier) Set(key, value string) {
	filtered := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			filtered = append(filtered, h)
		}
	}
	*c = append(filtered, kafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}

// KafkaProviderOptions configure a KafkaProvider.
type KafkaProviderOptions struct {
	Brokers       []string
	ConsumerGroup string
	WarmupTimeout time.Duration
	Logger        *slog.Logger
}

func (o KafkaProviderOptions) withDefaults(queue string) KafkaProviderOptions {
	if o.ConsumerGroup == "" {
		o.ConsumerGroup = "hone-" + queue
	}
	if o.WarmupTimeout <= 0 {
		o.WarmupTimeout = DefaultWarmupTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// kafkaReader is the consuming half of kafka.Reader.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
	Close() error
}

// kafkaWriter is the producing half of kafka.Writer.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProvider maps a queue onto a topic of the same name. The group key is
// the message key, so the hash balancer keeps each group on one partition.
//
// Delivery is serialized: at most one message per provider is outstanding
// between Dequeue and Delete or Reject. Consumers sharing the provider wait
// their turn. Committing an offset commits everything before it on the
// partition, so a later message is never fetched while an earlier one can
// still fail. Delete commits the offset. Reject commits nothing and the same
// message is delivered again by the next Dequeue, ahead of its successors.
type KafkaProvider struct {
	queue   string
	brokers []string
	writer  kafkaWriter
	reader  kafkaReader
	opts    KafkaProviderOptions

	// slot holds a token while a delivered message awaits Delete or Reject.
	slot chan struct{}

	mu      sync.Mutex
	pending *kafka.Message // rejected, served before fetching again
}

func NewKafkaProvider(queue string, opts KafkaProviderOptions) (*KafkaProvider, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka provider for %s needs at least one broker", queue)
	}
	opts = opts.withDefaults(queue)

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Topic:                  queue,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        opts.Brokers,
		Topic:          queue,
		GroupID:        opts.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	return newKafkaProvider(queue, reader, writer, opts), nil
}

func newKafkaProvider(queue string, reader kafkaReader, writer kafkaWriter, opts KafkaProviderOptions) *KafkaProvider {
	return &KafkaProvider{
		queue:   queue,
		brokers: opts.Brokers,
		writer:  writer,
		reader:  reader,
		opts:    opts.withDefaults(queue),
		slot:    make(chan struct{}, 1),
	}
}

func (p *KafkaProvider) Queue() string { return p.queue }

// RequiresGroupKey is true: ordering only holds per message key.
func (p *KafkaProvider) RequiresGroupKey() bool { return true }

func (p *KafkaProvider) dial(ctx context.Context) (*kafka.Conn, error) {
	var lastErr error
	for _, addr := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *KafkaProvider) Warmup(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = p.opts.WarmupTimeout
	err := backoff.Retry(func() error {
		conn, err := p.dial(ctx)
		if err != nil {
			p.opts.Logger.Warn("kafka not ready", "event", "queue_warmup_retry", "queue", p.queue, "error", err)
			return err
		}
		return conn.Close()
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("failed to reach kafka for queue %s: %w", p.queue, err)
	}
	return nil
}

// CountQueuedMessages reports the consumer group lag seen by this reader.
func (p *KafkaProvider) CountQueuedMessages(context.Context) (int64, error) {
	return p.reader.Stats().Lag, nil
}

func (p *KafkaProvider) Enqueue(ctx context.Context, messages []Message, opts EnqueueOptions) error {
	if len(messages) == 0 {
		return nil
	}
	if opts.Score != nil {
		return fmt.Errorf("message scores on %s: %w", p.queue, ErrUnsupported)
	}
	if opts.EnqueueTime.After(time.Now()) {
		return fmt.Errorf("delayed delivery on %s: %w", p.queue, ErrUnsupported)
	}

	headers := make(HeaderCarrier, 0)
	for k, v := range injectTrace(ctx) {
		headers.Set(k, v)
	}

	now := time.Now()
	out := make([]kafka.Message, len(messages))
	for i, m := range messages {
		data, err := json.Marshal(envelope{
			ID:           uuid.New().String(),
			GroupKey:     opts.GroupKey,
			EnqueuedAtMs: now.UnixMilli(),
			Message:      m,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
		out[i] = kafka.Message{
			Key:     []byte(opts.GroupKey),
			Value:   data,
			Headers: []kafka.Header(headers),
			Time:    now,
		}
	}
	if err := p.writer.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", p.queue, err)
	}
	return nil
}

// Dequeue waits up to wait for the delivery slot and then for a message.
// It returns (nil, nil) when either wait runs out.
func (p *KafkaProvider) Dequeue(ctx context.Context, wait time.Duration) (*ReceivedMessage, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	select {
	case p.slot <- struct{}{}:
	case <-fetchCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	var km kafka.Message
	if pending != nil {
		km = *pending
	} else {
		var err error
		km, err = p.reader.FetchMessage(fetchCtx)
		if err != nil {
			p.release()
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, fmt.Errorf("kafka fetch from %s: %w", p.queue, err)
		}
	}

	var env envelope
	if err := json.Unmarshal(km.Value, &env); err != nil {
		defer p.release()
		// Unreadable messages would block the partition forever.
		p.opts.Logger.Error("discarding malformed kafka message",
			"event", "message_dropped",
			"queue", p.queue,
			"offset", km.Offset,
			"error", err,
		)
		if err := p.reader.CommitMessages(ctx, km); err != nil {
			p.redeliver(km)
			return nil, fmt.Errorf("failed to commit malformed message: %w", err)
		}
		return nil, nil
	}

	trace := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		trace[h.Key] = string(h.Value)
	}
	return &ReceivedMessage{
		Message:    env.Message,
		ID:         env.ID,
		Queue:      p.queue,
		GroupKey:   string(km.Key),
		EnqueuedAt: time.UnixMilli(env.EnqueuedAtMs),
		trace:      trace,
		receipt:    km,
	}, nil
}

func (p *KafkaProvider) release() {
	select {
	case <-p.slot:
	default:
	}
}

func (p *KafkaProvider) redeliver(km kafka.Message) {
	p.mu.Lock()
	p.pending = &km
	p.mu.Unlock()
}

func (p *KafkaProvider) receipt(m *ReceivedMessage) (kafka.Message, error) {
	km, ok := m.receipt.(kafka.Message)
	if !ok {
		return kafka.Message{}, fmt.Errorf("message %s was not delivered by a kafka provider", m.ID)
	}
	return km, nil
}

// Delete commits the message's offset. A failed commit leaves the message to
// be delivered again.
func (p *KafkaProvider) Delete(ctx context.Context, m *ReceivedMessage) error {
	km, err := p.receipt(m)
	if err != nil {
		return err
	}
	defer p.release()
	if err := p.reader.CommitMessages(ctx, km); err != nil {
		p.redeliver(km)
		return fmt.Errorf("failed to commit message %s: %w", m.ID, err)
	}
	return nil
}

// Reject hands the message back uncommitted; the next Dequeue serves it
// again before anything behind it.
func (p *KafkaProvider) Reject(_ context.Context, m *ReceivedMessage) error {
	km, err := p.receipt(m)
	if err != nil {
		return err
	}
	p.redeliver(km)
	p.release()
	return nil
}

func (p *KafkaProvider) PurgeQueue(context.Context) error {
	return fmt.Errorf("purging %s: %w", p.queue, ErrUnsupported)
}

// Test checks that a broker answers and knows the queue's topic.
func (p *KafkaProvider) Test(ctx context.Context) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to dial kafka: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(p.queue)
	if err != nil {
		return fmt.Errorf("failed to read partitions of %s: %w", p.queue, err)
	}
	if len(partitions) == 0 {
		return fmt.Errorf("topic %s has no partitions", p.queue)
	}
	return nil
}

func (p *KafkaProvider) Close() error {
	return errors.Join(p.writer.Close(), p.reader.Close())
}
