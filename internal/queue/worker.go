package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dyluth/hone/internal/optimize"
	"github.com/dyluth/hone/pkg/telemetry"
)

const (
	DefaultHandlerTimeout = 4 * time.Minute
	DefaultWaitTime       = 5 * time.Second
	dequeueErrorPause     = time.Second
)

// Handler processes messages of one type.
type Handler interface {
	MessageType() MessageType
	Handle(ctx context.Context, m Message) error
}

// UnknownMessageTypeError is returned when no handler is registered for a type.
type UnknownMessageTypeError struct {
	Type MessageType
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("no handler registered for message type %q", e.Type)
}

// MessageTypeMismatchError is returned when a worker receives a message type
// its queue does not carry, or a handler is registered under the wrong type.
type MessageTypeMismatchError struct {
	Queue string
	Got   MessageType
	Want  []MessageType
}

func (e *MessageTypeMismatchError) Error() string {
	return fmt.Sprintf("worker for queue %s received %s message (accepts %v)", e.Queue, e.Got, e.Want)
}

// Registry maps message types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[MessageType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[MessageType]Handler)}
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.MessageType()] = h
}

// Get returns the handler for t or *UnknownMessageTypeError.
func (r *Registry) Get(t MessageType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, &UnknownMessageTypeError{Type: t}
	}
	return h, nil
}

// IsMisuse reports errors that indicate a programming or deployment bug.
// Workers stop on them instead of retrying.
func IsMisuse(err error) bool {
	var mismatch *MessageTypeMismatchError
	var unknown *UnknownMessageTypeError
	return errors.As(err, &mismatch) ||
		errors.As(err, &unknown) ||
		errors.Is(err, optimize.ErrIteratorConsumed) ||
		errors.Is(err, ErrMissingGroupKey)
}

// WorkerOptions tune a Worker. Zero values take defaults.
type WorkerOptions struct {
	HandlerTimeout time.Duration
	WaitTime       time.Duration
	// MaxMessages finishes the loop after this many messages. Zero is unbounded.
	MaxMessages int
	// ExitWhenEmpty finishes the loop on the first empty dequeue.
	ExitWhenEmpty bool
	Logger        *slog.Logger
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = DefaultHandlerTimeout
	}
	if o.WaitTime <= 0 {
		o.WaitTime = DefaultWaitTime
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Worker consumes one queue sequentially.
type Worker struct {
	id        string
	provider  Provider
	accepts   []MessageType
	registry  *Registry
	tracking  *TrackingService
	lifecycle *Lifecycle
	opts      WorkerOptions
	logger    *slog.Logger
}

// NewWorker creates a worker for provider's queue accepting the given types.
// A nil lifecycle gets a private one.
func NewWorker(provider Provider, accepts []MessageType, registry *Registry, tracking *TrackingService, lifecycle *Lifecycle, opts WorkerOptions) *Worker {
	opts = opts.withDefaults()
	if lifecycle == nil {
		lifecycle = NewLifecycle(context.Background())
	}
	id := uuid.New().String()
	return &Worker{
		id:        id,
		provider:  provider,
		accepts:   append([]MessageType(nil), accepts...),
		registry:  registry,
		tracking:  tracking,
		lifecycle: lifecycle,
		opts:      opts,
		logger:    opts.Logger.With("worker_id", id, "queue", provider.Queue()),
	}
}

// Queue returns the queue this worker consumes.
func (w *Worker) Queue() string { return w.provider.Queue() }

// Run consumes until the lifecycle or ctx stops it, the worker drains its
// work, or a misuse error occurs. It always returns a non-nil error:
// ErrWorkerFinished, ErrWorkerInterrupted, ErrWorkerKilled or the misuse.
func (w *Worker) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.lifecycle.Interrupted():
			cancel()
		case <-loopCtx.Done():
		}
	}()

	w.logger.Info("worker started", "event", "worker_started")
	processed := 0
	for {
		if err := w.stopReason(ctx); err != nil {
			w.logger.Info("worker stopping", "event", "worker_stopped", "reason", err.Error(), "processed", processed)
			return err
		}

		m, err := w.provider.Dequeue(loopCtx, w.opts.WaitTime)
		if err != nil {
			if stop := w.stopReason(ctx); stop != nil {
				continue
			}
			w.logger.Error("dequeue failed", "event", "dequeue_failed", "error", err)
			select {
			case <-loopCtx.Done():
			case <-time.After(dequeueErrorPause):
			}
			continue
		}
		if m == nil {
			if w.opts.ExitWhenEmpty {
				return ErrWorkerFinished
			}
			continue
		}

		hctx, release := w.handlerContext(ctx)
		err = w.ProcessReceived(hctx, m)
		release()
		if err != nil {
			w.logger.Error("worker stopping on misuse", "event", "worker_failed", "error", err)
			return err
		}
		processed++
		if w.opts.MaxMessages > 0 && processed >= w.opts.MaxMessages {
			return ErrWorkerFinished
		}
	}
}

func (w *Worker) stopReason(ctx context.Context) error {
	if err := w.lifecycle.Err(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ErrWorkerInterrupted
	}
	return nil
}

// handlerContext is cancelled by a kill or by the caller's ctx, never by a
// graceful interrupt.
func (w *Worker) handlerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	hctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(w.lifecycle.HandlerContext(), cancel)
	return hctx, func() {
		stop()
		cancel()
	}
}

// ProcessOneMessage dequeues and processes at most one message. It reports
// whether a message was received.
func (w *Worker) ProcessOneMessage(ctx context.Context) (bool, error) {
	m, err := w.provider.Dequeue(ctx, w.opts.WaitTime)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, nil
	}
	return true, w.ProcessReceived(ctx, m)
}

// ProcessReceived runs the handler for m under an in-flight marker, then
// deletes the message on success or rejects it for redelivery. Handler
// failures and panics are logged and swallowed; only misuse is returned.
func (w *Worker) ProcessReceived(ctx context.Context, m *ReceivedMessage) error {
	ctx = m.TraceContext(ctx)
	ctx, span := telemetry.Tracer().Start(ctx, "worker.process_message")
	defer span.End()
	span.SetAttributes(
		attribute.String("queue", w.Queue()),
		attribute.String("message.id", m.ID),
		attribute.String("message.type", string(m.Type)),
		attribute.String("worker.id", w.id),
	)

	log := w.logger.With("message_id", m.ID, "message_type", m.Type)
	inFlight := telemetry.MessagesInFlight.WithLabelValues(w.Queue())
	inFlight.Inc()
	defer inFlight.Dec()

	start := time.Now()
	err := w.tracking.Process(ctx, w.Queue(), func(ctx context.Context) error {
		return w.handle(ctx, m)
	})
	duration := time.Since(start)
	telemetry.MessageDurationSeconds.WithLabelValues(w.Queue(), string(m.Type)).Observe(duration.Seconds())

	// Acknowledge even when a kill cancelled ctx.
	ackCtx := context.WithoutCancel(ctx)
	if err == nil {
		telemetry.MessagesProcessed.WithLabelValues(w.Queue(), string(m.Type), "success").Inc()
		log.Info("message processed", "event", "message_processed", "duration_ms", duration.Milliseconds())
		if err := w.provider.Delete(ackCtx, m); err != nil {
			log.Warn("failed to delete processed message", "event", "message_ack_failed", "error", err)
		}
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if rejectErr := w.provider.Reject(ackCtx, m); rejectErr != nil {
		log.Warn("failed to reject message", "event", "message_reject_failed", "error", rejectErr)
	}

	if IsMisuse(err) {
		telemetry.MessagesProcessed.WithLabelValues(w.Queue(), string(m.Type), "misuse").Inc()
		return err
	}
	telemetry.MessagesProcessed.WithLabelValues(w.Queue(), string(m.Type), "failed").Inc()
	log.Error("message handler failed",
		"event", "message_failed",
		"duration_ms", duration.Milliseconds(),
		"error", err,
	)
	return nil
}

func (w *Worker) handle(ctx context.Context, m *ReceivedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", m.Type, r)
		}
	}()

	if !w.acceptsType(m.Type) {
		return &MessageTypeMismatchError{Queue: w.Queue(), Got: m.Type, Want: w.accepts}
	}
	h, err := w.registry.Get(m.Type)
	if err != nil {
		return err
	}
	if h.MessageType() != m.Type {
		return &MessageTypeMismatchError{Queue: w.Queue(), Got: m.Type, Want: []MessageType{h.MessageType()}}
	}

	ctx, cancel := context.WithTimeout(ctx, w.opts.HandlerTimeout)
	defer cancel()
	return h.Handle(ctx, m.Message)
}

func (w *Worker) acceptsType(t MessageType) bool {
	for _, a := range w.accepts {
		if a == t {
			return true
		}
	}
	return false
}

// Dispatcher adapts the worker for a LocalProvider.
func (w *Worker) Dispatcher() Dispatcher {
	return w.ProcessReceived
}
