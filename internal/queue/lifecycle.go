package queue

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	// ErrWorkerInterrupted stops a consume loop after the current message.
	ErrWorkerInterrupted = errors.New("worker interrupted")
	// ErrWorkerKilled stops a consume loop immediately. It is also an
	// ErrWorkerInterrupted.
	ErrWorkerKilled error = killedError{}
	// ErrWorkerFinished reports a consume loop that drained its work.
	ErrWorkerFinished = errors.New("worker finished")
)

type killedError struct{}

func (killedError) Error() string { return "worker killed" }

func (killedError) Is(target error) bool { return target == ErrWorkerInterrupted }

// Lifecycle carries shutdown requests to consume loops. The first Interrupt
// lets in-flight messages finish; Kill also cancels their contexts.
type Lifecycle struct {
	mu          sync.Mutex
	interrupted chan struct{}
	killed      bool

	handlerCtx context.Context
	cancel     context.CancelFunc
}

// NewLifecycle returns a lifecycle whose handler context derives from parent.
func NewLifecycle(parent context.Context) *Lifecycle {
	ctx, cancel := context.WithCancel(parent)
	return &Lifecycle{
		interrupted: make(chan struct{}),
		handlerCtx:  ctx,
		cancel:      cancel,
	}
}

// Interrupt requests a graceful stop. Further calls escalate to Kill.
func (l *Lifecycle) Interrupt() {
	l.mu.Lock()
	select {
	case <-l.interrupted:
		l.mu.Unlock()
		l.Kill()
		return
	default:
		close(l.interrupted)
	}
	l.mu.Unlock()
}

// Kill requests an immediate stop and cancels handler contexts.
func (l *Lifecycle) Kill() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.interrupted:
	default:
		close(l.interrupted)
	}
	l.killed = true
	l.cancel()
}

// Interrupted is closed once any stop has been requested.
func (l *Lifecycle) Interrupted() <-chan struct{} { return l.interrupted }

// HandlerContext is cancelled on Kill only.
func (l *Lifecycle) HandlerContext() context.Context { return l.handlerCtx }

// Err returns ErrWorkerKilled, ErrWorkerInterrupted or nil.
func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.killed {
		return ErrWorkerKilled
	}
	select {
	case <-l.interrupted:
		return ErrWorkerInterrupted
	default:
		return nil
	}
}

// WatchSignals interrupts on the first SIGINT or SIGTERM and kills on the
// second. It returns a func that stops watching.
func (l *Lifecycle) WatchSignals() (stop func()) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigChan:
				l.Interrupt()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

// Severity orders lifecycle outcomes so a pool can report the strongest one.
func Severity(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrWorkerFinished):
		return 1
	case errors.Is(err, ErrWorkerKilled):
		return 3
	case errors.Is(err, ErrWorkerInterrupted):
		return 2
	default:
		return 4
	}
}
