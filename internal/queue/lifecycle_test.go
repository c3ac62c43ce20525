package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLifecycleErrors(t *testing.T) {
	assert.True(t, errors.Is(ErrWorkerKilled, ErrWorkerInterrupted))
	assert.True(t, errors.Is(fmt.Errorf("stop: %w", ErrWorkerKilled), ErrWorkerInterrupted))
	assert.False(t, errors.Is(ErrWorkerInterrupted, ErrWorkerKilled))
	assert.False(t, errors.Is(ErrWorkerFinished, ErrWorkerInterrupted))
}

func TestLifecycle_InterruptThenKill(t *testing.T) {
	l := NewLifecycle(context.Background())
	assert.NoError(t, l.Err())

	l.Interrupt()
	assert.ErrorIs(t, l.Err(), ErrWorkerInterrupted)
	assert.NotErrorIs(t, l.Err(), ErrWorkerKilled)
	assert.NoError(t, l.HandlerContext().Err(), "graceful interrupt leaves handlers running")
	select {
	case <-l.Interrupted():
	default:
		t.Fatal("interrupted channel not closed")
	}

	l.Interrupt()
	assert.ErrorIs(t, l.Err(), ErrWorkerKilled)
	assert.Error(t, l.HandlerContext().Err())
}

func TestLifecycle_KillDirectly(t *testing.T) {
	l := NewLifecycle(context.Background())
	l.Kill()
	l.Kill()
	assert.ErrorIs(t, l.Err(), ErrWorkerKilled)
	<-l.Interrupted()
}

func TestSeverity(t *testing.T) {
	assert.Less(t, Severity(nil), Severity(ErrWorkerFinished))
	assert.Less(t, Severity(ErrWorkerFinished), Severity(ErrWorkerInterrupted))
	assert.Less(t, Severity(ErrWorkerInterrupted), Severity(ErrWorkerKilled))
	assert.Less(t, Severity(ErrWorkerKilled), Severity(&MessageTypeMismatchError{}))
}
