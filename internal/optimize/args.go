package optimize

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dyluth/hone/pkg/experiment"
)

// ErrIteratorConsumed is returned when an observation iterator is read a
// second time. It signals a caller bug and must not be swallowed.
var ErrIteratorConsumed = errors.New("observation iterator already consumed")

// ObservationIterator is a single-pass stream over an experiment's observation
// history. It is shared by every copy of the Args it belongs to.
type ObservationIterator struct {
	mu       sync.Mutex
	consumed bool
	produce  func(ctx context.Context, yield func(experiment.Observation) error) error
}

// NewObservationIterator wraps a producer that yields observations in order.
func NewObservationIterator(produce func(ctx context.Context, yield func(experiment.Observation) error) error) *ObservationIterator {
	return &ObservationIterator{produce: produce}
}

// SliceIterator iterates over an in-memory slice.
func SliceIterator(observations []experiment.Observation) *ObservationIterator {
	return NewObservationIterator(func(ctx context.Context, yield func(experiment.Observation) error) error {
		for _, o := range observations {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := yield(o); err != nil {
				return err
			}
		}
		return nil
	})
}

// ForEach streams every observation to fn. A second call returns
// ErrIteratorConsumed instead of an empty stream.
func (it *ObservationIterator) ForEach(ctx context.Context, fn func(experiment.Observation) error) error {
	it.mu.Lock()
	if it.consumed {
		it.mu.Unlock()
		return ErrIteratorConsumed
	}
	it.consumed = true
	it.mu.Unlock()

	return it.produce(ctx, fn)
}

// Collect drains the iterator into a slice.
func (it *ObservationIterator) Collect(ctx context.Context) ([]experiment.Observation, error) {
	var out []experiment.Observation
	err := it.ForEach(ctx, func(o experiment.Observation) error {
		out = append(out, o)
		return nil
	})
	return out, err
}

// Consumed reports whether the iterator has been read.
func (it *ObservationIterator) Consumed() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.consumed
}

// Args is an immutable snapshot of the optimization-relevant state of one
// experiment. Stages compose by deriving new values with CopyAndSet.
type Args struct {
	source           Sampler
	observations     *ObservationIterator
	observationCount int
	failureCount     int
	maxObservationID int64
	hyperparameters  json.RawMessage
	openSuggestions  []experiment.Suggestion
	lastObservation  *experiment.Observation
}

// ArgsOption overrides one field of Args.
type ArgsOption func(*Args)

// NewArgs builds Args from options. Without WithObservations the history is empty.
func NewArgs(opts ...ArgsOption) Args {
	a := Args{observations: SliceIterator(nil)}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// CopyAndSet returns a new Args with the given fields overridden. Everything
// else, including the observation iterator, is carried over.
func (a Args) CopyAndSet(opts ...ArgsOption) Args {
	b := a
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func WithSource(s Sampler) ArgsOption {
	return func(a *Args) { a.source = s }
}

func WithObservations(it *ObservationIterator) ArgsOption {
	return func(a *Args) { a.observations = it }
}

func WithObservationCount(n int) ArgsOption {
	return func(a *Args) { a.observationCount = n }
}

func WithFailureCount(n int) ArgsOption {
	return func(a *Args) { a.failureCount = n }
}

func WithMaxObservationID(id int64) ArgsOption {
	return func(a *Args) { a.maxObservationID = id }
}

func WithHyperparameters(blob json.RawMessage) ArgsOption {
	return func(a *Args) { a.hyperparameters = append(json.RawMessage(nil), blob...) }
}

func WithOpenSuggestions(open []experiment.Suggestion) ArgsOption {
	return func(a *Args) { a.openSuggestions = append([]experiment.Suggestion(nil), open...) }
}

func WithLastObservation(o *experiment.Observation) ArgsOption {
	return func(a *Args) { a.lastObservation = o }
}

// Source is the sampler chosen for these args, or nil if none was chosen yet.
func (a Args) Source() Sampler { return a.source }

// Observations is the shared single-pass observation stream.
func (a Args) Observations() *ObservationIterator { return a.observations }

func (a Args) ObservationCount() int { return a.observationCount }

func (a Args) FailureCount() int { return a.failureCount }

// SuccessCount is observations that did not fail.
func (a Args) SuccessCount() int { return a.observationCount - a.failureCount }

func (a Args) MaxObservationID() int64 { return a.maxObservationID }

// Hyperparameters returns a copy of the opaque hyperparameter blob.
func (a Args) Hyperparameters() json.RawMessage {
	if a.hyperparameters == nil {
		return nil
	}
	return append(json.RawMessage(nil), a.hyperparameters...)
}

// OpenSuggestions returns a copy of the open suggestions, oldest first.
func (a Args) OpenSuggestions() []experiment.Suggestion {
	return append([]experiment.Suggestion(nil), a.openSuggestions...)
}

// LastObservation is the most recent observation, or nil.
func (a Args) LastObservation() *experiment.Observation { return a.lastObservation }

// liars are the open suggestions' assignments, treated as already observed.
func (a Args) liars() []experiment.Assignments {
	liars := make([]experiment.Assignments, 0, len(a.openSuggestions))
	for _, s := range a.openSuggestions {
		liars = append(liars, s.Unprocessed.Assignments.Clone())
	}
	return liars
}
