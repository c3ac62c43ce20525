package optimize

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dyluth/hone/pkg/experiment"
)

// ArgsSource is the slice of the store LoadArgs reads from.
type ArgsSource interface {
	ObservationCounts(ctx context.Context, experimentID int64) (experiment.ObservationCounts, error)
	ObservationPage(ctx context.Context, experimentID int64, offset, limit int) ([]experiment.Observation, error)
	LastObservation(ctx context.Context, experimentID int64) (*experiment.Observation, error)
	OpenSuggestions(ctx context.Context, experimentID int64) ([]experiment.Suggestion, error)
	Hyperparameters(ctx context.Context, experimentID int64) (json.RawMessage, error)
}

// LoadArgs snapshots an experiment's state. Observations are not read until the
// iterator is consumed; they are then paged from the store and cut off at the
// snapshot's maximum observation id so the stream agrees with the counts.
func LoadArgs(ctx context.Context, src ArgsSource, exp *experiment.Experiment, pageSize int) (Args, error) {
	if pageSize <= 0 {
		pageSize = DefaultObservationPageSize
	}

	counts, err := src.ObservationCounts(ctx, exp.ID)
	if err != nil {
		return Args{}, fmt.Errorf("failed to load observation counts: %w", err)
	}
	last, err := src.LastObservation(ctx, exp.ID)
	if err != nil {
		return Args{}, fmt.Errorf("failed to load last observation: %w", err)
	}
	open, err := src.OpenSuggestions(ctx, exp.ID)
	if err != nil {
		return Args{}, fmt.Errorf("failed to load open suggestions: %w", err)
	}
	hyperparameters, err := src.Hyperparameters(ctx, exp.ID)
	if err != nil {
		return Args{}, fmt.Errorf("failed to load hyperparameters: %w", err)
	}

	maxID := counts.MaxID
	iterator := NewObservationIterator(func(ctx context.Context, yield func(experiment.Observation) error) error {
		for offset := 0; ; offset += pageSize {
			page, err := src.ObservationPage(ctx, exp.ID, offset, pageSize)
			if err != nil {
				return fmt.Errorf("failed to page observations: %w", err)
			}
			for _, o := range page {
				if o.ID > maxID {
					return nil
				}
				if err := yield(o); err != nil {
					return err
				}
			}
			if len(page) < pageSize {
				return nil
			}
		}
	})

	return NewArgs(
		WithObservations(iterator),
		WithObservationCount(counts.Count),
		WithFailureCount(counts.Failures),
		WithMaxObservationID(counts.MaxID),
		WithHyperparameters(hyperparameters),
		WithOpenSuggestions(open),
		WithLastObservation(last),
	), nil
}
