package experiment

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrSuggestion is matched by every suggestion pipeline failure that the
// request layer reports as "could not generate a suggestion right now".
var ErrSuggestion = errors.New("suggestion pipeline failure")

// SuggestionAlreadyProcessedError is returned when a second caller tries to
// claim an unprocessed suggestion that has already been processed.
type SuggestionAlreadyProcessedError struct {
	SuggestionID       int64
	ExperimentID       int64
	QueuedSuggestionID int64 // Zero when the suggestion did not come from the precomputed store
}

func (e *SuggestionAlreadyProcessedError) Error() string {
	if e.QueuedSuggestionID != 0 {
		return fmt.Sprintf("suggestion %d of experiment %d (queued suggestion %d) was already processed",
			e.SuggestionID, e.ExperimentID, e.QueuedSuggestionID)
	}
	return fmt.Sprintf("suggestion %d of experiment %d was already processed", e.SuggestionID, e.ExperimentID)
}

// CouldNotProcessSuggestionError wraps the failure that stopped the pipeline
// from producing a suggestion.
type CouldNotProcessSuggestionError struct {
	ExperimentID int64
	Err          error
}

func (e *CouldNotProcessSuggestionError) Error() string {
	return fmt.Sprintf("could not process suggestion for experiment %d: %v", e.ExperimentID, e.Err)
}

func (e *CouldNotProcessSuggestionError) Unwrap() []error {
	return []error{ErrSuggestion, e.Err}
}

// DuplicateUnprocessedSuggestionError is returned when a precomputed suggestion
// is turned into an unprocessed suggestion a second time.
type DuplicateUnprocessedSuggestionError struct {
	ExperimentID       int64
	QueuedSuggestionID int64
}

func (e *DuplicateUnprocessedSuggestionError) Error() string {
	return fmt.Sprintf("queued suggestion %d of experiment %d was already consumed", e.QueuedSuggestionID, e.ExperimentID)
}

func (e *DuplicateUnprocessedSuggestionError) Is(target error) bool {
	return target == ErrSuggestion
}

// ExperimentNotFoundError is returned when an experiment id does not exist.
type ExperimentNotFoundError struct {
	ExperimentID int64
}

func (e *ExperimentNotFoundError) Error() string {
	return fmt.Sprintf("experiment %d not found", e.ExperimentID)
}

// IsNotFound returns true if the error is a "not found" condition from either
// backing store: redis.Nil, sql.ErrNoRows or ExperimentNotFoundError.
func IsNotFound(err error) bool {
	var notFound *ExperimentNotFoundError
	return errors.Is(err, redis.Nil) || errors.Is(err, sql.ErrNoRows) || errors.As(err, &notFound)
}
