package experiment

import (
	"context"
	"encoding/json"
)

// Store is the persistence contract shared by the Redis client and the SQL
// store. ProcessSuggestion must be an atomic claim: of any number of
// concurrent calls for one suggestion id, exactly one succeeds and the rest
// return *SuggestionAlreadyProcessedError.
type Store interface {
	CreateExperiment(ctx context.Context, e *Experiment) error
	GetExperiment(ctx context.Context, experimentID int64) (*Experiment, error)

	CreateUnprocessedSuggestion(ctx context.Context, u *UnprocessedSuggestion) error
	GetUnprocessedSuggestion(ctx context.Context, suggestionID int64) (*UnprocessedSuggestion, error)
	ProcessSuggestion(ctx context.Context, p *ProcessedSuggestion) error
	DeleteSuggestion(ctx context.Context, experimentID, suggestionID int64) error
	OpenSuggestions(ctx context.Context, experimentID int64) ([]Suggestion, error)

	CreateObservation(ctx context.Context, o *Observation) error
	ObservationPage(ctx context.Context, experimentID int64, offset, limit int) ([]Observation, error)
	ObservationCounts(ctx context.Context, experimentID int64) (ObservationCounts, error)
	LastObservation(ctx context.Context, experimentID int64) (*Observation, error)

	Hyperparameters(ctx context.Context, experimentID int64) (json.RawMessage, error)
	SetHyperparameters(ctx context.Context, experimentID int64, blob json.RawMessage) error

	ReplaceQueuedSuggestions(ctx context.Context, experimentID int64, suggestions []QueuedSuggestion) error
	PeekQueuedSuggestions(ctx context.Context, experimentID int64, limit int) ([]QueuedSuggestion, error)

	SetImportances(ctx context.Context, imp *Importances) error
	Importances(ctx context.Context, experimentID int64) (*Importances, error)

	Ping(ctx context.Context) error
	Close() error
}
