// Package handlers implements the work behind each queue message type.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dyluth/hone/internal/importances"
	"github.com/dyluth/hone/internal/optimize"
	"github.com/dyluth/hone/internal/queue"
	"github.com/dyluth/hone/pkg/experiment"
)

// Store is the slice of the experiment store the handlers read and write.
type Store interface {
	optimize.ArgsSource
	GetExperiment(ctx context.Context, experimentID int64) (*experiment.Experiment, error)
	ReplaceQueuedSuggestions(ctx context.Context, experimentID int64, suggestions []experiment.QueuedSuggestion) error
	SetHyperparameters(ctx context.Context, experimentID int64, blob json.RawMessage) error
	SetImportances(ctx context.Context, imp *experiment.Importances) error
}

// Config carries everything the handlers are built from.
type Config struct {
	Store       Store
	Selector    *optimize.Selector
	Importances *importances.Service
	Email       EmailConfig
	// QueuedSuggestions is how many points NEXT_POINTS precomputes.
	QueuedSuggestions int
}

// Register adds a handler for every message type to r.
func Register(r *queue.Registry, cfg Config) {
	r.Register(NewNextPointsHandler(cfg.Store, cfg.Selector, cfg.QueuedSuggestions))
	r.Register(NewOptimizeHandler(cfg.Store, cfg.Selector))
	r.Register(NewImportancesHandler(cfg.Store, cfg.Selector, cfg.Importances))
	r.Register(NewEmailHandler(cfg.Email))
}

// loadExperiment returns (nil, nil) for a deleted experiment; redelivering
// the message would never succeed.
func loadExperiment(ctx context.Context, store Store, experimentID int64) (*experiment.Experiment, error) {
	exp, err := store.GetExperiment(ctx, experimentID)
	if err != nil {
		if experiment.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load experiment %d: %w", experimentID, err)
	}
	return exp, nil
}
