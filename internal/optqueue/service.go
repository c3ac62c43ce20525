// Package optqueue decides which recomputation messages follow an
// observation-affecting event.
package optqueue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dyluth/hone/internal/importances"
	"github.com/dyluth/hone/internal/queue"
	"github.com/dyluth/hone/pkg/experiment"
)

// Enqueuer is the queue service surface used here.
type Enqueuer interface {
	Disabled() bool
	Enqueue(ctx context.Context, messages []queue.Message, opts queue.EnqueueOptions) error
}

// Request selects the optional messages for one event.
type Request struct {
	// Optimize asks for a hyperparameter refit.
	Optimize bool
	// ForceImportances recomputes importances even when the stored result is
	// fresh. It does not bypass the enabled or enough-data checks.
	ForceImportances bool
	// NotBefore delays delivery of the whole batch. Zero delivers at once.
	NotBefore time.Time
}

// Service builds and enqueues the recomputation batch for an experiment.
type Service struct {
	queue       Enqueuer
	importances *importances.Service
	logger      *slog.Logger
}

// NewService creates an optimize queue service. A nil logger uses slog.Default.
func NewService(q Enqueuer, imp *importances.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{queue: q, importances: imp, logger: logger}
}

// Messages returns the messages an event for exp should produce, in enqueue
// order: NEXT_POINTS, then OPTIMIZE, then IMPORTANCES.
func (s *Service) Messages(ctx context.Context, exp *experiment.Experiment, req Request) ([]queue.Message, error) {
	if s.queue.Disabled() {
		return nil, nil
	}

	var out []queue.Message
	add := func(t queue.MessageType, payload any) error {
		m, err := queue.NewMessage(t, payload)
		if err != nil {
			return err
		}
		out = append(out, m)
		return nil
	}

	if err := add(queue.MessageTypeNextPoints, queue.NextPointsPayload{ExperimentID: exp.ID}); err != nil {
		return nil, err
	}
	if req.Optimize {
		if err := add(queue.MessageTypeOptimize, queue.OptimizePayload{ExperimentID: exp.ID}); err != nil {
			return nil, err
		}
	}
	if s.importances != nil {
		due, err := s.importances.Due(ctx, exp, req.ForceImportances)
		if err != nil {
			return nil, fmt.Errorf("failed to check importances policy: %w", err)
		}
		if due {
			if err := add(queue.MessageTypeImportances, queue.ImportancesPayload{ExperimentID: exp.ID, Force: req.ForceImportances}); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// EnqueueForExperiment enqueues the event's messages in one call grouped by
// the experiment id. It returns the types that were enqueued.
func (s *Service) EnqueueForExperiment(ctx context.Context, exp *experiment.Experiment, req Request) ([]queue.MessageType, error) {
	messages, err := s.Messages(ctx, exp, req)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}

	opts := queue.EnqueueOptions{
		GroupKey:    strconv.FormatInt(exp.ID, 10),
		EnqueueTime: req.NotBefore,
	}
	if err := s.queue.Enqueue(ctx, messages, opts); err != nil {
		return nil, fmt.Errorf("failed to enqueue recomputation for experiment %d: %w", exp.ID, err)
	}

	types := make([]queue.MessageType, len(messages))
	for i, m := range messages {
		types[i] = m.Type
	}
	s.logger.Info("recomputation enqueued",
		"event", "recompute_enqueued",
		"experiment_id", exp.ID,
		"message_types", types,
	)
	return types, nil
}
