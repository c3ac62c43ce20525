package handlers

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dyluth/hone/internal/optimize"
	"github.com/dyluth/hone/internal/queue"
	"github.com/dyluth/hone/pkg/experiment"
	"github.com/dyluth/hone/pkg/telemetry"
)

// DefaultQueuedSuggestions is the size of the precomputed batch.
const DefaultQueuedSuggestions = 10

// NextPointsHandler refreshes an experiment's precomputed suggestions so the
// broker can serve them without calling the compute adapter inline.
type NextPointsHandler struct {
	store    Store
	selector *optimize.Selector
	count    int
}

func NewNextPointsHandler(store Store, selector *optimize.Selector, count int) *NextPointsHandler {
	if count <= 0 {
		count = DefaultQueuedSuggestions
	}
	return &NextPointsHandler{store: store, selector: selector, count: count}
}

func (h *NextPointsHandler) MessageType() queue.MessageType { return queue.MessageTypeNextPoints }

func (h *NextPointsHandler) Handle(ctx context.Context, m queue.Message) error {
	p, err := queue.DecodeBody[queue.NextPointsPayload](m)
	if err != nil {
		return err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "handler.next_points")
	defer span.End()
	span.SetAttributes(attribute.Int64("experiment.id", p.ExperimentID))

	logger := h.selector.Deps().Logger.With("experiment_id", p.ExperimentID, "message_type", m.Type)
	exp, err := loadExperiment(ctx, h.store, p.ExperimentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load experiment")
		return err
	}
	if exp == nil {
		logger.Warn("experiment gone, dropping message", "event", "experiment_missing")
		return nil
	}
	if !optimize.Precomputes(exp) {
		logger.Debug("experiment type does not precompute", "event", "next_points_skipped", "type", exp.Type)
		return nil
	}

	args, err := optimize.LoadArgs(ctx, h.store, exp, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load args")
		return err
	}

	sampler := h.selector.ForExperiment(exp)
	suggestions, err := sampler.FetchBestSuggestions(ctx, args, h.count)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sampler failed")
		return fmt.Errorf("failed to compute next points with %s: %w", sampler.Name(), err)
	}
	if len(suggestions) == 0 {
		// An empty answer (e.g. a compute timeout) keeps the current batch.
		logger.Info("no next points produced", "event", "next_points_empty", "sampler", sampler.Name())
		return nil
	}

	queued := make([]experiment.QueuedSuggestion, len(suggestions))
	for i, s := range suggestions {
		queued[i] = experiment.QueuedSuggestion{
			ExperimentID: exp.ID,
			Source:       s.Source,
			Assignments:  s.Assignments,
			Task:         s.Task,
			CreatedAtMs:  s.GeneratedAtMs,
		}
	}
	if err := h.store.ReplaceQueuedSuggestions(ctx, exp.ID, queued); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store")
		return fmt.Errorf("failed to store next points: %w", err)
	}

	span.SetAttributes(attribute.Int("suggestions", len(queued)))
	logger.Info("next points refreshed",
		"event", "next_points_stored",
		"sampler", sampler.Name(),
		"count", len(queued),
	)
	return nil
}
