package handlers

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dyluth/hone/internal/optimize"
	"github.com/dyluth/hone/internal/queue"
	"github.com/dyluth/hone/pkg/telemetry"
)

// OptimizeHandler refits an experiment's model hyperparameters.
type OptimizeHandler struct {
	store    Store
	selector *optimize.Selector
}

func NewOptimizeHandler(store Store, selector *optimize.Selector) *OptimizeHandler {
	return &OptimizeHandler{store: store, selector: selector}
}

func (h *OptimizeHandler) MessageType() queue.MessageType { return queue.MessageTypeOptimize }

func (h *OptimizeHandler) Handle(ctx context.Context, m queue.Message) error {
	p, err := queue.DecodeBody[queue.OptimizePayload](m)
	if err != nil {
		return err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "handler.optimize")
	defer span.End()
	span.SetAttributes(attribute.Int64("experiment.id", p.ExperimentID))

	deps := h.selector.Deps()
	logger := deps.Logger.With("experiment_id", p.ExperimentID, "message_type", m.Type)
	if deps.Adapter == nil {
		return optimize.ErrNoAdapter
	}

	exp, err := loadExperiment(ctx, h.store, p.ExperimentID)
	if err != nil || exp == nil {
		return err
	}

	args, err := optimize.LoadArgs(ctx, h.store, exp, 0)
	if err != nil {
		return err
	}
	if args.SuccessCount() < deps.Settings.MinSuccessesToComputeEI {
		logger.Debug("too few successes to fit a model", "event", "optimize_skipped", "successes", args.SuccessCount())
		return nil
	}
	observations, err := args.Observations().Collect(ctx)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, deps.Settings.ComputeTimeout)
	defer cancel()
	start := time.Now()
	blob, err := deps.Adapter.Hyperparameters(callCtx, optimize.HyperparametersRequest{
		Experiment:   exp,
		Observations: observations,
		Previous:     args.Hyperparameters(),
	})
	telemetry.ComputeDurationSeconds.WithLabelValues("hyperparameters").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compute failed")
		return fmt.Errorf("failed to fit hyperparameters: %w", err)
	}

	if err := h.store.SetHyperparameters(ctx, exp.ID, blob); err != nil {
		return fmt.Errorf("failed to store hyperparameters: %w", err)
	}
	logger.Info("hyperparameters refit", "event", "hyperparameters_stored", "observations", len(observations))
	return nil
}
