package handlers

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dyluth/hone/internal/importances"
	"github.com/dyluth/hone/internal/optimize"
	"github.com/dyluth/hone/internal/queue"
	"github.com/dyluth/hone/pkg/experiment"
	"github.com/dyluth/hone/pkg/telemetry"
)

// ImportancesHandler recomputes parameter importances. The policy is checked
// again on delivery since another message may already have refreshed them.
type ImportancesHandler struct {
	store    Store
	selector *optimize.Selector
	policy   *importances.Service
}

func NewImportancesHandler(store Store, selector *optimize.Selector, policy *importances.Service) *ImportancesHandler {
	return &ImportancesHandler{store: store, selector: selector, policy: policy}
}

func (h *ImportancesHandler) MessageType() queue.MessageType { return queue.MessageTypeImportances }

func (h *ImportancesHandler) Handle(ctx context.Context, m queue.Message) error {
	p, err := queue.DecodeBody[queue.ImportancesPayload](m)
	if err != nil {
		return err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "handler.importances")
	defer span.End()
	span.SetAttributes(attribute.Int64("experiment.id", p.ExperimentID), attribute.Bool("force", p.Force))

	deps := h.selector.Deps()
	logger := deps.Logger.With("experiment_id", p.ExperimentID, "message_type", m.Type)
	if deps.Adapter == nil {
		return optimize.ErrNoAdapter
	}

	exp, err := loadExperiment(ctx, h.store, p.ExperimentID)
	if err != nil || exp == nil {
		return err
	}
	if h.policy != nil {
		due, err := h.policy.Due(ctx, exp, p.Force)
		if err != nil {
			return err
		}
		if !due {
			logger.Debug("importances are current", "event", "importances_skipped")
			return nil
		}
	}

	args, err := optimize.LoadArgs(ctx, h.store, exp, 0)
	if err != nil {
		return err
	}
	observations, err := args.Observations().Collect(ctx)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, deps.Settings.ComputeTimeout)
	defer cancel()
	start := time.Now()
	values, err := deps.Adapter.Importances(callCtx, optimize.ImportancesRequest{Experiment: exp, Observations: observations})
	telemetry.ComputeDurationSeconds.WithLabelValues("importances").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compute failed")
		return fmt.Errorf("failed to compute importances: %w", err)
	}

	err = h.store.SetImportances(ctx, &experiment.Importances{
		ExperimentID:     exp.ID,
		Values:           values,
		ObservationCount: args.ObservationCount(),
		ComputedAtMs:     deps.Clock().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to store importances: %w", err)
	}
	logger.Info("importances recomputed", "event", "importances_stored", "observations", args.ObservationCount())
	return nil
}
