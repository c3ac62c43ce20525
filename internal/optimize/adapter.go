package optimize

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dyluth/hone/pkg/experiment"
	"github.com/dyluth/hone/pkg/telemetry"
)

// ErrNoAdapter is returned by samplers that need a compute adapter when none
// was configured.
var ErrNoAdapter = errors.New("no compute adapter configured")

// Method names the model a NextPoints call should use.
type Method string

const (
	MethodGP     Method = "gp"
	MethodSPE    Method = "spe"
	MethodSearch Method = "search"
)

// NextPointsRequest asks the compute adapter for new candidate points. Liars are
// open suggestions the model should treat as already observed.
type NextPointsRequest struct {
	Method          Method                   `json:"method"`
	Experiment      *experiment.Experiment   `json:"experiment"`
	Observations    []experiment.Observation `json:"observations"`
	Hyperparameters json.RawMessage          `json:"hyperparameters,omitempty"`
	Liars           []experiment.Assignments `json:"liars,omitempty"`
	Count           int                      `json:"count"`
}

// Candidate is one point proposed by the compute adapter.
type Candidate struct {
	Assignments experiment.Assignments `json:"assignments"`
	Task        *experiment.Task       `json:"task,omitempty"`
}

// RankRequest asks the compute adapter to order candidates best first. The
// response may leave out candidates it considers not worth serving.
type RankRequest struct {
	Experiment      *experiment.Experiment   `json:"experiment"`
	Hyperparameters json.RawMessage          `json:"hyperparameters,omitempty"`
	Candidates      []experiment.Assignments `json:"candidates"`
	Count           int                      `json:"count"`
}

// HyperparametersRequest asks for a model refit.
type HyperparametersRequest struct {
	Experiment   *experiment.Experiment   `json:"experiment"`
	Observations []experiment.Observation `json:"observations"`
	Previous     json.RawMessage          `json:"previous,omitempty"`
}

// ImportancesRequest asks for per-parameter importances.
type ImportancesRequest struct {
	Experiment   *experiment.Experiment   `json:"experiment"`
	Observations []experiment.Observation `json:"observations"`
}

// ComputeAdapter is the opaque numerical backend. Calls may be slow and may
// time out; samplers degrade timeouts to empty results.
type ComputeAdapter interface {
	NextPoints(ctx context.Context, req NextPointsRequest) ([]Candidate, error)
	Rank(ctx context.Context, req RankRequest) ([]int, error)
	Hyperparameters(ctx context.Context, req HyperparametersRequest) (json.RawMessage, error)
	Importances(ctx context.Context, req ImportancesRequest) (map[string]float64, error)
}

// IsTimeout reports whether err is a transport or deadline timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// nextPoints calls the adapter under the compute timeout. A timeout is logged
// and returned as (nil, nil).
func nextPoints(ctx context.Context, d Deps, req NextPointsRequest) ([]Candidate, error) {
	if d.Adapter == nil {
		return nil, ErrNoAdapter
	}

	ctx, span := telemetry.Tracer().Start(ctx, "compute.next_points")
	defer span.End()
	span.SetAttributes(
		attribute.String("method", string(req.Method)),
		attribute.Int64("experiment.id", req.Experiment.ID),
		attribute.Int("count", req.Count),
		attribute.Int("liars", len(req.Liars)),
	)

	ctx, cancel := context.WithTimeout(ctx, d.Settings.ComputeTimeout)
	defer cancel()

	start := time.Now()
	candidates, err := d.Adapter.NextPoints(ctx, req)
	telemetry.ComputeDurationSeconds.WithLabelValues("next_points").Observe(time.Since(start).Seconds())
	if err != nil {
		if IsTimeout(err) {
			telemetry.SamplerTimeouts.WithLabelValues("next_points").Inc()
			d.Logger.Warn("compute adapter timed out",
				"event", "sampler_timeout",
				"experiment_id", req.Experiment.ID,
				"method", req.Method,
			)
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return candidates, nil
}
