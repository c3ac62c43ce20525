package optimize

import (
	"context"

	"github.com/dyluth/hone/pkg/experiment"
)

// ModelSource is the general categorical/continuous strategy. It asks the
// compute adapter for points from a GP (or SPE for high-dimensional spaces)
// once there are enough successes, and samples without a model before that.
type ModelSource struct {
	exp    *experiment.Experiment
	method Method
	deps   Deps
}

// NewModelSource creates a model-backed source. method is MethodGP or MethodSPE.
func NewModelSource(exp *experiment.Experiment, method Method, deps Deps) *ModelSource {
	return &ModelSource{exp: exp, method: method, deps: deps.normalized()}
}

func (s *ModelSource) Name() string { return string(s.method) }

func (s *ModelSource) source() experiment.Source {
	if s.method == MethodSPE {
		return experiment.SourceSPE
	}
	return experiment.SourceGPCategorical
}

func (s *ModelSource) FetchBestSuggestions(ctx context.Context, args Args, limit int) ([]experiment.UnprocessedSuggestion, error) {
	if limit <= 0 {
		return nil, nil
	}

	if args.SuccessCount() < s.deps.Settings.MinSuccessesToComputeEI {
		if s.exp.IsCategoricalOnly() {
			return NewCategoricalOnlySampler(s.exp, s.deps).FetchBestSuggestions(ctx, args, limit)
		}
		return NewRandomSampler(s.exp, s.deps, experiment.SourceExplicitRandom).FetchBestSuggestions(ctx, args, limit)
	}

	observations, err := args.Observations().Collect(ctx)
	if err != nil {
		return nil, err
	}

	candidates, err := nextPoints(ctx, s.deps, NextPointsRequest{
		Method:          s.method,
		Experiment:      s.exp,
		Observations:    observations,
		Hyperparameters: args.Hyperparameters(),
		Liars:           args.liars(),
		Count:           limit,
	})
	if err != nil {
		return nil, err
	}
	return fromCandidates(s.exp, s.deps, s.source(), candidates), nil
}
