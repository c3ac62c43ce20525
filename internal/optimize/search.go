package optimize

import (
	"context"

	"github.com/dyluth/hone/pkg/experiment"
)

// SearchSource explores constrained search experiments through the compute
// adapter, passing open suggestions as liars so parallel suggestions spread
// out. Results carry their generation time as score; ordering is left to the
// caller.
type SearchSource struct {
	exp  *experiment.Experiment
	deps Deps
}

func NewSearchSource(exp *experiment.Experiment, deps Deps) *SearchSource {
	return &SearchSource{exp: exp, deps: deps.normalized()}
}

func (s *SearchSource) Name() string { return "search" }

// FetchBestSuggestions returns nothing until there are enough successful
// observations to compute expected improvement.
func (s *SearchSource) FetchBestSuggestions(ctx context.Context, args Args, limit int) ([]experiment.UnprocessedSuggestion, error) {
	if limit <= 0 {
		return nil, nil
	}
	if args.SuccessCount() < s.deps.Settings.MinSuccessesToComputeEI {
		return nil, nil
	}

	observations, err := args.Observations().Collect(ctx)
	if err != nil {
		return nil, err
	}

	candidates, err := nextPoints(ctx, s.deps, NextPointsRequest{
		Method:          MethodSearch,
		Experiment:      s.exp,
		Observations:    observations,
		Hyperparameters: args.Hyperparameters(),
		Liars:           args.liars(),
		Count:           limit,
	})
	if err != nil {
		return nil, err
	}
	return fromCandidates(s.exp, s.deps, experiment.SourceSearch, candidates), nil
}
