package optimize

import (
	"context"

	"github.com/dyluth/hone/pkg/experiment"
)

// GridAssignments returns grid cell index as a mixed-radix counter over the
// parameters' grid values in declaration order. Indexes past the grid size
// wrap around.
func GridAssignments(exp *experiment.Experiment, index int) experiment.Assignments {
	a := make(experiment.Assignments, len(exp.Parameters))
	for _, p := range exp.Parameters {
		values := p.GridValues()
		a[p.Name] = values[index%len(values)]
		index /= len(values)
	}
	return a
}

// GridSampler walks the grid deterministically. The next cell is the number
// of observations plus the number of open suggestions, so concurrently open
// suggestions never collide with future cells.
type GridSampler struct {
	exp  *experiment.Experiment
	deps Deps
}

func NewGridSampler(exp *experiment.Experiment, deps Deps) *GridSampler {
	return &GridSampler{exp: exp, deps: deps.normalized()}
}

func (s *GridSampler) Name() string { return "grid" }

func (s *GridSampler) FetchBestSuggestions(_ context.Context, args Args, limit int) ([]experiment.UnprocessedSuggestion, error) {
	if limit <= 0 {
		return nil, nil
	}
	start := args.ObservationCount() + len(args.OpenSuggestions())
	out := make([]experiment.UnprocessedSuggestion, limit)
	for i := range out {
		out[i] = newSuggestion(s.exp, s.deps, experiment.SourceGrid, GridAssignments(s.exp, start+i), nil)
	}
	return out, nil
}
