package optimize

import (
	"context"
	"math"

	"github.com/dyluth/hone/pkg/experiment"
)

// RandomAssignments draws a uniformly random point. Conditional values are
// drawn first and only the parameters they activate are assigned.
func RandomAssignments(exp *experiment.Experiment, d Deps) experiment.Assignments {
	a := make(experiment.Assignments, len(exp.Parameters)+len(exp.Conditionals))
	for _, c := range exp.Conditionals {
		a[c.Name] = c.Values[d.intN(len(c.Values))]
	}

	for _, p := range exp.Parameters {
		if !experiment.ParameterActive(p, a) {
			continue
		}
		switch p.Type {
		case experiment.ParameterTypeCategorical:
			values := p.ActiveCategoricalValues()
			a[p.Name] = values[d.intN(len(values))]
		case experiment.ParameterTypeInt:
			lo, hi := math.Ceil(p.Bounds.Min), math.Floor(p.Bounds.Max)
			a[p.Name] = lo + float64(d.intN(int(hi-lo)+1))
		default:
			a[p.Name] = p.Bounds.Min + d.unit()*(p.Bounds.Max-p.Bounds.Min)
		}
	}
	return a
}

// RandomSampler returns independent uniformly random points.
type RandomSampler struct {
	exp    *experiment.Experiment
	deps   Deps
	source experiment.Source
}

// NewRandomSampler creates a random sampler tagging results with source.
func NewRandomSampler(exp *experiment.Experiment, deps Deps, source experiment.Source) *RandomSampler {
	return &RandomSampler{exp: exp, deps: deps.normalized(), source: source}
}

func (s *RandomSampler) Name() string { return "random" }

func (s *RandomSampler) FetchBestSuggestions(_ context.Context, _ Args, limit int) ([]experiment.UnprocessedSuggestion, error) {
	if limit <= 0 {
		return nil, nil
	}
	out := make([]experiment.UnprocessedSuggestion, limit)
	for i := range out {
		out[i] = newSuggestion(s.exp, s.deps, s.source, RandomAssignments(s.exp, s.deps), nil)
	}
	return out, nil
}
