package optimize

import (
	"context"

	"github.com/dyluth/hone/pkg/experiment"
)

// Unconditioned projects a conditional experiment onto a flat one: every
// conditional becomes an ordinary categorical parameter and parameter
// conditions are dropped. The input is not modified.
func Unconditioned(exp *experiment.Experiment) *experiment.Experiment {
	u := *exp
	u.Parameters = make([]experiment.Parameter, 0, len(exp.Parameters)+len(exp.Conditionals))
	for _, p := range exp.Parameters {
		p.Conditions = nil
		u.Parameters = append(u.Parameters, p)
	}
	for _, c := range exp.Conditionals {
		p := experiment.Parameter{Name: c.Name, Type: experiment.ParameterTypeCategorical}
		for i, v := range c.Values {
			p.CategoricalValues = append(p.CategoricalValues, experiment.CategoricalValue{Name: v, Enum: i + 1})
		}
		u.Parameters = append(u.Parameters, p)
	}
	u.Conditionals = nil
	return &u
}

// Recondition maps assignments made on the unconditioned projection back onto
// the conditional experiment, keeping only the conditionals and the
// parameters their values activate.
func Recondition(exp *experiment.Experiment, a experiment.Assignments) experiment.Assignments {
	out := make(experiment.Assignments, len(a))
	for _, c := range exp.Conditionals {
		if v, ok := a[c.Name]; ok {
			out[c.Name] = v
		}
	}
	for _, p := range exp.Parameters {
		if !experiment.ParameterActive(p, out) {
			continue
		}
		if v, ok := a[p.Name]; ok {
			out[p.Name] = v
		}
	}
	return out
}

// ConditionalSource delegates to a sampler built for the unconditioned
// projection and reconditions its output. Below the minimum number of
// successful observations it samples randomly on the conditional experiment.
type ConditionalSource struct {
	exp   *experiment.Experiment
	inner Sampler
	deps  Deps
}

// NewConditionalSource builds the wrapped sampler with newInner from the
// unconditioned projection of exp.
func NewConditionalSource(exp *experiment.Experiment, newInner func(*experiment.Experiment) Sampler, deps Deps) *ConditionalSource {
	return &ConditionalSource{
		exp:   exp,
		inner: newInner(Unconditioned(exp)),
		deps:  deps.normalized(),
	}
}

func (s *ConditionalSource) Name() string { return "conditional/" + s.inner.Name() }

func (s *ConditionalSource) FetchBestSuggestions(ctx context.Context, args Args, limit int) ([]experiment.UnprocessedSuggestion, error) {
	if limit <= 0 {
		return nil, nil
	}

	if args.SuccessCount() < s.deps.Settings.MinSuccessesToComputeEI {
		return NewRandomSampler(s.exp, s.deps, experiment.SourceExplicitRandom).FetchBestSuggestions(ctx, args, limit)
	}

	suggestions, err := s.inner.FetchBestSuggestions(ctx, args, limit)
	if err != nil {
		return nil, err
	}
	for i := range suggestions {
		suggestions[i].ExperimentID = s.exp.ID
		suggestions[i].Assignments = Recondition(s.exp, suggestions[i].Assignments)
		suggestions[i].Source = experiment.SourceConditionalUnconditioned
	}
	return suggestions, nil
}
