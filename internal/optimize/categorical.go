package optimize

import (
	"context"
	"fmt"
	"math"

	"github.com/dyluth/hone/pkg/experiment"
)

// CategoricalOnlySampler covers small categorical spaces exhaustively. It
// serves every unseen combination once before any combination repeats.
// Spaces larger than Settings.MaxCategoricalCombinations are sampled at
// random instead of enumerated.
type CategoricalOnlySampler struct {
	exp  *experiment.Experiment
	deps Deps
}

// NewCategoricalOnlySampler creates a sampler for an experiment whose
// parameters are all categorical.
func NewCategoricalOnlySampler(exp *experiment.Experiment, deps Deps) *CategoricalOnlySampler {
	return &CategoricalOnlySampler{exp: exp, deps: deps.normalized()}
}

func (s *CategoricalOnlySampler) Name() string { return "categorical_only" }

// FetchBestSuggestions returns exactly limit suggestions: unseen combinations
// drawn without replacement, then padding drawn with replacement from the
// full set. Open suggestions and observations count as seen.
func (s *CategoricalOnlySampler) FetchBestSuggestions(ctx context.Context, args Args, limit int) ([]experiment.UnprocessedSuggestion, error) {
	if limit <= 0 {
		return nil, nil
	}

	if n := CategoricalCombinationCount(s.exp); n > s.deps.Settings.MaxCategoricalCombinations {
		s.deps.Logger.Debug("categorical space too large to enumerate, sampling at random",
			"event", "categorical_space_capped",
			"experiment_id", s.exp.ID,
			"combinations", n,
		)
		return NewRandomSampler(s.exp, s.deps, experiment.SourceExplicitRandom).FetchBestSuggestions(ctx, args, limit)
	}

	combinations := CategoricalCombinations(s.exp)
	if len(combinations) == 0 {
		return nil, fmt.Errorf("experiment %d has no categorical combinations", s.exp.ID)
	}

	seen := make(map[string]bool)
	for _, open := range args.OpenSuggestions() {
		seen[open.Unprocessed.Assignments.Key()] = true
	}
	err := args.Observations().ForEach(ctx, func(o experiment.Observation) error {
		seen[o.Assignments.Key()] = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	unseen := make([]experiment.Assignments, 0, len(combinations))
	for _, c := range combinations {
		if !seen[c.Key()] {
			unseen = append(unseen, c)
		}
	}

	out := make([]experiment.UnprocessedSuggestion, 0, limit)
	for _, i := range s.deps.perm(len(unseen)) {
		if len(out) == limit {
			break
		}
		out = append(out, newSuggestion(s.exp, s.deps, experiment.SourceCategoricalExhaustive, unseen[i], nil))
	}
	for len(out) < limit {
		c := combinations[s.deps.intN(len(combinations))]
		out = append(out, newSuggestion(s.exp, s.deps, experiment.SourceCategoricalExhaustive, c.Clone(), nil))
	}
	return out, nil
}

// CategoricalCombinationCount is the size of the categorical space without
// enumerating it. It saturates at math.MaxInt.
func CategoricalCombinationCount(exp *experiment.Experiment) int {
	if len(exp.Parameters) == 0 {
		return 0
	}
	n := 1
	for _, p := range exp.Parameters {
		k := len(p.ActiveCategoricalValues())
		if k == 0 {
			return 0
		}
		if n > math.MaxInt/k {
			return math.MaxInt
		}
		n *= k
	}
	return n
}

// CategoricalCombinations enumerates the Cartesian product of every
// parameter's active categorical values, in parameter declaration order.
func CategoricalCombinations(exp *experiment.Experiment) []experiment.Assignments {
	combinations := []experiment.Assignments{{}}
	for _, p := range exp.Parameters {
		values := p.ActiveCategoricalValues()
		next := make([]experiment.Assignments, 0, len(combinations)*len(values))
		for _, partial := range combinations {
			for _, v := range values {
				c := partial.Clone()
				c[p.Name] = v
				next = append(next, c)
			}
		}
		combinations = next
	}
	if len(exp.Parameters) == 0 {
		return nil
	}
	return combinations
}
