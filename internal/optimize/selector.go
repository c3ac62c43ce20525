package optimize

import (
	"github.com/dyluth/hone/pkg/experiment"
)

// Strategy is the sampler family chosen for an experiment shape.
type Strategy string

const (
	StrategyConditional Strategy = "conditional"
	StrategySPE         Strategy = "spe"
	StrategyGP          Strategy = "gp"
)

// SelectStrategy maps an experiment's shape to a strategy. It is pure and
// reads nothing but the definition:
//  1. conditionals declared: conditional
//  2. more parameters than highDimensionThreshold: SPE
//  3. otherwise: the general categorical/continuous GP strategy
func SelectStrategy(exp *experiment.Experiment, highDimensionThreshold int) Strategy {
	switch {
	case exp.HasConditionals():
		return StrategyConditional
	case exp.Dimension() > highDimensionThreshold:
		return StrategySPE
	default:
		return StrategyGP
	}
}

// Selector builds samplers with a shared set of collaborators.
type Selector struct {
	deps Deps
}

func NewSelector(deps Deps) *Selector {
	return &Selector{deps: deps.normalized()}
}

// Deps returns the normalized collaborators.
func (s *Selector) Deps() Deps { return s.deps }

// Select returns the model-backed sampler for the experiment's shape.
func (s *Selector) Select(exp *experiment.Experiment) Sampler {
	switch SelectStrategy(exp, s.deps.Settings.HighDimensionThreshold) {
	case StrategyConditional:
		return NewConditionalSource(exp, func(u *experiment.Experiment) Sampler {
			if u.Dimension() > s.deps.Settings.HighDimensionThreshold {
				return NewModelSource(u, MethodSPE, s.deps)
			}
			return NewModelSource(u, MethodGP, s.deps)
		}, s.deps)
	case StrategySPE:
		return NewModelSource(exp, MethodSPE, s.deps)
	default:
		return NewModelSource(exp, MethodGP, s.deps)
	}
}

// ForExperiment dispatches on experiment type first: random and grid
// experiments never reach a model, search experiments use the search source,
// and everything else goes through Select.
func (s *Selector) ForExperiment(exp *experiment.Experiment) Sampler {
	switch exp.Type {
	case experiment.TypeRandom:
		return s.Random(exp, experiment.SourceExplicitRandom)
	case experiment.TypeGrid:
		return NewGridSampler(exp, s.deps)
	case experiment.TypeSearch:
		return NewSearchSource(exp, s.deps)
	default:
		return s.Select(exp)
	}
}

// SuggestionQueue returns the reranking sampler over precomputed suggestions,
// or nil when no queued store is configured.
func (s *Selector) SuggestionQueue(exp *experiment.Experiment) Sampler {
	if s.deps.Queued == nil {
		return nil
	}
	return NewSuggestionQueueSampler(exp, s.deps.Queued, s.deps)
}

// Random returns a random sampler tagging results with source.
func (s *Selector) Random(exp *experiment.Experiment, source experiment.Source) Sampler {
	return NewRandomSampler(exp, s.deps, source)
}

// Precomputes reports whether NEXT_POINTS work is worth doing for the
// experiment: only model-backed types benefit from precomputed suggestions.
func Precomputes(exp *experiment.Experiment) bool {
	return exp.Type == experiment.TypeOffline || exp.Type == experiment.TypeSearch
}
