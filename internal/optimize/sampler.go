// Package optimize turns an experiment's state into candidate suggestions.
//
// Args is the immutable snapshot every stage reads. The Selector maps the
// shape of an experiment to a Sampler; samplers call the ComputeAdapter for
// model-backed points and degrade adapter timeouts to empty results.
package optimize

import (
	"context"

	"github.com/dyluth/hone/pkg/experiment"
)

// Sampler produces candidate suggestions. A limit of zero returns nothing
// without calling any adapter. An empty result with a nil error means "no
// suggestion available now"; the caller decides the fallback.
type Sampler interface {
	Name() string
	FetchBestSuggestions(ctx context.Context, args Args, limit int) ([]experiment.UnprocessedSuggestion, error)
}

func newSuggestion(exp *experiment.Experiment, d Deps, source experiment.Source, a experiment.Assignments, task *experiment.Task) experiment.UnprocessedSuggestion {
	if task == nil {
		task = exp.DefaultTask()
	}
	return experiment.UnprocessedSuggestion{
		ExperimentID:  exp.ID,
		Source:        source,
		Assignments:   a,
		Task:          task,
		GeneratedAtMs: d.Clock().UnixMilli(),
	}
}

func fromCandidates(exp *experiment.Experiment, d Deps, source experiment.Source, candidates []Candidate) []experiment.UnprocessedSuggestion {
	out := make([]experiment.UnprocessedSuggestion, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Assignments) == 0 {
			continue
		}
		out = append(out, newSuggestion(exp, d, source, c.Assignments, c.Task))
	}
	return out
}
