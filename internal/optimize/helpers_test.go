package optimize

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dyluth/hone/pkg/experiment"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func testDeps(adapter ComputeAdapter) Deps {
	deps := Deps{
		Rand:  rand.New(rand.NewPCG(1, 2)),
		Clock: func() time.Time { return fixedNow },
	}
	if adapter != nil {
		deps.Adapter = adapter
	}
	return deps
}

// fakeAdapter records calls and answers with configurable funcs.
type fakeAdapter struct {
	mu              sync.Mutex
	nextPointsCalls []NextPointsRequest
	rankCalls       []RankRequest

	nextPoints func(req NextPointsRequest) ([]Candidate, error)
	rank       func(req RankRequest) ([]int, error)
}

func (f *fakeAdapter) NextPoints(_ context.Context, req NextPointsRequest) ([]Candidate, error) {
	f.mu.Lock()
	f.nextPointsCalls = append(f.nextPointsCalls, req)
	f.mu.Unlock()
	if f.nextPoints != nil {
		return f.nextPoints(req)
	}
	out := make([]Candidate, req.Count)
	for i := range out {
		out[i] = Candidate{Assignments: experiment.Assignments{"x": float64(i) / 10}}
	}
	return out, nil
}

func (f *fakeAdapter) Rank(_ context.Context, req RankRequest) ([]int, error) {
	f.mu.Lock()
	f.rankCalls = append(f.rankCalls, req)
	f.mu.Unlock()
	if f.rank != nil {
		return f.rank(req)
	}
	order := make([]int, len(req.Candidates))
	for i := range order {
		order[i] = i
	}
	return order, nil
}

func (f *fakeAdapter) Hyperparameters(context.Context, HyperparametersRequest) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeAdapter) Importances(context.Context, ImportancesRequest) (map[string]float64, error) {
	return map[string]float64{}, nil
}

func categoricalParam(name string, values ...string) experiment.Parameter {
	p := experiment.Parameter{Name: name, Type: experiment.ParameterTypeCategorical}
	for i, v := range values {
		p.CategoricalValues = append(p.CategoricalValues, experiment.CategoricalValue{Name: v, Enum: i + 1})
	}
	return p
}

func doubleParam(name string, lo, hi float64) experiment.Parameter {
	return experiment.Parameter{Name: name, Type: experiment.ParameterTypeDouble, Bounds: &experiment.Bounds{Min: lo, Max: hi}}
}

func continuousExperiment() *experiment.Experiment {
	return &experiment.Experiment{
		ID:         1,
		Name:       "continuous",
		Type:       experiment.TypeOffline,
		Parameters: []experiment.Parameter{doubleParam("x", 0, 1)},
	}
}

func categoricalExperiment() *experiment.Experiment {
	return &experiment.Experiment{
		ID:   2,
		Name: "categorical",
		Type: experiment.TypeOffline,
		Parameters: []experiment.Parameter{
			categoricalParam("a", "a1", "a2"),
			categoricalParam("b", "b1", "b2", "b3"),
		},
	}
}

func conditionalExperiment() *experiment.Experiment {
	depth := experiment.Parameter{
		Name:       "depth",
		Type:       experiment.ParameterTypeInt,
		Bounds:     &experiment.Bounds{Min: 1, Max: 10},
		Conditions: []experiment.ParameterCondition{{Name: "model", Values: []string{"tree"}}},
	}
	width := experiment.Parameter{
		Name:       "width",
		Type:       experiment.ParameterTypeDouble,
		Bounds:     &experiment.Bounds{Min: 0, Max: 1},
		Conditions: []experiment.ParameterCondition{{Name: "model", Values: []string{"net"}}},
	}
	return &experiment.Experiment{
		ID:           3,
		Name:         "conditional",
		Type:         experiment.TypeOffline,
		Conditionals: []experiment.Conditional{{Name: "model", Values: []string{"tree", "net"}}},
		Parameters:   []experiment.Parameter{doubleParam("lr", 0, 1), depth, width},
	}
}

func observationsN(n int) []experiment.Observation {
	out := make([]experiment.Observation, n)
	for i := range out {
		out[i] = experiment.Observation{
			ID:          int64(i + 1),
			Assignments: experiment.Assignments{"x": float64(i) / 100},
			Values:      []experiment.MetricValue{{Name: "y", Value: float64(i)}},
		}
	}
	return out
}

func argsWithObservations(obs []experiment.Observation, failures int) Args {
	return NewArgs(
		WithObservations(SliceIterator(obs)),
		WithObservationCount(len(obs)),
		WithFailureCount(failures),
	)
}
