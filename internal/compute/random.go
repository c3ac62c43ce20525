package compute

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"

	"github.com/dyluth/hone/internal/optimize"
)

// RandomAdapter answers compute calls without a model: next points are
// uniform random draws, ranking is a shuffle and importances are equal. It
// keeps local and development setups working end to end.
type RandomAdapter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var _ optimize.ComputeAdapter = (*RandomAdapter)(nil)

// NewRandomAdapter seeds the adapter; the same seed gives the same answers.
func NewRandomAdapter(seed uint64) *RandomAdapter {
	return &RandomAdapter{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (a *RandomAdapter) NextPoints(_ context.Context, req optimize.NextPointsRequest) ([]optimize.Candidate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	deps := optimize.Deps{Rand: a.rng}
	out := make([]optimize.Candidate, req.Count)
	for i := range out {
		out[i] = optimize.Candidate{Assignments: optimize.RandomAssignments(req.Experiment, deps)}
	}
	return out, nil
}

func (a *RandomAdapter) Rank(_ context.Context, req optimize.RankRequest) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Perm(len(req.Candidates)), nil
}

// Hyperparameters keeps the previous blob, or an empty object.
func (a *RandomAdapter) Hyperparameters(_ context.Context, req optimize.HyperparametersRequest) (json.RawMessage, error) {
	if len(req.Previous) > 0 {
		return req.Previous, nil
	}
	return json.RawMessage(`{}`), nil
}

func (a *RandomAdapter) Importances(_ context.Context, req optimize.ImportancesRequest) (map[string]float64, error) {
	out := make(map[string]float64, len(req.Experiment.Parameters))
	if len(req.Experiment.Parameters) == 0 {
		return out, nil
	}
	share := 1 / float64(len(req.Experiment.Parameters))
	for _, p := range req.Experiment.Parameters {
		out[p.Name] = share
	}
	return out, nil
}
