package handlers

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/hone/internal/optimize"
	"github.com/dyluth/hone/internal/queue"
	"github.com/dyluth/hone/pkg/experiment"
)

var fixedNow = time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)

func setupTestClient(t *testing.T) *experiment.Client {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := experiment.NewClient(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func newSelector(adapter optimize.ComputeAdapter) *optimize.Selector {
	deps := optimize.Deps{
		Rand:  rand.New(rand.NewPCG(3, 5)),
		Clock: func() time.Time { return fixedNow },
	}
	if adapter != nil {
		deps.Adapter = adapter
	}
	return optimize.NewSelector(deps)
}

func createExperiment(t *testing.T, client *experiment.Client, typ experiment.ExperimentType) *experiment.Experiment {
	t.Helper()
	e := &experiment.Experiment{
		Name: "handlers",
		Type: typ,
		Parameters: []experiment.Parameter{
			{Name: "x", Type: experiment.ParameterTypeDouble, Bounds: &experiment.Bounds{Min: 0, Max: 1}},
			{
				Name: "color",
				Type: experiment.ParameterTypeCategorical,
				CategoricalValues: []experiment.CategoricalValue{
					{Name: "red", Enum: 1},
					{Name: "blue", Enum: 2},
				},
			},
		},
	}
	require.NoError(t, client.CreateExperiment(context.Background(), e))
	return e
}

func observe(t *testing.T, client *experiment.Client, e *experiment.Experiment, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, client.CreateObservation(context.Background(), &experiment.Observation{
			ExperimentID: e.ID,
			Assignments:  experiment.Assignments{"x": float64(i) / 10, "color": "blue"},
			Values:       []experiment.MetricValue{{Name: "loss", Value: float64(i)}},
		}))
	}
}

func message(t *testing.T, typ queue.MessageType, payload any) queue.Message {
	t.Helper()
	m, err := queue.NewMessage(typ, payload)
	require.NoError(t, err)
	return m
}

// fakeAdapter answers every compute call, optionally with err.
type fakeAdapter struct {
	err error

	mu              sync.Mutex
	nextPointsCalls []optimize.NextPointsRequest
	hyperCalls      []optimize.HyperparametersRequest
	importanceCalls []optimize.ImportancesRequest
}

func (f *fakeAdapter) NextPoints(_ context.Context, req optimize.NextPointsRequest) ([]optimize.Candidate, error) {
	f.mu.Lock()
	f.nextPointsCalls = append(f.nextPointsCalls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]optimize.Candidate, req.Count)
	for i := range out {
		out[i] = optimize.Candidate{Assignments: experiment.Assignments{"x": float64(i) / 20, "color": "red"}}
	}
	return out, nil
}

func (f *fakeAdapter) Rank(_ context.Context, req optimize.RankRequest) ([]int, error) {
	order := make([]int, len(req.Candidates))
	for i := range order {
		order[i] = i
	}
	return order, nil
}

func (f *fakeAdapter) Hyperparameters(_ context.Context, req optimize.HyperparametersRequest) (json.RawMessage, error) {
	f.mu.Lock()
	f.hyperCalls = append(f.hyperCalls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"length_scales":[0.3,1]}`), nil
}

func (f *fakeAdapter) Importances(_ context.Context, req optimize.ImportancesRequest) (map[string]float64, error) {
	f.mu.Lock()
	f.importanceCalls = append(f.importanceCalls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return map[string]float64{"x": 0.9, "color": 0.1}, nil
}
