package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/hone/pkg/experiment"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createExperiment(t *testing.T, s *Store) *experiment.Experiment {
	t.Helper()
	e := &experiment.Experiment{
		Name: "sql",
		Type: experiment.TypeOffline,
		Parameters: []experiment.Parameter{
			{Name: "lr", Type: experiment.ParameterTypeDouble, Bounds: &experiment.Bounds{Min: 0, Max: 1}},
		},
	}
	require.NoError(t, s.CreateExperiment(context.Background(), e))
	return e
}

func createSuggestion(t *testing.T, s *Store, experimentID int64, lr float64) *experiment.UnprocessedSuggestion {
	t.Helper()
	u := &experiment.UnprocessedSuggestion{
		ExperimentID: experimentID,
		Source:       experiment.SourceExplicitRandom,
		Assignments:  experiment.Assignments{"lr": lr},
		Task:         &experiment.Task{Name: "full", Cost: 1},
	}
	require.NoError(t, s.CreateUnprocessedSuggestion(context.Background(), u))
	return u
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hone.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	e := createExperiment(t, s)
	require.NoError(t, s.Close())

	reopened, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	got, err := reopened.GetExperiment(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Name, got.Name)
}

func TestExperiments(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := createExperiment(t, s)
	assert.Equal(t, int64(1), e.ID)

	got, err := s.GetExperiment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = s.GetExperiment(ctx, 7)
	assert.True(t, experiment.IsNotFound(err))
	assert.NoError(t, s.Ping(ctx))
}

func TestSuggestionClaim(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	e := createExperiment(t, s)
	u := createSuggestion(t, s, e.ID, 0.25)

	got, err := s.GetUnprocessedSuggestion(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u, got)

	p := &experiment.ProcessedSuggestion{
		SuggestionID:       u.ID,
		ExperimentID:       e.ID,
		ProcessedAtMs:      100,
		Automatic:          true,
		ClientProvidedData: map[string]string{"run": "a"},
	}
	require.NoError(t, s.ProcessSuggestion(ctx, p))

	err = s.ProcessSuggestion(ctx, p)
	var already *experiment.SuggestionAlreadyProcessedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, u.ID, already.SuggestionID)

	open, err := s.OpenSuggestions(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, *p, open[0].Processed)
	assert.Equal(t, *u, open[0].Unprocessed)

	err = s.ProcessSuggestion(ctx, &experiment.ProcessedSuggestion{SuggestionID: 99, ExperimentID: e.ID})
	assert.True(t, experiment.IsNotFound(err))

	_, err = s.GetUnprocessedSuggestion(ctx, 99)
	assert.True(t, experiment.IsNotFound(err))
}

func TestSuggestionClaim_Concurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	e := createExperiment(t, s)
	u := createSuggestion(t, s, e.ID, 0.5)

	const claimers = 6
	var wg sync.WaitGroup
	errs := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.ProcessSuggestion(ctx, &experiment.ProcessedSuggestion{SuggestionID: u.ID, ExperimentID: e.ID})
		}()
	}
	wg.Wait()
	close(errs)

	winners := 0
	for err := range errs {
		var already *experiment.SuggestionAlreadyProcessedError
		switch {
		case err == nil:
			winners++
		case errors.As(err, &already):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestSuggestionsCloseOnObservationAndDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	e := createExperiment(t, s)

	for i, lr := range []float64{0.1, 0.2, 0.3} {
		u := createSuggestion(t, s, e.ID, lr)
		require.NoError(t, s.ProcessSuggestion(ctx, &experiment.ProcessedSuggestion{SuggestionID: u.ID, ExperimentID: e.ID, ProcessedAtMs: int64(i)}))
	}

	require.NoError(t, s.CreateObservation(ctx, &experiment.Observation{
		ExperimentID: e.ID, SuggestionID: 1, Assignments: experiment.Assignments{"lr": 0.1}, Failed: true,
	}))
	require.NoError(t, s.DeleteSuggestion(ctx, e.ID, 2))
	assert.True(t, experiment.IsNotFound(s.DeleteSuggestion(ctx, e.ID, 42)))

	open, err := s.OpenSuggestions(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(3), open[0].ID())
}

func TestObservations(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	e := createExperiment(t, s)

	last, err := s.LastObservation(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, last)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateObservation(ctx, &experiment.Observation{
			ExperimentID: e.ID,
			Assignments:  experiment.Assignments{"lr": float64(i) / 10},
			Values:       []experiment.MetricValue{{Name: "loss", Value: float64(i)}},
			Failed:       i == 4,
		}))
	}

	counts, err := s.ObservationCounts(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, experiment.ObservationCounts{Count: 5, Failures: 1, MaxID: 5}, counts)

	page, err := s.ObservationPage(ctx, e.ID, 3, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(4), page[0].ID)

	last, err = s.LastObservation(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, int64(5), last.ID)
	assert.True(t, last.Failed)
}

func TestQueuedSuggestions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	e := createExperiment(t, s)

	batch := []experiment.QueuedSuggestion{
		{Source: experiment.SourceGPCategorical, Assignments: experiment.Assignments{"lr": 0.1}},
		{Source: experiment.SourceGPCategorical, Assignments: experiment.Assignments{"lr": 0.2}},
	}
	require.NoError(t, s.ReplaceQueuedSuggestions(ctx, e.ID, batch))
	assert.NotZero(t, batch[0].ID)

	peeked, err := s.PeekQueuedSuggestions(ctx, e.ID, 10)
	require.NoError(t, err)
	require.Len(t, peeked, 2)
	assert.Equal(t, batch[0].ID, peeked[0].ID)
	assert.Equal(t, e.ID, peeked[1].ExperimentID)

	u := peeked[0].ToUnprocessed()
	require.NoError(t, s.CreateUnprocessedSuggestion(ctx, &u))

	again := peeked[0].ToUnprocessed()
	err = s.CreateUnprocessedSuggestion(ctx, &again)
	var dup *experiment.DuplicateUnprocessedSuggestionError
	require.ErrorAs(t, err, &dup)
	assert.ErrorIs(t, err, experiment.ErrSuggestion)

	remaining, err := s.PeekQueuedSuggestions(ctx, e.ID, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, batch[1].ID, remaining[0].ID)

	require.NoError(t, s.ReplaceQueuedSuggestions(ctx, e.ID, nil))
	remaining, err = s.PeekQueuedSuggestions(ctx, e.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestBlobs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	blob, err := s.Hyperparameters(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, s.SetHyperparameters(ctx, 3, json.RawMessage(`{"a":1}`)))
	require.NoError(t, s.SetHyperparameters(ctx, 3, json.RawMessage(`{"a":2}`)))
	blob, err = s.Hyperparameters(ctx, 3)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(blob))

	imp, err := s.Importances(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, imp)

	stored := &experiment.Importances{ExperimentID: 3, Values: map[string]float64{"lr": 1}, ObservationCount: 4, ComputedAtMs: 9}
	require.NoError(t, s.SetImportances(ctx, stored))
	imp, err = s.Importances(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, stored, imp)
}
