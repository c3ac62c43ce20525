package optimize

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/hone/pkg/experiment"
)

func gridExperiment() *experiment.Experiment {
	x := doubleParam("x", 0, 1)
	x.Grid = []float64{0, 0.5, 1}
	y := experiment.Parameter{Name: "y", Type: experiment.ParameterTypeInt, Bounds: &experiment.Bounds{Min: 1, Max: 4}, Grid: []float64{1, 4}}
	return &experiment.Experiment{
		ID:         5,
		Name:       "grid",
		Type:       experiment.TypeGrid,
		Parameters: []experiment.Parameter{x, y, categoricalParam("c", "red", "green")},
	}
}

func TestGridAssignments_VisitsEveryCellOnce(t *testing.T) {
	exp := gridExperiment()
	require.NoError(t, exp.Validate())
	n := exp.GridSize()
	require.Equal(t, 12, n)

	seen := make(map[string]int, n)
	for i := 0; i < n; i++ {
		seen[GridAssignments(exp, i).Key()]++
	}
	assert.Len(t, seen, n)
	for key, count := range seen {
		assert.Equal(t, 1, count, "cell %s visited more than once", key)
	}
}

func TestGridAssignments_MixedRadixOrder(t *testing.T) {
	exp := gridExperiment()

	assert.Equal(t, experiment.Assignments{"x": 0.0, "y": 1.0, "c": "red"}, GridAssignments(exp, 0))
	assert.Equal(t, experiment.Assignments{"x": 0.5, "y": 1.0, "c": "red"}, GridAssignments(exp, 1))
	assert.Equal(t, experiment.Assignments{"x": 0.0, "y": 4.0, "c": "red"}, GridAssignments(exp, 3))
	assert.Equal(t, experiment.Assignments{"x": 0.0, "y": 1.0, "c": "green"}, GridAssignments(exp, 6))
	assert.True(t, GridAssignments(exp, 0).Equal(GridAssignments(exp, 12)), "indexes wrap past the grid size")
}

func TestGridSampler_StartsAfterObservedAndOpen(t *testing.T) {
	exp := gridExperiment()
	s := NewGridSampler(exp, testDeps(nil))

	open := []experiment.Suggestion{{}, {}}
	args := NewArgs(WithObservationCount(3), WithOpenSuggestions(open))

	got, err := s.FetchBestSuggestions(context.Background(), args, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, GridAssignments(exp, 5), got[0].Assignments)
	assert.Equal(t, GridAssignments(exp, 6), got[1].Assignments)
	assert.Equal(t, experiment.SourceGrid, got[0].Source)
	assert.Equal(t, exp.ID, got[0].ExperimentID)
	assert.Equal(t, fixedNow.UnixMilli(), got[0].GeneratedAtMs)

	none, err := s.FetchBestSuggestions(context.Background(), args, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
