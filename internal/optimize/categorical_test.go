package optimize

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/hone/pkg/experiment"
)

func keysOf(suggestions []experiment.UnprocessedSuggestion) map[string]int {
	keys := make(map[string]int, len(suggestions))
	for _, s := range suggestions {
		keys[s.Assignments.Key()]++
	}
	return keys
}

func TestCategoricalCombinations(t *testing.T) {
	exp := categoricalExperiment()
	combos := CategoricalCombinations(exp)
	assert.Len(t, combos, 6)

	exp.Parameters[1].CategoricalValues[2].Deleted = true
	assert.Len(t, CategoricalCombinations(exp), 4, "deleted values are excluded")
}

// TestCategoricalOnly_CoversAllSixCombinations is the two-by-three end-to-end case.
func TestCategoricalOnly_CoversAllSixCombinations(t *testing.T) {
	for seed := uint64(0); seed < 5; seed++ {
		deps := testDeps(nil)
		deps.Rand = rand.New(rand.NewPCG(seed, seed+1))
		s := NewCategoricalOnlySampler(categoricalExperiment(), deps)

		got, err := s.FetchBestSuggestions(context.Background(), NewArgs(), 6)
		require.NoError(t, err)
		require.Len(t, got, 6)

		keys := keysOf(got)
		assert.Len(t, keys, 6, "every combination exactly once")
		for _, c := range CategoricalCombinations(categoricalExperiment()) {
			assert.Equal(t, 1, keys[c.Key()])
		}
	}
}

func TestCategoricalOnly_DistinctBeforeRepeat(t *testing.T) {
	ctx := context.Background()
	exp := categoricalExperiment()

	for limit := 1; limit <= 6; limit++ {
		got, err := NewCategoricalOnlySampler(exp, testDeps(nil)).FetchBestSuggestions(ctx, NewArgs(), limit)
		require.NoError(t, err)
		assert.Len(t, got, limit)
		assert.Len(t, keysOf(got), limit, "limit %d should yield distinct combinations", limit)
	}

	got, err := NewCategoricalOnlySampler(exp, testDeps(nil)).FetchBestSuggestions(ctx, NewArgs(), 7)
	require.NoError(t, err)
	assert.Len(t, got, 7)
	assert.Len(t, keysOf(got), 6, "k+1 yields all k plus a repeat")
}

func TestCategoricalOnly_ExcludesOpenAndObserved(t *testing.T) {
	exp := categoricalExperiment()
	observed := experiment.Assignments{"a": "a1", "b": "b1"}
	open := experiment.Assignments{"a": "a2", "b": "b3"}

	args := NewArgs(
		WithObservations(SliceIterator([]experiment.Observation{{ID: 1, Assignments: observed}})),
		WithObservationCount(1),
		WithOpenSuggestions([]experiment.Suggestion{{Unprocessed: experiment.UnprocessedSuggestion{Assignments: open}}}),
	)

	got, err := NewCategoricalOnlySampler(exp, testDeps(nil)).FetchBestSuggestions(context.Background(), args, 4)
	require.NoError(t, err)
	keys := keysOf(got)
	assert.Len(t, keys, 4)
	assert.NotContains(t, keys, observed.Key())
	assert.NotContains(t, keys, open.Key())
	assert.Equal(t, experiment.SourceCategoricalExhaustive, got[0].Source)
}

func TestCategoricalOnly_ConsumedIteratorIsAnError(t *testing.T) {
	args := NewArgs()
	_, err := args.Observations().Collect(context.Background())
	require.NoError(t, err)

	_, err = NewCategoricalOnlySampler(categoricalExperiment(), testDeps(nil)).FetchBestSuggestions(context.Background(), args, 1)
	assert.ErrorIs(t, err, ErrIteratorConsumed)
}

func wideCategoricalExperiment(params, values int) *experiment.Experiment {
	exp := &experiment.Experiment{ID: 3, Name: "wide", Type: experiment.TypeOffline}
	for i := 0; i < params; i++ {
		names := make([]string, values)
		for j := range names {
			names[j] = fmt.Sprintf("v%d", j)
		}
		exp.Parameters = append(exp.Parameters, categoricalParam(fmt.Sprintf("p%d", i), names...))
	}
	return exp
}

func TestCategoricalCombinationCount(t *testing.T) {
	tests := []struct {
		name string
		exp  *experiment.Experiment
		want int
	}{
		{"two by three", categoricalExperiment(), 6},
		{"seven by ten", wideCategoricalExperiment(7, 10), 10_000_000},
		{"saturates", wideCategoricalExperiment(40, 5), math.MaxInt},
		{"no parameters", &experiment.Experiment{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoricalCombinationCount(tt.exp))
		})
	}
}

func TestCategoricalOnly_LargeSpaceIsSampledNotEnumerated(t *testing.T) {
	exp := wideCategoricalExperiment(20, 5)

	got, err := NewCategoricalOnlySampler(exp, testDeps(nil)).FetchBestSuggestions(context.Background(), NewArgs(), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, s := range got {
		assert.Equal(t, experiment.SourceExplicitRandom, s.Source)
		assert.NoError(t, exp.ValidateAssignments(s.Assignments))
	}
}

func TestCategoricalOnly_CapIsConfigurable(t *testing.T) {
	deps := testDeps(nil)
	deps.Settings.MaxCategoricalCombinations = 5

	got, err := NewCategoricalOnlySampler(categoricalExperiment(), deps).FetchBestSuggestions(context.Background(), NewArgs(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, experiment.SourceExplicitRandom, got[0].Source, "six combinations exceed a cap of five")

	deps.Settings.MaxCategoricalCombinations = 6
	got, err = NewCategoricalOnlySampler(categoricalExperiment(), deps).FetchBestSuggestions(context.Background(), NewArgs(), 2)
	require.NoError(t, err)
	assert.Equal(t, experiment.SourceCategoricalExhaustive, got[0].Source)
}
