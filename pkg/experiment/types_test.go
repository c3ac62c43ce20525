package experiment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func categorical(name string, values ...string) Parameter {
	p := Parameter{Name: name, Type: ParameterTypeCategorical}
	for i, v := range values {
		p.CategoricalValues = append(p.CategoricalValues, CategoricalValue{Name: v, Enum: i + 1})
	}
	return p
}

func validExperiment() *Experiment {
	return &Experiment{
		Name: "tuning",
		Type: TypeOffline,
		Parameters: []Parameter{
			{Name: "lr", Type: ParameterTypeDouble, Bounds: &Bounds{Min: 0, Max: 1}},
			{Name: "layers", Type: ParameterTypeInt, Bounds: &Bounds{Min: 1, Max: 8}},
			categorical("optimizer", "adam", "sgd"),
		},
	}
}

// TestExperimentValidate_Valid tests that a well formed experiment passes validation
func TestExperimentValidate_Valid(t *testing.T) {
	if err := validExperiment().Validate(); err != nil {
		t.Errorf("valid experiment failed validation: %v", err)
	}
}

func TestExperimentValidate_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(e *Experiment)
		wantErr string
	}{
		{"missing name", func(e *Experiment) { e.Name = "" }, "name is required"},
		{"bad type", func(e *Experiment) { e.Type = "bandit" }, "invalid experiment type"},
		{"no parameters", func(e *Experiment) { e.Parameters = nil }, "at least one parameter"},
		{"missing bounds", func(e *Experiment) { e.Parameters[0].Bounds = nil }, "bounds are required"},
		{"inverted bounds", func(e *Experiment) { e.Parameters[0].Bounds = &Bounds{Min: 2, Max: 1} }, "exceeds max"},
		{"fractional int bounds", func(e *Experiment) { e.Parameters[1].Bounds = &Bounds{Min: 0.5, Max: 3} }, "whole numbers"},
		{"duplicate parameter", func(e *Experiment) { e.Parameters[1].Name = "lr" }, "duplicate parameter"},
		{"all values deleted", func(e *Experiment) {
			for i := range e.Parameters[2].CategoricalValues {
				e.Parameters[2].CategoricalValues[i].Deleted = true
			}
		}, "at least one active value"},
		{"unknown conditional", func(e *Experiment) {
			e.Parameters[0].Conditions = []ParameterCondition{{Name: "model", Values: []string{"a"}}}
		}, "unknown conditional"},
		{"grid without values", func(e *Experiment) { e.Type = TypeGrid }, "grid values"},
		{"negative bandwidth", func(e *Experiment) { e.ParallelBandwidth = -1 }, "parallel bandwidth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validExperiment()
			tt.mutate(e)
			err := e.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExperimentTypePolicies(t *testing.T) {
	assert.True(t, TypeOffline.IsMemoryless())
	assert.True(t, TypeRandom.IsMemoryless())
	assert.False(t, TypeGrid.IsMemoryless())
	assert.False(t, TypeSearch.IsMemoryless())

	assert.False(t, TypeGrid.SupportsRandomFallback())
	assert.True(t, TypeSearch.SupportsRandomFallback())
}

func TestActiveCategoricalValues(t *testing.T) {
	p := Parameter{
		Name: "color",
		Type: ParameterTypeCategorical,
		CategoricalValues: []CategoricalValue{
			{Name: "red", Enum: 3},
			{Name: "green", Enum: 1, Deleted: true},
			{Name: "blue", Enum: 2},
		},
	}

	assert.Equal(t, []string{"blue", "red"}, p.ActiveCategoricalValues())
}

func TestGridSize(t *testing.T) {
	e := &Experiment{
		Name: "grid",
		Type: TypeGrid,
		Parameters: []Parameter{
			{Name: "x", Type: ParameterTypeDouble, Bounds: &Bounds{Min: 0, Max: 1}, Grid: []float64{0, 0.5, 1}},
			categorical("c", "a", "b"),
		},
	}
	require.NoError(t, e.Validate())
	assert.Equal(t, 6, e.GridSize())
	assert.Equal(t, 6, e.ObservationBudget, "budget is derived from the grid")
}

func TestGridObservationBudget(t *testing.T) {
	grid := func(budget int) *Experiment {
		return &Experiment{
			Name: "grid",
			Type: TypeGrid,
			Parameters: []Parameter{
				{Name: "x", Type: ParameterTypeDouble, Bounds: &Bounds{Min: 0, Max: 1}, Grid: []float64{0, 0.5, 1}},
				{Name: "n", Type: ParameterTypeInt, Bounds: &Bounds{Min: 1, Max: 8}, Grid: []float64{1, 2, 4, 8}},
			},
			ObservationBudget: budget,
		}
	}

	tests := []struct {
		name       string
		budget     int
		wantBudget int
		wantErr    string
	}{
		{"derived when unset", 0, 12, ""},
		{"matching budget kept", 12, 12, ""},
		{"smaller budget rejected", 5, 0, "observation budget 5 must equal its grid size 12"},
		{"larger budget rejected", 20, 0, "observation budget 20 must equal its grid size 12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := grid(tt.budget)
			err := e.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBudget, e.ObservationBudget)
		})
	}

	t.Run("non-grid budgets are free", func(t *testing.T) {
		e := validExperiment()
		e.ObservationBudget = 7
		require.NoError(t, e.Validate())
		assert.Equal(t, 7, e.ObservationBudget)
	})
}

func TestDefaultTask(t *testing.T) {
	e := validExperiment()
	assert.Nil(t, e.DefaultTask())

	e.Tasks = []Task{{Name: "cheap", Cost: 0.1}, {Name: "full", Cost: 1}, {Name: "half", Cost: 0.5}}
	require.NotNil(t, e.DefaultTask())
	assert.Equal(t, "full", e.DefaultTask().Name)
}

func TestValidateAssignments(t *testing.T) {
	e := validExperiment()
	e.Conditionals = []Conditional{{Name: "arch", Values: []string{"cnn", "mlp"}}}
	e.Parameters[1].Conditions = []ParameterCondition{{Name: "arch", Values: []string{"mlp"}}}
	require.NoError(t, e.Validate())

	tests := []struct {
		name    string
		a       Assignments
		wantErr string
	}{
		{"inactive parameter omitted", Assignments{"arch": "cnn", "lr": 0.1, "optimizer": "adam"}, ""},
		{"active parameter present", Assignments{"arch": "mlp", "lr": 0.1, "layers": 3.0, "optimizer": "sgd"}, ""},
		{"active parameter missing", Assignments{"arch": "mlp", "lr": 0.1, "optimizer": "sgd"}, "not assigned"},
		{"inactive parameter present", Assignments{"arch": "cnn", "lr": 0.1, "layers": 3.0, "optimizer": "sgd"}, "unexpected assignment"},
		{"out of bounds", Assignments{"arch": "cnn", "lr": 1.5, "optimizer": "adam"}, "outside bounds"},
		{"fractional int", Assignments{"arch": "mlp", "lr": 0.1, "layers": 2.5, "optimizer": "adam"}, "whole number"},
		{"unknown categorical", Assignments{"arch": "cnn", "lr": 0.1, "optimizer": "rmsprop"}, "no active value"},
		{"missing conditional", Assignments{"lr": 0.1, "optimizer": "adam"}, "conditional"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.ValidateAssignments(tt.a)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "got %q", err.Error())
		})
	}
}

func TestAssignmentsEqual(t *testing.T) {
	a := Assignments{"x": 1.0, "c": "red"}

	assert.True(t, a.Equal(Assignments{"c": "red", "x": 1}))
	assert.True(t, a.Equal(Assignments{"c": "red", "x": int64(1)}))
	assert.False(t, a.Equal(Assignments{"c": "red", "x": 1.5}))
	assert.False(t, a.Equal(Assignments{"c": "blue", "x": 1.0}))
	assert.False(t, a.Equal(Assignments{"x": 1.0}))
	assert.Equal(t, a.Key(), a.Clone().Key())
}

func TestSuggestionState(t *testing.T) {
	s := Suggestion{}
	assert.Equal(t, SuggestionStateOpen, s.State())

	s.Processed.Deleted = true
	assert.Equal(t, SuggestionStateClosed, s.State())

	s = Suggestion{Observation: &Observation{ID: 1}}
	assert.Equal(t, SuggestionStateClosed, s.State())
}

func TestObservationCountsSuccesses(t *testing.T) {
	c := ObservationCounts{Count: 7, Failures: 2}
	assert.Equal(t, 5, c.Successes())
}
