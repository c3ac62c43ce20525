package experiment

import (
	"fmt"
	"math"
	"sort"
)

// ExperimentType selects how suggestions are produced for an experiment.
type ExperimentType string

const (
	// TypeOffline experiments are driven by the model once enough data exists
	TypeOffline ExperimentType = "offline"

	// TypeRandom experiments only ever receive uniformly random suggestions
	TypeRandom ExperimentType = "random"

	// TypeGrid experiments walk a predefined grid of values exactly once
	TypeGrid ExperimentType = "grid"

	// TypeSearch experiments explore a constrained space via the search adapter
	TypeSearch ExperimentType = "search"
)

// Validate checks if the ExperimentType is one of the defined constants.
func (t ExperimentType) Validate() error {
	switch t {
	case TypeOffline, TypeRandom, TypeGrid, TypeSearch:
		return nil
	default:
		return fmt.Errorf("invalid experiment type: %q", t)
	}
}

// IsMemoryless reports whether suggestions for this type are produced without a
// model that remembers previous points.
func (t ExperimentType) IsMemoryless() bool {
	return t == TypeOffline || t == TypeRandom
}

// SupportsRandomFallback reports whether a failed suggestion pipeline may be
// replaced by a random suggestion. Grid experiments must never leave the grid.
func (t ExperimentType) SupportsRandomFallback() bool {
	return t != TypeGrid
}

// ParameterType is the value domain of a parameter.
type ParameterType string

const (
	ParameterTypeDouble      ParameterType = "double"
	ParameterTypeInt         ParameterType = "int"
	ParameterTypeCategorical ParameterType = "categorical"
)

// Validate checks if the ParameterType is one of the defined constants.
func (t ParameterType) Validate() error {
	switch t {
	case ParameterTypeDouble, ParameterTypeInt, ParameterTypeCategorical:
		return nil
	default:
		return fmt.Errorf("invalid parameter type: %q", t)
	}
}

// Bounds is the closed interval of a numeric parameter.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// CategoricalValue is one allowed value of a categorical parameter.
// Deleted values stay on the experiment so old observations remain readable
// but are never suggested again.
type CategoricalValue struct {
	Name    string `json:"name"`
	Enum    int    `json:"enum_index"`
	Deleted bool   `json:"deleted,omitempty"`
}

// ParameterCondition restricts a parameter to assignments where a
// conditional takes one of the listed values.
type ParameterCondition struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Parameter is a single dimension of the experiment space.
type Parameter struct {
	Name              string               `json:"name"`
	Type              ParameterType        `json:"type"`
	Bounds            *Bounds              `json:"bounds,omitempty"`             // Required for double and int
	CategoricalValues []CategoricalValue   `json:"categorical_values,omitempty"` // Required for categorical
	Grid              []float64            `json:"grid,omitempty"`               // Predefined grid values for numeric parameters
	Conditions        []ParameterCondition `json:"conditions,omitempty"`         // Conditionals gating this parameter
}

// ActiveCategoricalValues returns the names of the non-deleted categorical values
// in enum order.
func (p Parameter) ActiveCategoricalValues() []string {
	values := make([]CategoricalValue, 0, len(p.CategoricalValues))
	for _, v := range p.CategoricalValues {
		if !v.Deleted {
			values = append(values, v)
		}
	}
	sort.SliceStable(values, func(i, j int) bool { return values[i].Enum < values[j].Enum })

	names := make([]string, len(values))
	for i, v := range values {
		names[i] = v.Name
	}
	return names
}

// GridValues returns the values the grid sampler walks for this parameter.
// Categorical parameters use their active values; numeric parameters use Grid.
func (p Parameter) GridValues() []any {
	if p.Type == ParameterTypeCategorical {
		names := p.ActiveCategoricalValues()
		values := make([]any, len(names))
		for i, n := range names {
			values[i] = n
		}
		return values
	}

	values := make([]any, len(p.Grid))
	for i, v := range p.Grid {
		values[i] = v
	}
	return values
}

// Validate checks the parameter definition is internally consistent.
func (p Parameter) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter name is required")
	}
	if err := p.Type.Validate(); err != nil {
		return fmt.Errorf("parameter %q: %w", p.Name, err)
	}

	switch p.Type {
	case ParameterTypeCategorical:
		if len(p.ActiveCategoricalValues()) == 0 {
			return fmt.Errorf("parameter %q: categorical parameter needs at least one active value", p.Name)
		}
		seen := make(map[string]bool, len(p.CategoricalValues))
		for _, v := range p.CategoricalValues {
			if v.Name == "" {
				return fmt.Errorf("parameter %q: categorical value name is required", p.Name)
			}
			if seen[v.Name] {
				return fmt.Errorf("parameter %q: duplicate categorical value %q", p.Name, v.Name)
			}
			seen[v.Name] = true
		}
	default:
		if p.Bounds == nil {
			return fmt.Errorf("parameter %q: bounds are required for %s parameters", p.Name, p.Type)
		}
		if p.Bounds.Min > p.Bounds.Max {
			return fmt.Errorf("parameter %q: bounds min %v exceeds max %v", p.Name, p.Bounds.Min, p.Bounds.Max)
		}
		if p.Type == ParameterTypeInt && (p.Bounds.Min != math.Trunc(p.Bounds.Min) || p.Bounds.Max != math.Trunc(p.Bounds.Max)) {
			return fmt.Errorf("parameter %q: int bounds must be whole numbers", p.Name)
		}
		for _, g := range p.Grid {
			if g < p.Bounds.Min || g > p.Bounds.Max {
				return fmt.Errorf("parameter %q: grid value %v outside bounds", p.Name, g)
			}
		}
	}
	return nil
}

// Conditional is a categorical switch that decides which parameters are active.
type Conditional struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Task is one fidelity level of a multi-task experiment.
type Task struct {
	Name string  `json:"name"`
	Cost float64 `json:"cost"`
}

// MetricObjective is the direction a metric is optimized in.
type MetricObjective string

const (
	ObjectiveMaximize MetricObjective = "maximize"
	ObjectiveMinimize MetricObjective = "minimize"
)

// Metric is a measured outcome reported on observations.
type Metric struct {
	Name      string          `json:"name"`
	Objective MetricObjective `json:"objective"`
	Threshold *float64        `json:"threshold,omitempty"` // Constraint threshold for search experiments
}

// Experiment is the definition of a parameter/metric space being optimized.
// Experiments are immutable once suggestions exist; the pipeline never edits them.
type Experiment struct {
	ID                int64          `json:"id"`
	Name              string         `json:"name"`
	Type              ExperimentType `json:"type"`
	Parameters        []Parameter    `json:"parameters"`
	Conditionals      []Conditional  `json:"conditionals,omitempty"`
	Tasks             []Task         `json:"tasks,omitempty"`
	Metrics           []Metric       `json:"metrics,omitempty"`
	ObservationBudget int            `json:"observation_budget,omitempty"`
	ParallelBandwidth int            `json:"parallel_bandwidth,omitempty"` // Suggestions a client works on at once (0 means 1)
	CreatedAtMs       int64          `json:"created_at_ms"`
}

// Validate checks the experiment definition is internally consistent. A grid
// experiment without an observation budget gets its grid size.
func (e *Experiment) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("experiment name is required")
	}
	if err := e.Type.Validate(); err != nil {
		return err
	}
	if len(e.Parameters) == 0 {
		return fmt.Errorf("experiment needs at least one parameter")
	}
	if e.ObservationBudget < 0 {
		return fmt.Errorf("observation budget cannot be negative")
	}
	if e.ParallelBandwidth < 0 {
		return fmt.Errorf("parallel bandwidth cannot be negative")
	}

	conditionals := make(map[string]map[string]bool, len(e.Conditionals))
	for _, c := range e.Conditionals {
		if c.Name == "" {
			return fmt.Errorf("conditional name is required")
		}
		if len(c.Values) == 0 {
			return fmt.Errorf("conditional %q needs at least one value", c.Name)
		}
		if _, dup := conditionals[c.Name]; dup {
			return fmt.Errorf("duplicate conditional %q", c.Name)
		}
		values := make(map[string]bool, len(c.Values))
		for _, v := range c.Values {
			values[v] = true
		}
		conditionals[c.Name] = values
	}

	names := make(map[string]bool, len(e.Parameters))
	for _, p := range e.Parameters {
		if err := p.Validate(); err != nil {
			return err
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		if _, clash := conditionals[p.Name]; clash {
			return fmt.Errorf("parameter %q clashes with a conditional of the same name", p.Name)
		}
		names[p.Name] = true

		for _, cond := range p.Conditions {
			allowed, ok := conditionals[cond.Name]
			if !ok {
				return fmt.Errorf("parameter %q: unknown conditional %q", p.Name, cond.Name)
			}
			for _, v := range cond.Values {
				if !allowed[v] {
					return fmt.Errorf("parameter %q: conditional %q has no value %q", p.Name, cond.Name, v)
				}
			}
		}

		if e.Type == TypeGrid && len(p.GridValues()) == 0 {
			return fmt.Errorf("parameter %q: grid experiments need grid values", p.Name)
		}
	}

	if e.Type == TypeGrid {
		if len(e.Conditionals) > 0 {
			return fmt.Errorf("grid experiments cannot declare conditionals")
		}
		// A grid is walked exactly once.
		size := e.GridSize()
		if e.ObservationBudget == 0 {
			e.ObservationBudget = size
		} else if e.ObservationBudget != size {
			return fmt.Errorf("grid experiment observation budget %d must equal its grid size %d", e.ObservationBudget, size)
		}
	}

	taskNames := make(map[string]bool, len(e.Tasks))
	for _, t := range e.Tasks {
		if t.Name == "" || t.Cost <= 0 {
			return fmt.Errorf("tasks need a name and a positive cost")
		}
		if taskNames[t.Name] {
			return fmt.Errorf("duplicate task %q", t.Name)
		}
		taskNames[t.Name] = true
	}

	return nil
}

// Dimension is the count of all declared parameters.
func (e *Experiment) Dimension() int {
	return len(e.Parameters)
}

// HasConditionals reports whether any conditional is declared.
func (e *Experiment) HasConditionals() bool {
	return len(e.Conditionals) > 0
}

// IsCategoricalOnly reports whether every parameter is categorical and no
// conditionals are declared.
func (e *Experiment) IsCategoricalOnly() bool {
	if e.HasConditionals() {
		return false
	}
	for _, p := range e.Parameters {
		if p.Type != ParameterTypeCategorical {
			return false
		}
	}
	return true
}

// GridSize is the number of distinct grid cells, the product of all grid-value
// counts. It is the observation budget of a grid experiment.
func (e *Experiment) GridSize() int {
	size := 1
	for _, p := range e.Parameters {
		size *= len(p.GridValues())
	}
	return size
}

// Bandwidth returns the parallel bandwidth, defaulting to one.
func (e *Experiment) Bandwidth() int {
	if e.ParallelBandwidth < 1 {
		return 1
	}
	return e.ParallelBandwidth
}

// Parameter returns the named parameter, or nil when it is not declared.
func (e *Experiment) Parameter(name string) *Parameter {
	for i := range e.Parameters {
		if e.Parameters[i].Name == name {
			return &e.Parameters[i]
		}
	}
	return nil
}

// DefaultTask is the most expensive task, which suggestions carry when the
// sampler does not choose one. Nil for single-task experiments.
func (e *Experiment) DefaultTask() *Task {
	if len(e.Tasks) == 0 {
		return nil
	}
	best := e.Tasks[0]
	for _, t := range e.Tasks[1:] {
		if t.Cost > best.Cost {
			best = t
		}
	}
	return &best
}

// ParameterActive reports whether a parameter's conditions are satisfied by the
// conditional values in assignments.
func ParameterActive(p Parameter, a Assignments) bool {
	for _, cond := range p.Conditions {
		value, ok := a[cond.Name].(string)
		if !ok {
			return false
		}
		matched := false
		for _, v := range cond.Values {
			if v == value {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// ValidateAssignments checks assignments against the experiment definition:
// every conditional and every active parameter must be present with a legal
// value, and nothing else may be assigned.
func (e *Experiment) ValidateAssignments(a Assignments) error {
	if len(a) == 0 {
		return fmt.Errorf("assignments are required")
	}

	expected := make(map[string]bool, len(e.Parameters)+len(e.Conditionals))
	for _, c := range e.Conditionals {
		expected[c.Name] = true
		value, ok := a[c.Name].(string)
		if !ok {
			return fmt.Errorf("conditional %q must be assigned a string value", c.Name)
		}
		legal := false
		for _, v := range c.Values {
			if v == value {
				legal = true
				break
			}
		}
		if !legal {
			return fmt.Errorf("conditional %q has no value %q", c.Name, value)
		}
	}

	for _, p := range e.Parameters {
		if !ParameterActive(p, a) {
			continue
		}
		expected[p.Name] = true
		raw, ok := a[p.Name]
		if !ok {
			return fmt.Errorf("parameter %q is not assigned", p.Name)
		}
		if err := validateValue(p, raw); err != nil {
			return err
		}
	}

	for name := range a {
		if !expected[name] {
			return fmt.Errorf("unexpected assignment %q", name)
		}
	}
	return nil
}

func validateValue(p Parameter, raw any) error {
	if p.Type == ParameterTypeCategorical {
		value, ok := raw.(string)
		if !ok {
			return fmt.Errorf("parameter %q must be assigned a string value", p.Name)
		}
		for _, v := range p.ActiveCategoricalValues() {
			if v == value {
				return nil
			}
		}
		return fmt.Errorf("parameter %q has no active value %q", p.Name, value)
	}

	value, ok := ToFloat(raw)
	if !ok {
		return fmt.Errorf("parameter %q must be assigned a number", p.Name)
	}
	if value < p.Bounds.Min || value > p.Bounds.Max {
		return fmt.Errorf("parameter %q value %v outside bounds [%v, %v]", p.Name, value, p.Bounds.Min, p.Bounds.Max)
	}
	if p.Type == ParameterTypeInt && value != math.Trunc(value) {
		return fmt.Errorf("parameter %q must be assigned a whole number", p.Name)
	}
	return nil
}
