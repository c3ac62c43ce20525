package experiment

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Assignments maps parameter (and conditional) names to values. Numeric values
// are float64 and categorical values are strings.
type Assignments map[string]any

// Clone returns a shallow copy; values are immutable scalars.
func (a Assignments) Clone() Assignments {
	out := make(Assignments, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Key returns a canonical string form. Two assignments with equal keys assign
// the same values to the same names regardless of numeric representation.
func (a Assignments) Key() string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(strconv.Quote(name))
		b.WriteByte('=')
		switch v := a[name].(type) {
		case string:
			b.WriteString(strconv.Quote(v))
		default:
			if f, ok := ToFloat(v); ok {
				b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
			} else {
				fmt.Fprintf(&b, "%v", v)
			}
		}
		b.WriteByte(';')
	}
	return b.String()
}

// Equal reports whether both assignments assign the same values.
func (a Assignments) Equal(other Assignments) bool {
	if len(a) != len(other) {
		return false
	}
	return a.Key() == other.Key()
}

// ToFloat converts the numeric representations found in decoded assignments.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Source records which strategy produced a suggestion.
type Source string

const (
	SourceUserCreated              Source = "user_created"
	SourceExplicitRandom           Source = "explicit_random"
	SourceGrid                     Source = "grid"
	SourceGPCategorical            Source = "gp_categorical"
	SourceSearch                   Source = "search"
	SourcePaddingRandom            Source = "padding_random"
	SourceSPE                      Source = "spe"
	SourceConditionalUnconditioned Source = "conditional_unconditioned"
	SourceCategoricalExhaustive    Source = "categorical_exhaustive"
	SourceFallbackRandom           Source = "fallback_random"
)

// Validate checks if the Source is one of the defined constants.
func (s Source) Validate() error {
	switch s {
	case SourceUserCreated, SourceExplicitRandom, SourceGrid, SourceGPCategorical, SourceSearch,
		SourcePaddingRandom, SourceSPE, SourceConditionalUnconditioned, SourceCategoricalExhaustive,
		SourceFallbackRandom:
		return nil
	default:
		return fmt.Errorf("invalid suggestion source: %q", s)
	}
}

// UnprocessedSuggestion is a candidate point. Samplers create it unpersisted
// (ID zero); the repository assigns an ID when it is stored.
type UnprocessedSuggestion struct {
	ID                 int64       `json:"id"`
	ExperimentID       int64       `json:"experiment_id"`
	Source             Source      `json:"source"`
	Assignments        Assignments `json:"assignments"`
	Task               *Task       `json:"task,omitempty"`
	GeneratedAtMs      int64       `json:"generated_at_ms"`                // Also the score used when ranking by recency
	QueuedSuggestionID int64       `json:"queued_suggestion_id,omitempty"` // Precomputed suggestion this was made from
}

// Validate checks the suggestion is complete enough to persist.
func (u *UnprocessedSuggestion) Validate() error {
	if u.ExperimentID <= 0 {
		return fmt.Errorf("experiment_id is required")
	}
	if err := u.Source.Validate(); err != nil {
		return err
	}
	if len(u.Assignments) == 0 {
		return fmt.Errorf("assignments are required")
	}
	return nil
}

// QueuedSuggestion is a precomputed candidate waiting in the fast store until
// the broker serves it.
type QueuedSuggestion struct {
	ID           int64       `json:"id"`
	ExperimentID int64       `json:"experiment_id"`
	Source       Source      `json:"source"`
	Assignments  Assignments `json:"assignments"`
	Task         *Task       `json:"task,omitempty"`
	CreatedAtMs  int64       `json:"created_at_ms"`
}

// ToUnprocessed returns an unpersisted suggestion that references this queued
// suggestion so the store can consume it exactly once.
func (q *QueuedSuggestion) ToUnprocessed() UnprocessedSuggestion {
	return UnprocessedSuggestion{
		ExperimentID:       q.ExperimentID,
		Source:             q.Source,
		Assignments:        q.Assignments.Clone(),
		Task:               q.Task,
		GeneratedAtMs:      q.CreatedAtMs,
		QueuedSuggestionID: q.ID,
	}
}

// ProcessedSuggestion records that an unprocessed suggestion was claimed and
// handed to a client. One-to-one with UnprocessedSuggestion by SuggestionID.
type ProcessedSuggestion struct {
	SuggestionID       int64             `json:"suggestion_id"`
	ExperimentID       int64             `json:"experiment_id"`
	ProcessedAtMs      int64             `json:"processed_at_ms"`
	Deleted            bool              `json:"deleted"`
	Automatic          bool              `json:"automatic"` // System-generated rather than user-explicit
	ClientProvidedData map[string]string `json:"client_provided_data,omitempty"`
	QueuedSuggestionID int64             `json:"queued_suggestion_id,omitempty"`
}

// SuggestionState is the derived lifecycle state of a Suggestion view.
type SuggestionState string

const (
	SuggestionStateOpen   SuggestionState = "open"
	SuggestionStateClosed SuggestionState = "closed"
)

// Suggestion is the unified read view of a processed suggestion, the
// unprocessed candidate it was made from, and its observation if one exists.
type Suggestion struct {
	Processed   ProcessedSuggestion   `json:"processed"`
	Unprocessed UnprocessedSuggestion `json:"unprocessed"`
	Observation *Observation          `json:"observation,omitempty"`
}

// ID is the suggestion id shared by both halves of the view.
func (s *Suggestion) ID() int64 {
	return s.Unprocessed.ID
}

// State is closed once the suggestion has been observed or deleted.
func (s *Suggestion) State() SuggestionState {
	if s.Observation != nil || s.Processed.Deleted {
		return SuggestionStateClosed
	}
	return SuggestionStateOpen
}

// MetricValue is one measured value on an observation.
type MetricValue struct {
	Name        string   `json:"name"`
	Value       float64  `json:"value"`
	ValueStddev *float64 `json:"value_stddev,omitempty"`
}

// Observation is the measured outcome of trying a point.
type Observation struct {
	ID           int64         `json:"id"`
	ExperimentID int64         `json:"experiment_id"`
	SuggestionID int64         `json:"suggestion_id,omitempty"` // Zero when reported without a suggestion
	Assignments  Assignments   `json:"assignments"`
	Values       []MetricValue `json:"values,omitempty"`
	Failed       bool          `json:"failed"`
	Task         *Task         `json:"task,omitempty"`
	CreatedAtMs  int64         `json:"created_at_ms"`
}

// Validate checks the observation is complete enough to persist.
func (o *Observation) Validate() error {
	if o.ExperimentID <= 0 {
		return fmt.Errorf("experiment_id is required")
	}
	if len(o.Assignments) == 0 {
		return fmt.Errorf("assignments are required")
	}
	if !o.Failed && len(o.Values) == 0 {
		return fmt.Errorf("successful observations need at least one value")
	}
	return nil
}

// ObservationCounts summarizes an experiment's observation history.
type ObservationCounts struct {
	Count    int   `json:"count"`
	Failures int   `json:"failures"`
	MaxID    int64 `json:"max_id"`
}

// Successes is the number of non-failed observations.
func (c ObservationCounts) Successes() int {
	return c.Count - c.Failures
}

// Importances is the stored parameter-importance result for an experiment.
type Importances struct {
	ExperimentID     int64              `json:"experiment_id"`
	Values           map[string]float64 `json:"values"`
	ObservationCount int                `json:"observation_count"` // Observations the result was computed from
	ComputedAtMs     int64              `json:"computed_at_ms"`
}
