// Package broker hands out suggestions. It decides which stage serves the
// next point, keeps memory-less experiments from repeating their last
// observation, persists candidates through the atomic claim and applies the
// configured random-fallback policy when the pipeline fails.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dyluth/hone/internal/optimize"
	"github.com/dyluth/hone/pkg/experiment"
	"github.com/dyluth/hone/pkg/telemetry"
)

// maxIgnoreRedraws bounds the random draws used to replace an ignorable candidate.
const maxIgnoreRedraws = 10

// Stage names which step of SuggestionToServeNext produced a suggestion.
type Stage string

const (
	StageQueued   Stage = "queued"
	StageReused   Stage = "reused"
	StageSampled  Stage = "sampled"
	StageFallback Stage = "fallback"
	StageExplicit Stage = "explicit"
)

// Repository is the persistence the broker needs.
type Repository interface {
	CreateUnprocessedSuggestion(ctx context.Context, u *experiment.UnprocessedSuggestion) error
	ProcessSuggestion(ctx context.Context, p *experiment.ProcessedSuggestion) error
}

// Settings is the explicit failure policy. Neither flag has an implicit default
// other than its zero value.
type Settings struct {
	ForbidRandomFallback bool // Never replace a failed pipeline with a random point
	RaiseSoftExceptions  bool // Surface pipeline failures instead of falling back
}

// SuggestionMeta is caller-supplied content of an explicit suggestion.
type SuggestionMeta struct {
	Assignments experiment.Assignments
	Task        *experiment.Task
}

// ProcessedMeta is caller-supplied metadata recorded when a suggestion is claimed.
type ProcessedMeta struct {
	ClientProvidedData map[string]string
}

// Extras describes how SuggestionToServeNext produced its result.
type Extras struct {
	Stage    Stage
	Reused   bool
	Existing *experiment.Suggestion // Set when an open suggestion is served again
}

// Broker is the single entry point for "give the caller a suggestion".
type Broker struct {
	repo     Repository
	selector *optimize.Selector
	settings Settings
	clock    optimize.Clock
	logger   *slog.Logger
}

// New creates a broker. Samplers come from selector, which also supplies the
// clock and logger.
func New(repo Repository, selector *optimize.Selector, settings Settings) *Broker {
	deps := selector.Deps()
	return &Broker{
		repo:     repo,
		selector: selector,
		settings: settings,
		clock:    deps.Clock,
		logger:   deps.Logger,
	}
}

// ExplicitSuggestion turns caller-specified assignments into a suggestion.
// Sampling is skipped but persistence and claiming are the same as for
// sampled suggestions.
func (b *Broker) ExplicitSuggestion(ctx context.Context, exp *experiment.Experiment, meta SuggestionMeta, pmeta ProcessedMeta) (*experiment.Suggestion, error) {
	if err := exp.ValidateAssignments(meta.Assignments); err != nil {
		return nil, fmt.Errorf("invalid explicit suggestion: %w", err)
	}

	u := &experiment.UnprocessedSuggestion{
		ExperimentID:  exp.ID,
		Source:        experiment.SourceUserCreated,
		Assignments:   meta.Assignments.Clone(),
		Task:          meta.Task,
		GeneratedAtMs: b.clock().UnixMilli(),
	}
	s, err := b.persist(ctx, u, pmeta, false)
	if err != nil {
		return nil, err
	}
	telemetry.SuggestionsServed.WithLabelValues(string(u.Source), string(StageExplicit)).Inc()
	return s, nil
}

// SuggestionToServeNext tries, in order:
//
//	(a) a precomputed suggestion, reranked by the suggestion-queue sampler
//	(b) the oldest open automatic suggestion, when open suggestions already
//	    fill the experiment's parallel bandwidth
//	(c) the args' sampler (or the selector's choice) with limit 1
//
// A nil suggestion with a nil error means no stage produced anything.
func (b *Broker) SuggestionToServeNext(ctx context.Context, exp *experiment.Experiment, args optimize.Args) (*experiment.UnprocessedSuggestion, Extras, error) {
	if queue := b.selector.SuggestionQueue(exp); queue != nil && optimize.Precomputes(exp) {
		queued, err := queue.FetchBestSuggestions(ctx, args, 1)
		if err != nil {
			return nil, Extras{}, fmt.Errorf("failed to fetch queued suggestion: %w", err)
		}
		if len(queued) > 0 {
			return &queued[0], Extras{Stage: StageQueued}, nil
		}
	}

	if open := reusable(args.OpenSuggestions()); len(open) >= exp.Bandwidth() {
		oldest := open[0]
		return &oldest.Unprocessed, Extras{Stage: StageReused, Reused: true, Existing: &oldest}, nil
	}

	sampler := args.Source()
	if sampler == nil {
		sampler = b.selector.ForExperiment(exp)
	}
	sampled, err := sampler.FetchBestSuggestions(ctx, args, 1)
	if err != nil {
		return nil, Extras{}, fmt.Errorf("sampler %s failed: %w", sampler.Name(), err)
	}
	if len(sampled) == 0 {
		return nil, Extras{Stage: StageSampled}, nil
	}
	return &sampled[0], Extras{Stage: StageSampled}, nil
}

// reusable returns open automatic suggestions, oldest first.
func reusable(open []experiment.Suggestion) []experiment.Suggestion {
	out := make([]experiment.Suggestion, 0, len(open))
	for _, s := range open {
		if s.Processed.Automatic && s.State() == experiment.SuggestionStateOpen {
			out = append(out, s)
		}
	}
	return out
}

// ShouldIgnore reports whether a candidate must not be served. Only memory-less
// experiment types are checked: with a previous observation, a candidate that
// repeats it exactly is ignored. Model-backed types are trusted to avoid
// repeats.
func (b *Broker) ShouldIgnore(exp *experiment.Experiment, candidate *experiment.UnprocessedSuggestion, args optimize.Args) bool {
	if !exp.Type.IsMemoryless() {
		return false
	}
	last := args.LastObservation()
	if last == nil || args.ObservationCount() == 0 {
		return false
	}
	return candidate.Assignments.Equal(last.Assignments)
}

// NextSuggestion serves and claims the next suggestion. Pipeline failures go
// through the fallback policy; a lost claim race is always returned as
// *experiment.SuggestionAlreadyProcessedError and an already consumed
// observation iterator as optimize.ErrIteratorConsumed.
func (b *Broker) NextSuggestion(ctx context.Context, exp *experiment.Experiment, args optimize.Args, pmeta ProcessedMeta) (*experiment.Suggestion, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "broker.next_suggestion")
	defer span.End()
	span.SetAttributes(attribute.Int64("experiment.id", exp.ID))

	candidate, extras, err := b.SuggestionToServeNext(ctx, exp, args)
	if err != nil {
		span.RecordError(err)
		// A reused iterator is a caller bug, not a pipeline failure.
		if errors.Is(err, optimize.ErrIteratorConsumed) {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if !b.canFallback(exp) {
			span.SetStatus(codes.Error, err.Error())
			return nil, &experiment.CouldNotProcessSuggestionError{ExperimentID: exp.ID, Err: err}
		}
		b.logger.Warn("suggestion pipeline failed, falling back to random",
			"event", "suggestion_fallback",
			"experiment_id", exp.ID,
			"error", err,
		)
		telemetry.SuggestionFallbacks.WithLabelValues("pipeline_error").Inc()
		candidate, extras = b.random(exp, args), Extras{Stage: StageFallback}
	}

	if candidate == nil {
		if !b.canFallback(exp) {
			err := errors.New("no sampler produced a suggestion")
			span.SetStatus(codes.Error, err.Error())
			return nil, &experiment.CouldNotProcessSuggestionError{ExperimentID: exp.ID, Err: err}
		}
		telemetry.SuggestionFallbacks.WithLabelValues("empty").Inc()
		candidate, extras = b.random(exp, args), Extras{Stage: StageFallback}
	}

	if extras.Reused {
		telemetry.SuggestionsServed.WithLabelValues(string(candidate.Source), string(StageReused)).Inc()
		return extras.Existing, nil
	}

	if b.ShouldIgnore(exp, candidate, args) {
		telemetry.SuggestionFallbacks.WithLabelValues("ignored").Inc()
		b.logger.Info("candidate repeats the last observation, redrawing",
			"event", "suggestion_ignored",
			"experiment_id", exp.ID,
			"source", candidate.Source,
		)
		candidate = b.random(exp, args)
	}

	s, err := b.persist(ctx, candidate, pmeta, true)
	if err != nil {
		var race *experiment.SuggestionAlreadyProcessedError
		if errors.As(err, &race) {
			telemetry.SuggestionRaces.Inc()
			return nil, err
		}
		span.RecordError(err)
		if !b.canFallback(exp) {
			span.SetStatus(codes.Error, err.Error())
			if errors.Is(err, experiment.ErrSuggestion) {
				return nil, err
			}
			return nil, &experiment.CouldNotProcessSuggestionError{ExperimentID: exp.ID, Err: err}
		}
		b.logger.Warn("failed to persist suggestion, falling back to random",
			"event", "suggestion_fallback",
			"experiment_id", exp.ID,
			"error", err,
		)
		telemetry.SuggestionFallbacks.WithLabelValues("persist_error").Inc()
		extras.Stage = StageFallback
		if s, err = b.persist(ctx, b.random(exp, args), pmeta, true); err != nil {
			return nil, &experiment.CouldNotProcessSuggestionError{ExperimentID: exp.ID, Err: err}
		}
	}

	telemetry.SuggestionsServed.WithLabelValues(string(s.Unprocessed.Source), string(extras.Stage)).Inc()
	b.logger.Debug("suggestion served",
		"event", "suggestion_served",
		"experiment_id", exp.ID,
		"suggestion_id", s.ID(),
		"source", s.Unprocessed.Source,
		"stage", extras.Stage,
	)
	return s, nil
}

// Claim processes an already persisted unprocessed suggestion. Concurrent
// claims of the same suggestion have exactly one winner; the others receive
// *experiment.SuggestionAlreadyProcessedError.
func (b *Broker) Claim(ctx context.Context, u *experiment.UnprocessedSuggestion, pmeta ProcessedMeta, automatic bool) (*experiment.Suggestion, error) {
	p := &experiment.ProcessedSuggestion{
		SuggestionID:       u.ID,
		ExperimentID:       u.ExperimentID,
		ProcessedAtMs:      b.clock().UnixMilli(),
		Automatic:          automatic,
		ClientProvidedData: pmeta.ClientProvidedData,
		QueuedSuggestionID: u.QueuedSuggestionID,
	}
	if err := b.repo.ProcessSuggestion(ctx, p); err != nil {
		var race *experiment.SuggestionAlreadyProcessedError
		if errors.As(err, &race) && race.QueuedSuggestionID == 0 {
			race.QueuedSuggestionID = u.QueuedSuggestionID
		}
		return nil, err
	}
	return &experiment.Suggestion{Processed: *p, Unprocessed: *u}, nil
}

func (b *Broker) persist(ctx context.Context, u *experiment.UnprocessedSuggestion, pmeta ProcessedMeta, automatic bool) (*experiment.Suggestion, error) {
	if u.ID == 0 {
		if err := b.repo.CreateUnprocessedSuggestion(ctx, u); err != nil {
			return nil, fmt.Errorf("failed to persist suggestion: %w", err)
		}
	}
	return b.Claim(ctx, u, pmeta, automatic)
}

func (b *Broker) canFallback(exp *experiment.Experiment) bool {
	return !b.settings.ForbidRandomFallback && !b.settings.RaiseSoftExceptions && exp.Type.SupportsRandomFallback()
}

// random draws a point that is not ignorable, giving up after a bounded
// number of draws on tiny spaces.
func (b *Broker) random(exp *experiment.Experiment, args optimize.Args) *experiment.UnprocessedSuggestion {
	sampler := b.selector.Random(exp, experiment.SourceFallbackRandom)
	var candidate experiment.UnprocessedSuggestion
	for i := 0; i < maxIgnoreRedraws; i++ {
		drawn, _ := sampler.FetchBestSuggestions(context.Background(), args, 1)
		candidate = drawn[0]
		if !b.ShouldIgnore(exp, &candidate, args) {
			break
		}
	}
	return &candidate
}
