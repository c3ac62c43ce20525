package optimize

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/hone/pkg/experiment"
	"github.com/dyluth/hone/pkg/telemetry"
)

// Generator produces the candidates a RankedSampler reranks.
type Generator func(ctx context.Context, args Args, limit int) ([]experiment.UnprocessedSuggestion, error)

// QueuedSource is the precomputed-suggestion store read by the suggestion
// queue sampler.
type QueuedSource interface {
	PeekQueuedSuggestions(ctx context.Context, experimentID int64, limit int) ([]experiment.QueuedSuggestion, error)
}

// RankedSampler pads generated candidates with random points, asks the
// compute adapter to rank the pool and keeps the best limit. When the
// generator yields nothing the sampler yields nothing; padding alone is never
// served.
type RankedSampler struct {
	name     string
	exp      *experiment.Experiment
	generate Generator
	deps     Deps
}

// NewRankedSampler wraps generate with padding and reranking.
func NewRankedSampler(name string, exp *experiment.Experiment, generate Generator, deps Deps) *RankedSampler {
	return &RankedSampler{name: name, exp: exp, generate: generate, deps: deps.normalized()}
}

// NewSuggestionQueueSampler reranks the experiment's precomputed suggestions.
// A timeout reading the store degrades to no suggestions.
func NewSuggestionQueueSampler(exp *experiment.Experiment, store QueuedSource, deps Deps) *RankedSampler {
	deps = deps.normalized()
	generate := func(ctx context.Context, _ Args, _ int) ([]experiment.UnprocessedSuggestion, error) {
		ctx, cancel := context.WithTimeout(ctx, deps.Settings.QueuedFetchTimeout)
		defer cancel()

		queued, err := store.PeekQueuedSuggestions(ctx, exp.ID, deps.Settings.PaddingSuggestions)
		if err != nil {
			return nil, fmt.Errorf("failed to read queued suggestions: %w", err)
		}
		out := make([]experiment.UnprocessedSuggestion, len(queued))
		for i := range queued {
			out[i] = queued[i].ToUnprocessed()
		}
		return out, nil
	}
	return NewRankedSampler("suggestion_queue", exp, generate, deps)
}

func (s *RankedSampler) Name() string { return s.name }

func (s *RankedSampler) FetchBestSuggestions(ctx context.Context, args Args, limit int) ([]experiment.UnprocessedSuggestion, error) {
	if limit <= 0 {
		return nil, nil
	}

	generated, err := s.generate(ctx, args, limit)
	if err != nil {
		if !IsTimeout(err) {
			return nil, err
		}
		telemetry.SamplerTimeouts.WithLabelValues("generate").Inc()
		s.deps.Logger.Warn("suggestion generation timed out",
			"event", "sampler_timeout",
			"sampler", s.name,
			"experiment_id", s.exp.ID,
		)
		return nil, nil
	}
	if len(generated) == 0 {
		return nil, nil
	}

	pool := append([]experiment.UnprocessedSuggestion(nil), generated...)
	padding, _ := NewRandomSampler(s.exp, s.deps, experiment.SourcePaddingRandom).
		FetchBestSuggestions(ctx, args, s.deps.Settings.PaddingSuggestions)
	pool = append(pool, padding...)

	order, err := s.rank(ctx, args, pool, limit)
	if err != nil {
		return nil, err
	}

	out := make([]experiment.UnprocessedSuggestion, 0, limit)
	for _, i := range order {
		if len(out) == limit {
			break
		}
		out = append(out, pool[i])
	}
	return out, nil
}

// rank returns pool indexes best first. Without an adapter, or when ranking
// times out, the pool order is kept so generated candidates come first.
func (s *RankedSampler) rank(ctx context.Context, args Args, pool []experiment.UnprocessedSuggestion, limit int) ([]int, error) {
	identity := make([]int, len(pool))
	for i := range identity {
		identity[i] = i
	}
	if s.deps.Adapter == nil {
		return identity, nil
	}

	candidates := make([]experiment.Assignments, len(pool))
	for i, p := range pool {
		candidates[i] = p.Assignments
	}

	ctx, cancel := context.WithTimeout(ctx, s.deps.Settings.ComputeTimeout)
	defer cancel()

	start := time.Now()
	order, err := s.deps.Adapter.Rank(ctx, RankRequest{
		Experiment:      s.exp,
		Hyperparameters: args.Hyperparameters(),
		Candidates:      candidates,
		Count:           limit,
	})
	telemetry.ComputeDurationSeconds.WithLabelValues("rank").Observe(time.Since(start).Seconds())
	if err != nil {
		if IsTimeout(err) {
			telemetry.SamplerTimeouts.WithLabelValues("rank").Inc()
			s.deps.Logger.Warn("ranking timed out, keeping generated order",
				"event", "sampler_timeout",
				"sampler", s.name,
				"experiment_id", s.exp.ID,
			)
			return identity, nil
		}
		return nil, fmt.Errorf("failed to rank suggestions: %w", err)
	}

	seen := make(map[int]bool, len(order))
	valid := make([]int, 0, len(order))
	for _, i := range order {
		if i < 0 || i >= len(pool) || seen[i] {
			continue
		}
		seen[i] = true
		valid = append(valid, i)
	}
	return valid, nil
}
