// Package experiment provides type-safe Go definitions and Redis schema patterns
// for hone's optimization state.
//
// # Overview
//
// An Experiment is a parameter/metric space being optimized. Clients ask for
// suggestions (points to try next) and report observations (measured results).
// Everything the suggestion pipeline and the queue workers share lives here.
//
// # Suggestion Lifecycle
//
// A sampler creates an UnprocessedSuggestion without an id. The store assigns
// the id when it is persisted. Claiming it creates the one-to-one
// ProcessedSuggestion; the claim is atomic, and a losing caller receives
// *SuggestionAlreadyProcessedError. The Suggestion view composes both halves
// with the observation (if any) and reports State() open or closed.
//
// Precomputed candidates wait as QueuedSuggestions until the broker serves one.
// Serving consumes the queued entry exactly once.
//
// # Usage Example
//
//	client, err := experiment.NewClient(&redis.Options{Addr: "localhost:6379"}, "hone")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	exp := &experiment.Experiment{
//		Name: "learning-rate",
//		Type: experiment.TypeOffline,
//		Parameters: []experiment.Parameter{
//			{Name: "lr", Type: experiment.ParameterTypeDouble, Bounds: &experiment.Bounds{Min: 1e-5, Max: 1}},
//		},
//	}
//	if err := client.CreateExperiment(ctx, exp); err != nil {
//		log.Fatal(err)
//	}
//
// # Redis Schema
//
// All Redis keys follow the pattern: {prefix}:{entity}:{id}
//
// Experiments: {prefix}:experiment:{experiment_id}
// Unprocessed suggestions: {prefix}:unprocessed:{suggestion_id}
// Processed suggestions: {prefix}:processed:{suggestion_id}
// Open suggestion index: {prefix}:experiment:{experiment_id}:open
// Observations: {prefix}:experiment:{experiment_id}:observations
// Precomputed suggestions: {prefix}:experiment:{experiment_id}:queued
// Id sequences: {prefix}:ids:{entity}
//
// # Design Principles
//
// - Type Safety: All data structures have strong typing with validation methods
// - Atomic Claims: Processing a suggestion is a single Redis script
// - Isolation: Key prefixes keep deployments apart
package experiment
