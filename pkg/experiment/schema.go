package experiment

import "fmt"

// Redis key pattern helpers
//
// All Redis keys are namespaced by a key prefix so several hone deployments
// can share one Redis server.
//
// Key pattern: {prefix}:{entity}:{id}

// ExperimentKey returns the Redis key holding an experiment definition.
// Pattern: {prefix}:experiment:{experiment_id}
func ExperimentKey(prefix string, experimentID int64) string {
	return fmt.Sprintf("%s:experiment:%d", prefix, experimentID)
}

// IDCounterKey returns the Redis key of an id sequence.
// Pattern: {prefix}:ids:{entity}
func IDCounterKey(prefix, entity string) string {
	return fmt.Sprintf("%s:ids:%s", prefix, entity)
}

// UnprocessedSuggestionKey returns the Redis key for an unprocessed suggestion hash.
// Pattern: {prefix}:unprocessed:{suggestion_id}
func UnprocessedSuggestionKey(prefix string, suggestionID int64) string {
	return fmt.Sprintf("%s:unprocessed:%d", prefix, suggestionID)
}

// ProcessedSuggestionKey returns the Redis key for a processed suggestion hash.
// Its existence is the claim marker.
// Pattern: {prefix}:processed:{suggestion_id}
func ProcessedSuggestionKey(prefix string, suggestionID int64) string {
	return fmt.Sprintf("%s:processed:%d", prefix, suggestionID)
}

// OpenSuggestionsKey returns the Redis key of the ZSET of open suggestion ids,
// scored by processing time.
// Pattern: {prefix}:experiment:{experiment_id}:open
func OpenSuggestionsKey(prefix string, experimentID int64) string {
	return fmt.Sprintf("%s:experiment:%d:open", prefix, experimentID)
}

// ObservationsKey returns the Redis key of the observation LIST in creation order.
// Pattern: {prefix}:experiment:{experiment_id}:observations
func ObservationsKey(prefix string, experimentID int64) string {
	return fmt.Sprintf("%s:experiment:%d:observations", prefix, experimentID)
}

// ObservationCountsKey returns the Redis key of the observation counters hash.
// Pattern: {prefix}:experiment:{experiment_id}:observation_counts
func ObservationCountsKey(prefix string, experimentID int64) string {
	return fmt.Sprintf("%s:experiment:%d:observation_counts", prefix, experimentID)
}

// QueuedSuggestionsKey returns the Redis key of the ZSET ordering precomputed
// suggestion ids.
// Pattern: {prefix}:experiment:{experiment_id}:queued
func QueuedSuggestionsKey(prefix string, experimentID int64) string {
	return fmt.Sprintf("%s:experiment:%d:queued", prefix, experimentID)
}

// QueuedSuggestionBodiesKey returns the Redis key of the hash holding
// precomputed suggestion JSON by id.
// Pattern: {prefix}:experiment:{experiment_id}:queued_bodies
func QueuedSuggestionBodiesKey(prefix string, experimentID int64) string {
	return fmt.Sprintf("%s:experiment:%d:queued_bodies", prefix, experimentID)
}

// QueuedConsumedKey returns the Redis key of the hash mapping consumed queued
// suggestion ids to the unprocessed suggestion made from them.
// Pattern: {prefix}:queued_consumed
func QueuedConsumedKey(prefix string) string {
	return fmt.Sprintf("%s:queued_consumed", prefix)
}

// HyperparametersKey returns the Redis key of an experiment's hyperparameter blob.
// Pattern: {prefix}:experiment:{experiment_id}:hyperparameters
func HyperparametersKey(prefix string, experimentID int64) string {
	return fmt.Sprintf("%s:experiment:%d:hyperparameters", prefix, experimentID)
}

// ImportancesKey returns the Redis key of an experiment's importances blob.
// Pattern: {prefix}:experiment:{experiment_id}:importances
func ImportancesKey(prefix string, experimentID int64) string {
	return fmt.Sprintf("%s:experiment:%d:importances", prefix, experimentID)
}
