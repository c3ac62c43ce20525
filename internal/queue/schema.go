package queue

import "fmt"

// QueueKey returns the Redis key for the ordered set of queued envelopes.
// Pattern: {prefix}:{queue}
func QueueKey(prefix, queue string) string {
	return fmt.Sprintf("%s:%s", prefix, queue)
}

// SequenceKey returns the Redis key for the enqueue sequence counter.
// Pattern: {prefix}:{queue}:seq
func SequenceKey(prefix, queue string) string {
	return fmt.Sprintf("%s:%s:seq", prefix, queue)
}

// InFlightKey returns the Redis key for the hash of delivered, unacknowledged envelopes.
// Pattern: {prefix}:{queue}:inflight
func InFlightKey(prefix, queue string) string {
	return fmt.Sprintf("%s:%s:inflight", prefix, queue)
}

// GroupLockPrefix returns the prefix of per-group delivery locks.
// Pattern: {prefix}:{queue}:group:
func GroupLockPrefix(prefix, queue string) string {
	return fmt.Sprintf("%s:%s:group:", prefix, queue)
}

// GroupLockKey returns the Redis key locking delivery of a group.
// Pattern: {prefix}:{queue}:group:{group_key}
func GroupLockKey(prefix, queue, groupKey string) string {
	return GroupLockPrefix(prefix, queue) + groupKey
}

// ProbeKey returns the Redis key used by a provider self-test.
// Pattern: {prefix}:{queue}:probe:{tag}
func ProbeKey(prefix, queue, tag string) string {
	return fmt.Sprintf("%s:%s:probe:%s", prefix, queue, tag)
}

// ProcessingKey returns the Redis key for the sorted set of in-flight markers.
// Pattern: {prefix}:{queue}:processing
func ProcessingKey(prefix, queue string) string {
	return fmt.Sprintf("%s:%s:processing", prefix, queue)
}
