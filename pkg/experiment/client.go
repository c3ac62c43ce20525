package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript atomically turns an unprocessed suggestion into a processed one.
// KEYS: processed hash, unprocessed hash, open ZSET.
// ARGV: open score, suggestion id, deleted flag, then processed hash field/value pairs.
// Returns 1 on success, 0 if already processed, -1 if the unprocessed suggestion is missing.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
if redis.call('EXISTS', KEYS[2]) == 0 then
  return -1
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
if ARGV[3] == '0' then
  redis.call('ZADD', KEYS[3], ARGV[1], ARGV[2])
end
return 1
`)

// consumeScript stores a suggestion made from a queued suggestion and consumes
// the queued entry in one step.
// KEYS: consumed hash, unprocessed hash, queued ZSET, queued bodies hash.
// ARGV: queued id, suggestion id, then unprocessed hash field/value pairs.
// Returns 1 on success, 0 if the queued suggestion was already consumed.
var consumeScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[2], unpack(ARGV, 3))
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

// Client provides prefix-scoped Redis operations for experiments, suggestions
// and observations. It implements Store.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb       *redis.Client
	keyPrefix string
}

var _ Store = (*Client)(nil)

// NewClient creates a new experiment client. All keys are namespaced with keyPrefix.
//
// Returns an error if keyPrefix is empty.
func NewClient(redisOpts *redis.Options, keyPrefix string) (*Client, error) {
	return NewClientFromRedis(redis.NewClient(redisOpts), keyPrefix)
}

// NewClientFromRedis wraps an existing connection pool, letting the queue
// provider and the store share one pool. Close closes the shared pool.
func NewClientFromRedis(rdb *redis.Client, keyPrefix string) (*Client, error) {
	if keyPrefix == "" {
		return nil, fmt.Errorf("key prefix cannot be empty")
	}

	return &Client{
		rdb:       rdb,
		keyPrefix: keyPrefix,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Redis exposes the underlying connection pool.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

func (c *Client) nextID(ctx context.Context, entity string) (int64, error) {
	id, err := c.rdb.Incr(ctx, IDCounterKey(c.keyPrefix, entity)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %s id: %w", entity, err)
	}
	return id, nil
}

// CreateExperiment validates and stores an experiment, assigning an id when
// ID is zero.
func (c *Client) CreateExperiment(ctx context.Context, e *Experiment) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid experiment: %w", err)
	}

	if e.ID == 0 {
		id, err := c.nextID(ctx, "experiment")
		if err != nil {
			return err
		}
		e.ID = id
	}
	if e.CreatedAtMs == 0 {
		e.CreatedAtMs = time.Now().UnixMilli()
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}

	if err := c.rdb.Set(ctx, ExperimentKey(c.keyPrefix, e.ID), body, 0).Err(); err != nil {
		return fmt.Errorf("failed to write experiment to Redis: %w", err)
	}
	return nil
}

// GetExperiment retrieves an experiment by id.
// Returns *ExperimentNotFoundError if it does not exist.
func (c *Client) GetExperiment(ctx context.Context, experimentID int64) (*Experiment, error) {
	body, err := c.rdb.Get(ctx, ExperimentKey(c.keyPrefix, experimentID)).Bytes()
	if err == redis.Nil {
		return nil, &ExperimentNotFoundError{ExperimentID: experimentID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment from Redis: %w", err)
	}

	var e Experiment
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal experiment: %w", err)
	}
	return &e, nil
}

// CreateUnprocessedSuggestion persists a candidate and assigns its id.
// A suggestion made from a queued suggestion consumes it: the queued entry is
// removed, and a second attempt for the same queued id returns
// *DuplicateUnprocessedSuggestionError.
func (c *Client) CreateUnprocessedSuggestion(ctx context.Context, u *UnprocessedSuggestion) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("invalid unprocessed suggestion: %w", err)
	}

	id, err := c.nextID(ctx, "suggestion")
	if err != nil {
		return err
	}

	u.ID = id
	hash, err := UnprocessedSuggestionToHash(u)
	if err != nil {
		u.ID = 0
		return fmt.Errorf("failed to serialize unprocessed suggestion: %w", err)
	}

	if u.QueuedSuggestionID == 0 {
		if err := c.rdb.HSet(ctx, UnprocessedSuggestionKey(c.keyPrefix, u.ID), hash).Err(); err != nil {
			u.ID = 0
			return fmt.Errorf("failed to write unprocessed suggestion to Redis: %w", err)
		}
		return nil
	}

	keys := []string{
		QueuedConsumedKey(c.keyPrefix),
		UnprocessedSuggestionKey(c.keyPrefix, u.ID),
		QueuedSuggestionsKey(c.keyPrefix, u.ExperimentID),
		QueuedSuggestionBodiesKey(c.keyPrefix, u.ExperimentID),
	}
	args := append([]interface{}{u.QueuedSuggestionID, u.ID}, hashArgs(hash)...)

	consumed, err := consumeScript.Run(ctx, c.rdb, keys, args...).Int()
	if err != nil {
		u.ID = 0
		return fmt.Errorf("failed to write unprocessed suggestion to Redis: %w", err)
	}
	if consumed == 0 {
		u.ID = 0
		return &DuplicateUnprocessedSuggestionError{
			ExperimentID:       u.ExperimentID,
			QueuedSuggestionID: u.QueuedSuggestionID,
		}
	}
	return nil
}

// GetUnprocessedSuggestion retrieves an unprocessed suggestion by id.
// Returns (nil, redis.Nil) if it doesn't exist.
func (c *Client) GetUnprocessedSuggestion(ctx context.Context, suggestionID int64) (*UnprocessedSuggestion, error) {
	hashData, err := c.rdb.HGetAll(ctx, UnprocessedSuggestionKey(c.keyPrefix, suggestionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read unprocessed suggestion from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	u, err := HashToUnprocessedSuggestion(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize unprocessed suggestion: %w", err)
	}
	return u, nil
}

// ProcessSuggestion claims an unprocessed suggestion. The claim is a single Lua
// step, so of several concurrent callers exactly one wins; the others get
// *SuggestionAlreadyProcessedError.
func (c *Client) ProcessSuggestion(ctx context.Context, p *ProcessedSuggestion) error {
	if p.SuggestionID <= 0 || p.ExperimentID <= 0 {
		return fmt.Errorf("invalid processed suggestion: suggestion_id and experiment_id are required")
	}

	hash, err := ProcessedSuggestionToHash(p)
	if err != nil {
		return fmt.Errorf("failed to serialize processed suggestion: %w", err)
	}

	keys := []string{
		ProcessedSuggestionKey(c.keyPrefix, p.SuggestionID),
		UnprocessedSuggestionKey(c.keyPrefix, p.SuggestionID),
		OpenSuggestionsKey(c.keyPrefix, p.ExperimentID),
	}
	args := append([]interface{}{p.ProcessedAtMs, p.SuggestionID, boolField(p.Deleted)}, hashArgs(hash)...)

	result, err := claimScript.Run(ctx, c.rdb, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to claim suggestion %d: %w", p.SuggestionID, err)
	}

	switch result {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("unprocessed suggestion %d: %w", p.SuggestionID, redis.Nil)
	default:
		queuedID, _ := c.rdb.HGet(ctx, keys[0], "queued_suggestion_id").Int64()
		return &SuggestionAlreadyProcessedError{
			SuggestionID:       p.SuggestionID,
			ExperimentID:       p.ExperimentID,
			QueuedSuggestionID: queuedID,
		}
	}
}

// DeleteSuggestion marks a processed suggestion deleted and closes it.
func (c *Client) DeleteSuggestion(ctx context.Context, experimentID, suggestionID int64) error {
	key := ProcessedSuggestionKey(c.keyPrefix, suggestionID)
	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check suggestion existence: %w", err)
	}
	if exists == 0 {
		return redis.Nil
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "deleted", "1")
		pipe.ZRem(ctx, OpenSuggestionsKey(c.keyPrefix, experimentID), suggestionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete suggestion %d: %w", suggestionID, err)
	}
	return nil
}

// OpenSuggestions returns the experiment's open suggestions, oldest first.
func (c *Client) OpenSuggestions(ctx context.Context, experimentID int64) ([]Suggestion, error) {
	ids, err := c.rdb.ZRange(ctx, OpenSuggestionsKey(c.keyPrefix, experimentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read open suggestions: %w", err)
	}
	if len(ids) == 0 {
		return []Suggestion{}, nil
	}

	pipe := c.rdb.Pipeline()
	processedCmds := make([]*redis.MapStringStringCmd, len(ids))
	unprocessedCmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid open suggestion id %q: %w", raw, err)
		}
		processedCmds[i] = pipe.HGetAll(ctx, ProcessedSuggestionKey(c.keyPrefix, id))
		unprocessedCmds[i] = pipe.HGetAll(ctx, UnprocessedSuggestionKey(c.keyPrefix, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read open suggestion bodies: %w", err)
	}

	suggestions := make([]Suggestion, 0, len(ids))
	for i := range ids {
		processedHash := processedCmds[i].Val()
		unprocessedHash := unprocessedCmds[i].Val()
		if len(processedHash) == 0 || len(unprocessedHash) == 0 {
			continue
		}

		p, err := HashToProcessedSuggestion(processedHash)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize processed suggestion: %w", err)
		}
		u, err := HashToUnprocessedSuggestion(unprocessedHash)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize unprocessed suggestion: %w", err)
		}
		suggestions = append(suggestions, Suggestion{Processed: *p, Unprocessed: *u})
	}
	return suggestions, nil
}

// CreateObservation appends an observation, updates the counters and closes
// the suggestion it reports on.
func (c *Client) CreateObservation(ctx context.Context, o *Observation) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("invalid observation: %w", err)
	}

	id, err := c.nextID(ctx, "observation")
	if err != nil {
		return err
	}
	o.ID = id
	if o.CreatedAtMs == 0 {
		o.CreatedAtMs = time.Now().UnixMilli()
	}

	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal observation: %w", err)
	}

	countsKey := ObservationCountsKey(c.keyPrefix, o.ExperimentID)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, ObservationsKey(c.keyPrefix, o.ExperimentID), body)
		pipe.HIncrBy(ctx, countsKey, "count", 1)
		if o.Failed {
			pipe.HIncrBy(ctx, countsKey, "failures", 1)
		}
		pipe.HSet(ctx, countsKey, "max_id", o.ID)
		if o.SuggestionID != 0 {
			pipe.ZRem(ctx, OpenSuggestionsKey(c.keyPrefix, o.ExperimentID), o.SuggestionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write observation to Redis: %w", err)
	}
	return nil
}

// ObservationPage returns up to limit observations starting at offset, in
// creation order.
func (c *Client) ObservationPage(ctx context.Context, experimentID int64, offset, limit int) ([]Observation, error) {
	if limit <= 0 {
		return []Observation{}, nil
	}

	raw, err := c.rdb.LRange(ctx, ObservationsKey(c.keyPrefix, experimentID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read observations: %w", err)
	}

	observations := make([]Observation, len(raw))
	for i, body := range raw {
		if err := json.Unmarshal([]byte(body), &observations[i]); err != nil {
			return nil, fmt.Errorf("failed to unmarshal observation: %w", err)
		}
	}
	return observations, nil
}

// ObservationCounts returns the experiment's observation counters.
func (c *Client) ObservationCounts(ctx context.Context, experimentID int64) (ObservationCounts, error) {
	hash, err := c.rdb.HGetAll(ctx, ObservationCountsKey(c.keyPrefix, experimentID)).Result()
	if err != nil {
		return ObservationCounts{}, fmt.Errorf("failed to read observation counts: %w", err)
	}

	count, _ := strconv.Atoi(hash["count"])
	failures, _ := strconv.Atoi(hash["failures"])
	maxID, _ := strconv.ParseInt(hash["max_id"], 10, 64)
	return ObservationCounts{Count: count, Failures: failures, MaxID: maxID}, nil
}

// LastObservation returns the most recent observation, or nil if there is none.
func (c *Client) LastObservation(ctx context.Context, experimentID int64) (*Observation, error) {
	body, err := c.rdb.LIndex(ctx, ObservationsKey(c.keyPrefix, experimentID), -1).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last observation: %w", err)
	}

	var o Observation
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal observation: %w", err)
	}
	return &o, nil
}

// Hyperparameters returns the stored hyperparameter blob, or nil if none was
// computed yet.
func (c *Client) Hyperparameters(ctx context.Context, experimentID int64) (json.RawMessage, error) {
	body, err := c.rdb.Get(ctx, HyperparametersKey(c.keyPrefix, experimentID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read hyperparameters: %w", err)
	}
	return json.RawMessage(body), nil
}

// SetHyperparameters replaces the stored hyperparameter blob.
func (c *Client) SetHyperparameters(ctx context.Context, experimentID int64, blob json.RawMessage) error {
	if err := c.rdb.Set(ctx, HyperparametersKey(c.keyPrefix, experimentID), []byte(blob), 0).Err(); err != nil {
		return fmt.Errorf("failed to write hyperparameters: %w", err)
	}
	return nil
}

// ReplaceQueuedSuggestions swaps the experiment's precomputed suggestions for
// a new batch, keeping the batch order. Ids are assigned in place.
func (c *Client) ReplaceQueuedSuggestions(ctx context.Context, experimentID int64, suggestions []QueuedSuggestion) error {
	var lastID int64
	if len(suggestions) > 0 {
		var err error
		lastID, err = c.rdb.IncrBy(ctx, IDCounterKey(c.keyPrefix, "queued_suggestion"), int64(len(suggestions))).Result()
		if err != nil {
			return fmt.Errorf("failed to allocate queued suggestion ids: %w", err)
		}
	}
	firstID := lastID - int64(len(suggestions)) + 1

	bodies := make(map[string]interface{}, len(suggestions))
	members := make([]redis.Z, len(suggestions))
	for i := range suggestions {
		q := &suggestions[i]
		q.ID = firstID + int64(i)
		q.ExperimentID = experimentID
		body, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("failed to marshal queued suggestion: %w", err)
		}
		member := strconv.FormatInt(q.ID, 10)
		bodies[member] = string(body)
		members[i] = redis.Z{Score: float64(i), Member: member}
	}

	zkey := QueuedSuggestionsKey(c.keyPrefix, experimentID)
	hkey := QueuedSuggestionBodiesKey(c.keyPrefix, experimentID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, zkey, hkey)
		if len(suggestions) > 0 {
			pipe.ZAdd(ctx, zkey, members...)
			pipe.HSet(ctx, hkey, bodies)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write queued suggestions: %w", err)
	}
	return nil
}

// PeekQueuedSuggestions returns up to limit precomputed suggestions in batch
// order without consuming them.
func (c *Client) PeekQueuedSuggestions(ctx context.Context, experimentID int64, limit int) ([]QueuedSuggestion, error) {
	if limit <= 0 {
		return []QueuedSuggestion{}, nil
	}

	ids, err := c.rdb.ZRange(ctx, QueuedSuggestionsKey(c.keyPrefix, experimentID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queued suggestion ids: %w", err)
	}
	if len(ids) == 0 {
		return []QueuedSuggestion{}, nil
	}

	bodies, err := c.rdb.HMGet(ctx, QueuedSuggestionBodiesKey(c.keyPrefix, experimentID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queued suggestion bodies: %w", err)
	}

	suggestions := make([]QueuedSuggestion, 0, len(bodies))
	for _, raw := range bodies {
		body, ok := raw.(string)
		if !ok {
			continue
		}
		var q QueuedSuggestion
		if err := json.Unmarshal([]byte(body), &q); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queued suggestion: %w", err)
		}
		suggestions = append(suggestions, q)
	}
	return suggestions, nil
}

// SetImportances replaces the stored importances for an experiment.
func (c *Client) SetImportances(ctx context.Context, imp *Importances) error {
	body, err := json.Marshal(imp)
	if err != nil {
		return fmt.Errorf("failed to marshal importances: %w", err)
	}
	if err := c.rdb.Set(ctx, ImportancesKey(c.keyPrefix, imp.ExperimentID), body, 0).Err(); err != nil {
		return fmt.Errorf("failed to write importances: %w", err)
	}
	return nil
}

// Importances returns the stored importances, or nil if none were computed.
func (c *Client) Importances(ctx context.Context, experimentID int64) (*Importances, error) {
	body, err := c.rdb.Get(ctx, ImportancesKey(c.keyPrefix, experimentID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read importances: %w", err)
	}

	var imp Importances
	if err := json.Unmarshal(body, &imp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal importances: %w", err)
	}
	return &imp, nil
}
