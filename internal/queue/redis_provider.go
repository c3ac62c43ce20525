package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dyluth/hone/pkg/telemetry"
)

const (
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultScanLimit         = 100
	DefaultProbeTTL          = 5 * time.Second
	DefaultWarmupTimeout     = 30 * time.Second
)

// ErrNotInFlight is returned when acknowledging a message that is no longer
// in flight, usually because its visibility timeout lapsed and it was
// returned to the queue.
var ErrNotInFlight = errors.New("message is not in flight")

// Members are "{seq:020d}|{envelope json}" so equal scores keep enqueue order.
const seqWidth = 20

// dequeueScript delivers the first ready envelope whose group is not already
// in flight. A group blocked at one position stays blocked for the rest of
// the scan so later messages never overtake it.
var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local members = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[4]) - 1)
local blocked = {}
for _, member in ipairs(members) do
  local env = cjson.decode(string.sub(member, 22))
  local group = env['group_key']
  if type(group) ~= 'string' then group = '' end
  local ready = tonumber(env['not_before_ms'] or 0) <= now
  if group ~= '' and blocked[group] then
    ready = false
  elseif ready and group ~= '' then
    ready = redis.call('SET', ARGV[3] .. group, env['id'], 'NX', 'PX', ARGV[2]) ~= false
  end
  if ready then
    local score = redis.call('ZSCORE', KEYS[1], member)
    redis.call('ZREM', KEYS[1], member)
    redis.call('HSET', KEYS[2], member, score .. '|' .. ARGV[1])
    return member
  end
  if group ~= '' then blocked[group] = true end
end
return false
`)

var ackScript = redis.NewScript(`
local removed = redis.call('HDEL', KEYS[1], ARGV[1])
if ARGV[2] ~= '' and redis.call('GET', ARGV[2]) == ARGV[3] then
  redis.call('DEL', ARGV[2])
end
return removed
`)

var rejectScript = redis.NewScript(`
local entry = redis.call('HGET', KEYS[1], ARGV[1])
if not entry then return 0 end
local sep = string.find(entry, '|', 1, true)
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], string.sub(entry, 1, sep - 1), ARGV[1])
if ARGV[2] ~= '' and redis.call('GET', ARGV[2]) == ARGV[3] then
  redis.call('DEL', ARGV[2])
end
return 1
`)

// RedisProviderOptions tune a RedisProvider. Zero values take defaults.
type RedisProviderOptions struct {
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	ScanLimit         int
	ProbeTTL          time.Duration
	WarmupTimeout     time.Duration
	RequireGroupKey   bool
	Clock             func() time.Time
	Logger            *slog.Logger
}

func (o RedisProviderOptions) withDefaults() RedisProviderOptions {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ScanLimit <= 0 {
		o.ScanLimit = DefaultScanLimit
	}
	if o.ProbeTTL <= 0 {
		o.ProbeTTL = DefaultProbeTTL
	}
	if o.WarmupTimeout <= 0 {
		o.WarmupTimeout = DefaultWarmupTimeout
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// RedisProvider is a queue stored under {prefix}:{queue}: a sorted set of
// envelopes, a hash of in-flight envelopes and per-group delivery locks that
// expire with the visibility timeout.
type RedisProvider struct {
	rdb       *redis.Client
	keyPrefix string
	queue     string
	opts      RedisProviderOptions
}

// NewRedisProvider creates a provider for one queue on a shared client.
func NewRedisProvider(rdb *redis.Client, keyPrefix, queue string, opts RedisProviderOptions) (*RedisProvider, error) {
	if keyPrefix == "" {
		return nil, fmt.Errorf("key prefix cannot be empty")
	}
	if queue == "" {
		return nil, fmt.Errorf("queue name cannot be empty")
	}
	return &RedisProvider{rdb: rdb, keyPrefix: keyPrefix, queue: queue, opts: opts.withDefaults()}, nil
}

func (p *RedisProvider) Queue() string { return p.queue }

func (p *RedisProvider) RequiresGroupKey() bool { return p.opts.RequireGroupKey }

// Warmup pings Redis with exponential backoff until it answers or the warmup
// timeout elapses.
func (p *RedisProvider) Warmup(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.PollInterval
	b.MaxElapsedTime = p.opts.WarmupTimeout

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := p.rdb.Ping(ctx).Err()
		if err != nil {
			p.opts.Logger.Warn("redis not ready",
				"event", "queue_warmup_retry",
				"queue", p.queue,
				"attempt", attempt,
				"error", err,
			)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("failed to reach redis for queue %s: %w", p.queue, err)
	}
	return nil
}

func (p *RedisProvider) CountQueuedMessages(ctx context.Context) (int64, error) {
	n, err := p.rdb.ZCard(ctx, QueueKey(p.keyPrefix, p.queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count queued messages: %w", err)
	}
	return n, nil
}

// CountInFlightMessages returns the number of delivered, unacknowledged messages.
func (p *RedisProvider) CountInFlightMessages(ctx context.Context) (int64, error) {
	n, err := p.rdb.HLen(ctx, InFlightKey(p.keyPrefix, p.queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight messages: %w", err)
	}
	return n, nil
}

// Enqueue appends messages in order. Every message of the batch shares the
// options' group key and score.
func (p *RedisProvider) Enqueue(ctx context.Context, messages []Message, opts EnqueueOptions) error {
	if len(messages) == 0 {
		return nil
	}

	last, err := p.rdb.IncrBy(ctx, SequenceKey(p.keyPrefix, p.queue), int64(len(messages))).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate message sequence: %w", err)
	}
	first := last - int64(len(messages)) + 1

	now := p.opts.Clock()
	trace := injectTrace(ctx)
	members := make([]redis.Z, len(messages))
	for i, m := range messages {
		seq := first + int64(i)
		env := envelope{
			ID:           uuid.New().String(),
			GroupKey:     opts.GroupKey,
			EnqueuedAtMs: now.UnixMilli(),
			Trace:        trace,
			Message:      m,
		}
		if opts.EnqueueTime.After(now) {
			env.NotBeforeMs = opts.EnqueueTime.UnixMilli()
		}
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
		score := float64(seq)
		if opts.Score != nil {
			score = *opts.Score
		}
		members[i] = redis.Z{Score: score, Member: fmt.Sprintf("%0*d|%s", seqWidth, seq, data)}
	}

	if err := p.rdb.ZAdd(ctx, QueueKey(p.keyPrefix, p.queue), members...).Err(); err != nil {
		return fmt.Errorf("failed to enqueue messages: %w", err)
	}
	for _, m := range messages {
		telemetry.MessagesEnqueued.WithLabelValues(p.queue, string(m.Type)).Inc()
	}
	return nil
}

// Dequeue polls every PollInterval until a message is delivered or wait elapses.
func (p *RedisProvider) Dequeue(ctx context.Context, wait time.Duration) (*ReceivedMessage, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		m, err := p.tryDequeue(ctx)
		if err != nil || m != nil {
			return m, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *RedisProvider) tryDequeue(ctx context.Context) (*ReceivedMessage, error) {
	res, err := dequeueScript.Run(ctx, p.rdb,
		[]string{QueueKey(p.keyPrefix, p.queue), InFlightKey(p.keyPrefix, p.queue)},
		p.opts.Clock().UnixMilli(),
		p.opts.VisibilityTimeout.Milliseconds(),
		GroupLockPrefix(p.keyPrefix, p.queue),
		p.opts.ScanLimit,
	).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", p.queue, err)
	}
	return p.decodeMember(res)
}

func (p *RedisProvider) decodeMember(member string) (*ReceivedMessage, error) {
	if len(member) <= seqWidth+1 || member[seqWidth] != '|' {
		return nil, fmt.Errorf("malformed queue member in %s", p.queue)
	}
	var env envelope
	if err := json.Unmarshal([]byte(member[seqWidth+1:]), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &ReceivedMessage{
		Message:    env.Message,
		ID:         env.ID,
		Queue:      p.queue,
		GroupKey:   env.GroupKey,
		EnqueuedAt: time.UnixMilli(env.EnqueuedAtMs),
		trace:      env.Trace,
		receipt:    member,
	}, nil
}

func (p *RedisProvider) lockArgs(m *ReceivedMessage) (member, lockKey string, err error) {
	member, ok := m.receipt.(string)
	if !ok {
		return "", "", fmt.Errorf("message %s was not delivered by a redis provider", m.ID)
	}
	if m.GroupKey != "" {
		lockKey = GroupLockKey(p.keyPrefix, p.queue, m.GroupKey)
	}
	return member, lockKey, nil
}

func (p *RedisProvider) Delete(ctx context.Context, m *ReceivedMessage) error {
	member, lockKey, err := p.lockArgs(m)
	if err != nil {
		return err
	}
	removed, err := ackScript.Run(ctx, p.rdb,
		[]string{InFlightKey(p.keyPrefix, p.queue)}, member, lockKey, m.ID).Int()
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", m.ID, err)
	}
	if removed == 0 {
		return fmt.Errorf("failed to delete message %s: %w", m.ID, ErrNotInFlight)
	}
	return nil
}

func (p *RedisProvider) Reject(ctx context.Context, m *ReceivedMessage) error {
	member, lockKey, err := p.lockArgs(m)
	if err != nil {
		return err
	}
	returned, err := p.requeue(ctx, member, lockKey, m.ID)
	if err != nil {
		return fmt.Errorf("failed to reject message %s: %w", m.ID, err)
	}
	if !returned {
		return fmt.Errorf("failed to reject message %s: %w", m.ID, ErrNotInFlight)
	}
	return nil
}

func (p *RedisProvider) requeue(ctx context.Context, member, lockKey, id string) (bool, error) {
	n, err := rejectScript.Run(ctx, p.rdb,
		[]string{InFlightKey(p.keyPrefix, p.queue), QueueKey(p.keyPrefix, p.queue)},
		member, lockKey, id).Int()
	return n == 1, err
}

// RecoverExpired returns in-flight messages whose visibility timeout lapsed
// to the queue at their original position.
func (p *RedisProvider) RecoverExpired(ctx context.Context) (int, error) {
	entries, err := p.rdb.HGetAll(ctx, InFlightKey(p.keyPrefix, p.queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read in-flight messages: %w", err)
	}

	cutoff := p.opts.Clock().Add(-p.opts.VisibilityTimeout).UnixMilli()
	recovered := 0
	for member, entry := range entries {
		_, at, ok := strings.Cut(entry, "|")
		if !ok {
			continue
		}
		dequeuedAt, err := strconv.ParseInt(at, 10, 64)
		if err != nil || dequeuedAt > cutoff {
			continue
		}
		m, err := p.decodeMember(member)
		if err != nil {
			return recovered, err
		}
		_, lockKey, _ := p.lockArgs(m)
		returned, err := p.requeue(ctx, member, lockKey, m.ID)
		if err != nil {
			return recovered, fmt.Errorf("failed to recover message %s: %w", m.ID, err)
		}
		if returned {
			recovered++
			telemetry.RecoveredMessages.WithLabelValues(p.queue).Inc()
			p.opts.Logger.Warn("returned expired in-flight message to queue",
				"event", "message_recovered",
				"queue", p.queue,
				"message_id", m.ID,
				"message_type", m.Type,
			)
		}
	}
	return recovered, nil
}

// PurgeQueue drops every queued message. In-flight messages are untouched.
func (p *RedisProvider) PurgeQueue(ctx context.Context) error {
	if err := p.rdb.Del(ctx, QueueKey(p.keyPrefix, p.queue)).Err(); err != nil {
		return fmt.Errorf("failed to purge queue %s: %w", p.queue, err)
	}
	return nil
}

// Test pushes a uniquely tagged probe onto a key with a short TTL and pops it
// back. The probe never touches the real queue.
func (p *RedisProvider) Test(ctx context.Context) error {
	tag := uuid.New().String()
	key := ProbeKey(p.keyPrefix, p.queue, tag)

	probe, err := NewMessage(MessageTypeEmail, EmailPayload{Subject: "probe", Body: tag})
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{ID: tag, EnqueuedAtMs: p.opts.Clock().UnixMilli(), Message: probe})
	if err != nil {
		return fmt.Errorf("failed to marshal probe: %w", err)
	}

	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.PExpire(ctx, key, p.opts.ProbeTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push probe: %w", err)
	}
	defer p.rdb.Del(context.WithoutCancel(ctx), key)

	got, err := p.rdb.LPop(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to pop probe: %w", err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(got), &env); err != nil {
		return fmt.Errorf("failed to unmarshal probe: %w", err)
	}
	payload, err := DecodeBody[EmailPayload](env.Message)
	if err != nil {
		return err
	}
	if env.ID != tag || payload.Body != tag {
		return fmt.Errorf("probe round trip mismatch on %s: got %q", p.queue, env.ID)
	}
	return nil
}

// Close is a no-op; the Redis client is shared and closed by its owner.
func (p *RedisProvider) Close() error { return nil }
