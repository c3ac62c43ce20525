package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Marker is one in-flight message record.
type Marker struct {
	ID        string
	StartedAt time.Time
}

// Tracker stores in-flight markers per queue.
type Tracker interface {
	Add(ctx context.Context, queue string, m Marker) error
	Remove(ctx context.Context, queue, markerID string) error
	Count(ctx context.Context, queue string) (int64, error)
	// OlderThan returns markers started before cutoff, oldest first.
	OlderThan(ctx context.Context, queue string, cutoff time.Time) ([]Marker, error)
}

// RedisTracker keeps markers in a sorted set scored by start time in ms.
type RedisTracker struct {
	rdb       *redis.Client
	keyPrefix string
}

func NewRedisTracker(rdb *redis.Client, keyPrefix string) *RedisTracker {
	return &RedisTracker{rdb: rdb, keyPrefix: keyPrefix}
}

func (t *RedisTracker) Add(ctx context.Context, queue string, m Marker) error {
	err := t.rdb.ZAdd(ctx, ProcessingKey(t.keyPrefix, queue), redis.Z{
		Score:  float64(m.StartedAt.UnixMilli()),
		Member: m.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add in-flight marker: %w", err)
	}
	return nil
}

func (t *RedisTracker) Remove(ctx context.Context, queue, markerID string) error {
	if err := t.rdb.ZRem(ctx, ProcessingKey(t.keyPrefix, queue), markerID).Err(); err != nil {
		return fmt.Errorf("failed to remove in-flight marker: %w", err)
	}
	return nil
}

func (t *RedisTracker) Count(ctx context.Context, queue string) (int64, error) {
	n, err := t.rdb.ZCard(ctx, ProcessingKey(t.keyPrefix, queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight markers: %w", err)
	}
	return n, nil
}

func (t *RedisTracker) OlderThan(ctx context.Context, queue string, cutoff time.Time) ([]Marker, error) {
	zs, err := t.rdb.ZRangeByScoreWithScores(ctx, ProcessingKey(t.keyPrefix, queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read in-flight markers: %w", err)
	}
	out := make([]Marker, 0, len(zs))
	for _, z := range zs {
		out = append(out, Marker{ID: z.Member.(string), StartedAt: time.UnixMilli(int64(z.Score))})
	}
	return out, nil
}

// MemoryTracker is a process-local Tracker for the local provider and tests.
type MemoryTracker struct {
	mu      sync.Mutex
	markers map[string]map[string]time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{markers: make(map[string]map[string]time.Time)}
}

func (t *MemoryTracker) Add(_ context.Context, queue string, m Marker) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.markers[queue] == nil {
		t.markers[queue] = make(map[string]time.Time)
	}
	t.markers[queue][m.ID] = m.StartedAt
	return nil
}

func (t *MemoryTracker) Remove(_ context.Context, queue, markerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.markers[queue], markerID)
	return nil
}

func (t *MemoryTracker) Count(_ context.Context, queue string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.markers[queue])), nil
}

func (t *MemoryTracker) OlderThan(_ context.Context, queue string, cutoff time.Time) ([]Marker, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Marker
	for id, at := range t.markers[queue] {
		if at.Before(cutoff) {
			out = append(out, Marker{ID: id, StartedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// TrackingService records a marker around every processed message so leaked
// in-flight work can be found from outside the worker.
type TrackingService struct {
	tracker Tracker
	clock   func() time.Time
	logger  *slog.Logger
}

func NewTrackingService(tracker Tracker, logger *slog.Logger) *TrackingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrackingService{tracker: tracker, clock: time.Now, logger: logger}
}

// Process runs fn with a marker recorded for queue. The marker is removed on
// every exit path, including a panic in fn.
func (s *TrackingService) Process(ctx context.Context, queue string, fn func(ctx context.Context) error) error {
	marker := Marker{ID: uuid.New().String(), StartedAt: s.clock()}
	if err := s.tracker.Add(ctx, queue, marker); err != nil {
		return err
	}
	defer func() {
		// Release even when ctx was cancelled by a kill.
		if err := s.tracker.Remove(context.WithoutCancel(ctx), queue, marker.ID); err != nil {
			s.logger.Error("failed to release in-flight marker",
				"event", "marker_leaked",
				"queue", queue,
				"marker", marker.ID,
				"error", err,
			)
		}
	}()
	return fn(ctx)
}

// CountProcessingMessages returns the number of in-flight markers for queue.
func (s *TrackingService) CountProcessingMessages(ctx context.Context, queue string) (int64, error) {
	return s.tracker.Count(ctx, queue)
}

// StaleMarkers returns markers for queue older than threshold.
func (s *TrackingService) StaleMarkers(ctx context.Context, queue string, threshold time.Duration) ([]Marker, error) {
	return s.tracker.OlderThan(ctx, queue, s.clock().Add(-threshold))
}
