package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackers(t *testing.T) map[string]Tracker {
	rdb, _ := setupTestRedis(t)
	return map[string]Tracker{
		"redis":  NewRedisTracker(rdb, "test"),
		"memory": NewMemoryTracker(),
	}
}

func TestTrackingService_ReleasesOnEveryExit(t *testing.T) {
	for name, tracker := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			s := NewTrackingService(tracker, nil)
			ctx := context.Background()

			count := func() int64 {
				n, err := s.CountProcessingMessages(ctx, "q")
				require.NoError(t, err)
				return n
			}

			err := s.Process(ctx, "q", func(context.Context) error {
				assert.Equal(t, int64(1), count())
				return nil
			})
			require.NoError(t, err)
			assert.Zero(t, count())

			boom := errors.New("boom")
			err = s.Process(ctx, "q", func(context.Context) error { return boom })
			assert.ErrorIs(t, err, boom)
			assert.Zero(t, count())

			assert.Panics(t, func() {
				_ = s.Process(ctx, "q", func(context.Context) error { panic("handler exploded") })
			})
			assert.Zero(t, count())

			cancelled, cancel := context.WithCancel(ctx)
			err = s.Process(cancelled, "q", func(context.Context) error {
				cancel()
				return cancelled.Err()
			})
			assert.ErrorIs(t, err, context.Canceled)
			assert.Zero(t, count(), "released even after the context is cancelled")
		})
	}
}

func TestTracker_OlderThan(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for name, tracker := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, tracker.Add(ctx, "q", Marker{ID: "new", StartedAt: base}))
			require.NoError(t, tracker.Add(ctx, "q", Marker{ID: "old", StartedAt: base.Add(-time.Hour)}))
			require.NoError(t, tracker.Add(ctx, "q", Marker{ID: "older", StartedAt: base.Add(-2 * time.Hour)}))
			require.NoError(t, tracker.Add(ctx, "other", Marker{ID: "elsewhere", StartedAt: base.Add(-time.Hour)}))

			stale, err := tracker.OlderThan(ctx, "q", base.Add(-30*time.Minute))
			require.NoError(t, err)
			require.Len(t, stale, 2)
			assert.Equal(t, "older", stale[0].ID)
			assert.Equal(t, "old", stale[1].ID)
			assert.True(t, stale[1].StartedAt.Equal(base.Add(-time.Hour)))

			require.NoError(t, tracker.Remove(ctx, "q", "old"))
			n, err := tracker.Count(ctx, "q")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
		})
	}
}

func TestTrackingService_StaleMarkers(t *testing.T) {
	tracker := NewMemoryTracker()
	s := NewTrackingService(tracker, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, tracker.Add(ctx, "q", Marker{ID: "leaked", StartedAt: now.Add(-time.Hour)}))
	require.NoError(t, tracker.Add(ctx, "q", Marker{ID: "busy", StartedAt: now.Add(-time.Second)}))

	stale, err := s.StaleMarkers(ctx, "q", 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "leaked", stale[0].ID)
}
