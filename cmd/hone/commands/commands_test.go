package commands

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/hone/internal/config"
	"github.com/dyluth/hone/internal/queue"
	"github.com/dyluth/hone/pkg/experiment"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv("HONE_REDIS_ADDR", mr.Addr())

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCommand(&out, &errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func enqueue(t *testing.T, rdb *redis.Client, queueName string, m queue.Message, groupKey string) {
	t.Helper()
	p, err := queue.NewRedisProvider(rdb, config.DefaultKeyPrefix, queueName, queue.RedisProviderOptions{})
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(context.Background(), []queue.Message{m}, queue.EnqueueOptions{GroupKey: groupKey}))
}

func optimizeMessage(t *testing.T, experimentID int64) queue.Message {
	t.Helper()
	m, err := queue.NewMessage(queue.MessageTypeOptimize, queue.OptimizePayload{ExperimentID: experimentID})
	require.NoError(t, err)
	return m
}

// rowFields returns the whitespace-separated fields of the output line
// starting with first.
func rowFields(out, first string) []string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == first {
			return fields
		}
	}
	return nil
}

func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	out, _, err := runCLI(t)
	assert.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "recompute")
}

func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	_, _, err := runCLI(t, "--unknown-flag", "value")
	assert.Error(t, err)
}

func TestQueueCount(t *testing.T) {
	rdb := setupTestRedis(t)
	enqueue(t, rdb, "optimize", optimizeMessage(t, 1), "1")
	enqueue(t, rdb, "optimize", optimizeMessage(t, 2), "2")

	t.Run("all queues", func(t *testing.T) {
		out, _, err := runCLI(t, "queue", "count")
		require.NoError(t, err)
		assert.Equal(t, []string{"optimize", "2", "0"}, rowFields(out, "optimize"))
		assert.Equal(t, []string{"next-points", "0", "0"}, rowFields(out, "next-points"))
		assert.NotNil(t, rowFields(out, "email"))
	})

	t.Run("single queue", func(t *testing.T) {
		out, _, err := runCLI(t, "queue", "count", "--queue", "optimize")
		require.NoError(t, err)
		assert.Equal(t, []string{"optimize", "2", "0"}, rowFields(out, "optimize"))
		assert.Nil(t, rowFields(out, "email"))
	})

	t.Run("unknown queue", func(t *testing.T) {
		_, errOut, err := runCLI(t, "queue", "count", "-q", "reports")
		require.Error(t, err)
		assert.Equal(t, "unknown queue", err.Error())
		assert.Contains(t, errOut, "Known queues:")
	})
}

func TestQueuePurge(t *testing.T) {
	rdb := setupTestRedis(t)
	enqueue(t, rdb, "optimize", optimizeMessage(t, 1), "1")

	_, _, err := runCLI(t, "queue", "purge")
	require.Error(t, err)
	assert.Equal(t, "--queue is required", err.Error())

	out, _, err := runCLI(t, "queue", "purge", "--queue", "optimize")
	require.NoError(t, err)
	assert.Contains(t, out, "Purged queue optimize")

	out, _, err = runCLI(t, "queue", "count", "--queue", "optimize")
	require.NoError(t, err)
	assert.Equal(t, []string{"optimize", "0", "0"}, rowFields(out, "optimize"))
}

func TestQueueTest(t *testing.T) {
	setupTestRedis(t)

	out, _, err := runCLI(t, "queue", "test", "--queue", "next-points")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue next-points round-tripped a probe")
}

func TestInflight(t *testing.T) {
	rdb := setupTestRedis(t)
	tracker := queue.NewRedisTracker(rdb, config.DefaultKeyPrefix)
	ctx := context.Background()
	require.NoError(t, tracker.Add(ctx, "optimize", queue.Marker{ID: "stuck", StartedAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, tracker.Add(ctx, "optimize", queue.Marker{ID: "busy", StartedAt: time.Now()}))

	out, _, err := runCLI(t, "inflight", "--queue", "optimize", "--stale", "10m")
	require.NoError(t, err)
	assert.Contains(t, out, "optimize: 2 in flight")
	assert.Contains(t, out, "1 marker(s) older than 10m0s")
	assert.NotNil(t, rowFields(out, "stuck"))
	assert.Nil(t, rowFields(out, "busy"))

	_, _, err = runCLI(t, "inflight")
	assert.Error(t, err)
}

func TestRecompute(t *testing.T) {
	rdb := setupTestRedis(t)
	client, err := experiment.NewClientFromRedis(rdb, config.DefaultKeyPrefix)
	require.NoError(t, err)
	exp := &experiment.Experiment{
		Name: "cli",
		Type: experiment.TypeOffline,
		Parameters: []experiment.Parameter{
			{Name: "x", Type: experiment.ParameterTypeDouble, Bounds: &experiment.Bounds{Min: 0, Max: 1}},
		},
	}
	require.NoError(t, client.CreateExperiment(context.Background(), exp))

	t.Run("missing experiment flag", func(t *testing.T) {
		_, _, err := runCLI(t, "recompute")
		require.Error(t, err)
		assert.Equal(t, "--experiment is required", err.Error())
	})

	t.Run("unknown experiment", func(t *testing.T) {
		_, _, err := runCLI(t, "recompute", "--experiment", "999")
		require.Error(t, err)
		assert.Equal(t, "experiment not found", err.Error())
	})

	t.Run("next points and optimize", func(t *testing.T) {
		out, _, err := runCLI(t, "recompute", "--experiment", "1", "--optimize")
		require.NoError(t, err)
		assert.Contains(t, out, "Enqueued NEXT_POINTS for experiment 1 on next-points")
		assert.Contains(t, out, "Enqueued OPTIMIZE for experiment 1 on optimize")

		out, _, err = runCLI(t, "queue", "count")
		require.NoError(t, err)
		assert.Equal(t, []string{"next-points", "1", "0"}, rowFields(out, "next-points"))
		assert.Equal(t, []string{"optimize", "1", "0"}, rowFields(out, "optimize"))
	})

	t.Run("queueing disabled", func(t *testing.T) {
		cfgPath := t.TempDir() + "/hone.yml"
		require.NoError(t, os.WriteFile(cfgPath, []byte("queue:\n  disabled: true\n"), 0644))

		out, _, err := runCLI(t, "--config", cfgPath, "recompute", "--experiment", "1")
		require.NoError(t, err)
		assert.Contains(t, out, "Queueing is disabled")
	})

	t.Run("invalid delay", func(t *testing.T) {
		_, _, err := runCLI(t, "recompute", "--experiment", "1", "--at", "later")
		require.Error(t, err)
		assert.Equal(t, "invalid --at", err.Error())
	})

	t.Run("deferred delivery", func(t *testing.T) {
		out, _, err := runCLI(t, "recompute", "--experiment", "1", "--at", "2099-01-01T00:00:00Z")
		require.NoError(t, err)
		assert.Contains(t, out, "Enqueued NEXT_POINTS for experiment 1 on next-points")
		assert.Contains(t, out, "Delivery deferred until 2099-01-01T00:00:00Z")
	})
}

func TestSuggest(t *testing.T) {
	rdb := setupTestRedis(t)
	client, err := experiment.NewClientFromRedis(rdb, config.DefaultKeyPrefix)
	require.NoError(t, err)
	ctx := context.Background()
	exp := &experiment.Experiment{
		Name: "cli",
		Type: experiment.TypeRandom,
		Parameters: []experiment.Parameter{
			{Name: "x", Type: experiment.ParameterTypeDouble, Bounds: &experiment.Bounds{Min: 0, Max: 1}},
			{Name: "layers", Type: experiment.ParameterTypeInt, Bounds: &experiment.Bounds{Min: 1, Max: 4}},
		},
	}
	require.NoError(t, client.CreateExperiment(ctx, exp))

	t.Run("missing experiment flag", func(t *testing.T) {
		_, _, err := runCLI(t, "suggest")
		require.Error(t, err)
		assert.Equal(t, "--experiment is required", err.Error())
	})

	t.Run("unknown experiment", func(t *testing.T) {
		_, _, err := runCLI(t, "suggest", "--experiment", "999")
		require.Error(t, err)
		assert.Equal(t, "experiment not found", err.Error())
	})

	t.Run("serves and claims a suggestion", func(t *testing.T) {
		out, _, err := runCLI(t, "suggest", "--experiment", "1", "--data", "run=r1")
		require.NoError(t, err)
		assert.Contains(t, out, "Suggestion 1 for experiment 1 (source: explicit_random)")
		assert.Len(t, rowFields(out, "x"), 2)
		assert.Len(t, rowFields(out, "layers"), 2)

		open, err := client.OpenSuggestions(ctx, exp.ID)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "r1", open[0].Processed.ClientProvidedData["run"])
		assert.True(t, open[0].Processed.Automatic)
	})

	t.Run("reuses the open suggestion at full bandwidth", func(t *testing.T) {
		out, _, err := runCLI(t, "suggest", "--experiment", "1")
		require.NoError(t, err)
		assert.Contains(t, out, "Suggestion 1 for experiment 1")

		open, err := client.OpenSuggestions(ctx, exp.ID)
		require.NoError(t, err)
		assert.Len(t, open, 1)
	})
}
