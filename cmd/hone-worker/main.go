// Command hone-worker consumes one message group until it is drained,
// interrupted or killed, and maps the reason onto its exit code.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"

	"github.com/dyluth/hone/internal/bootstrap"
	"github.com/dyluth/hone/internal/config"
	"github.com/dyluth/hone/internal/health"
	"github.com/dyluth/hone/internal/queue"
	"github.com/dyluth/hone/pkg/telemetry"
)

// SelfTestEnv switches the worker to probing its queues instead of consuming.
const SelfTestEnv = "HONE_WORKER_SELF_TEST"

const (
	killedExitCode = 137
	errorExitCode  = 1
	warmupTimeout  = 30 * time.Second
	shutdownWait   = 5 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type workerFlags struct {
	configPath          string
	gracefulExitCode    int
	interruptedExitCode int
	maxMessages         int
	exitWhenEmpty       bool
	logLevel            string
	logFormat           string
}

// run contains the main logic and returns an exit code.
// This separation makes the logic testable and ensures deferred functions run.
func run(args []string, stdout, stderr io.Writer) int {
	var flags workerFlags
	code := errorExitCode
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:           "hone-worker <message_group>",
		Short:         "Consume one hone message group",
		Long:          fmt.Sprintf("Consume one hone message group: %v", queue.Groups),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			group := queue.Group(args[0])
			if err := group.Validate(); err != nil {
				return err
			}
			code = runWorker(cmd.Context(), group, flags, v, stdout)
			return nil
		},
	}
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	fs := cmd.Flags()
	fs.StringVar(&flags.configPath, "config", "", "path to hone.yml (optional)")
	fs.IntVar(&flags.gracefulExitCode, "graceful-exit-code", 0, "exit code when the worker finished draining")
	fs.IntVar(&flags.interruptedExitCode, "interrupted-exit-code", 0, "exit code after a graceful shutdown signal")
	fs.IntVar(&flags.maxMessages, "max-messages", 0, "finish after this many messages per worker (0 = unbounded)")
	fs.BoolVar(&flags.exitWhenEmpty, "exit-when-empty", false, "finish on the first empty poll")
	fs.StringVar(&flags.logLevel, "log-level", "info", "log level: debug | info | warn | error")
	fs.StringVar(&flags.logFormat, "log-format", "json", "log format: json | text")

	fs.String("redis-addr", config.DefaultRedisAddr, "Redis address (host:port)")
	fs.String("queue-provider", config.ProviderRedis, "queue provider: redis | kafka | local")
	fs.String("kafka-brokers", "", "comma-separated Kafka broker addresses")
	fs.Int("consumers", 1, "workers per queue of the group")
	fs.String("compute-url", "", "compute service base URL (empty = random adapter)")
	fs.String("health-addr", config.DefaultHealthAddr, "health and metrics server address")
	fs.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing; empty disables tracing")

	config.BindFlag(v, "redis.addr", fs, "redis-addr")
	config.BindFlag(v, "queue.provider", fs, "queue-provider")
	config.BindFlag(v, "queue.kafka.brokers", fs, "kafka-brokers")
	config.BindFlag(v, "queue.consumers_per_queue", fs, "consumers")
	config.BindFlag(v, "compute.url", fs, "compute-url")
	config.BindFlag(v, "health.addr", fs, "health-addr")
	config.BindFlag(v, "tracing.endpoint", fs, "otel-endpoint")
	config.BindEnv(v, "tracing.endpoint", "HONE_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return errorExitCode
	}
	return code
}

func runWorker(ctx context.Context, group queue.Group, flags workerFlags, v *viper.Viper, stdout io.Writer) int {
	logger := newLogger(stdout, flags.logLevel, flags.logFormat).With("service", "hone-worker", "group", string(group))

	cfg, err := config.LoadLayered(flags.configPath, v)
	if err != nil {
		logger.Error("configuration error", "event", "config_invalid", "error", err)
		return errorExitCode
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, "hone-worker-"+string(group), cfg.Tracing.Endpoint)
	if err != nil {
		logger.Error("failed to initialise tracing", "event", "tracer_failed", "error", err)
		return errorExitCode
	}
	defer shutdownTracer()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build worker", "event", "bootstrap_failed", "error", err)
		return errorExitCode
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("error during shutdown", "event", "close_failed", "error", err)
		}
	}()

	warmupCtx, cancel := context.WithTimeout(ctx, warmupTimeout)
	err = app.Warmup(warmupCtx)
	cancel()
	if err != nil {
		logger.Error("queues not reachable", "event", "warmup_failed", "error", err)
		return errorExitCode
	}

	if os.Getenv(SelfTestEnv) == "1" {
		return selfTest(ctx, app, group, flags, logger)
	}

	lifecycle := queue.NewLifecycle(ctx)
	stopSignals := lifecycle.WatchSignals()
	defer stopSignals()

	workerOpts := app.WorkerOptions()
	workerOpts.MaxMessages = flags.maxMessages
	workerOpts.ExitWhenEmpty = flags.exitWhenEmpty
	pool, err := app.Pool(group, lifecycle, workerOpts)
	if err != nil {
		logger.Error("failed to build worker pool", "event", "pool_failed", "error", err)
		return errorExitCode
	}

	healthServer := health.NewServer(cfg.Health.Addr, app, app.Tracking, logger)
	if err := healthServer.Start(); err != nil {
		logger.Error("failed to start health server", "event", "health_server_failed", "error", err)
		return errorExitCode
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		_ = healthServer.Shutdown(shutdownCtx)
	}()

	if !cfg.Sweeper.Disabled {
		sw, err := app.Sweeper()
		if err != nil {
			logger.Error("failed to build sweeper", "event", "sweeper_failed", "error", err)
			return errorExitCode
		}
		sweepCtx, stopSweep := context.WithCancel(ctx)
		sw.Start(sweepCtx)
		defer func() {
			stopSweep()
			sw.Stop()
		}()
	}

	healthServer.SetReady(true)
	logger.Info("worker starting",
		"event", "worker_starting",
		"workers", len(pool.Workers()),
		"queue_provider", cfg.Queue.Provider,
		"store", cfg.Store.Driver,
	)

	result := pool.Run(ctx)
	healthServer.SetReady(false)

	code := exitCode(result, flags.gracefulExitCode, flags.interruptedExitCode)
	logger.Info("worker stopped", "event", "worker_stopped", "result", fmt.Sprint(result), "exit_code", code)
	return code
}

// selfTest round-trips a probe through every queue of the group.
func selfTest(ctx context.Context, app *bootstrap.App, group queue.Group, flags workerFlags, logger *slog.Logger) int {
	providers, err := app.GroupProviders(group)
	if err != nil {
		logger.Error("self test failed", "event", "self_test_failed", "error", err)
		return errorExitCode
	}
	for _, p := range providers {
		if err := p.Test(ctx); err != nil {
			logger.Error("self test failed", "event", "self_test_failed", "queue", p.Queue(), "error", err)
			return errorExitCode
		}
		logger.Info("self test passed", "event", "self_test_passed", "queue", p.Queue())
	}
	return flags.gracefulExitCode
}

// exitCode maps the pool result onto the process exit code.
func exitCode(err error, graceful, interrupted int) int {
	switch {
	case err == nil, errors.Is(err, queue.ErrWorkerFinished):
		return graceful
	case errors.Is(err, queue.ErrWorkerKilled):
		return killedExitCode
	case errors.Is(err, queue.ErrWorkerInterrupted):
		return interrupted
	default:
		return errorExitCode
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
