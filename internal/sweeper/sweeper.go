// Package sweeper periodically looks for work that leaked out of the
// workers: in-flight markers older than a threshold and Redis envelopes
// whose visibility timeout lapsed.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dyluth/hone/internal/queue"
	"github.com/dyluth/hone/pkg/telemetry"
)

// Recoverer returns expired in-flight messages of one queue.
type Recoverer interface {
	Queue() string
	RecoverExpired(ctx context.Context) (int, error)
}

// Config wires a Sweeper.
type Config struct {
	// Schedule is a standard cron expression or descriptor such as "@every 1m".
	Schedule       string
	StaleThreshold time.Duration
	// Queues whose tracking markers are inspected.
	Queues     []string
	Tracking   *queue.TrackingService
	Recoverers []Recoverer
	Logger     *slog.Logger
}

// Result is the outcome of one sweep, keyed by queue.
type Result struct {
	Stale     map[string]int
	Recovered map[string]int
}

type Sweeper struct {
	cfg      Config
	schedule cron.Schedule
	cron     *cron.Cron
	logger   *slog.Logger
}

func New(cfg Config) (*Sweeper, error) {
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.StaleThreshold <= 0 {
		return nil, fmt.Errorf("stale threshold must be positive, got %s", cfg.StaleThreshold)
	}
	if cfg.Tracking == nil {
		return nil, fmt.Errorf("tracking service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{cfg: cfg, schedule: schedule, logger: cfg.Logger}, nil
}

// Sweep runs one pass over every queue. A failing queue is logged and the
// pass continues; the first error is returned.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	res := Result{Stale: make(map[string]int), Recovered: make(map[string]int)}
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, q := range s.cfg.Queues {
		markers, err := s.cfg.Tracking.StaleMarkers(ctx, q, s.cfg.StaleThreshold)
		if err != nil {
			s.logger.Error("failed to read in-flight markers", "event", "sweep_failed", "queue", q, "error", err)
			keep(fmt.Errorf("failed to read markers of %s: %w", q, err))
			continue
		}
		res.Stale[q] = len(markers)
		telemetry.StaleMarkers.WithLabelValues(q).Set(float64(len(markers)))
		for _, m := range markers {
			s.logger.Warn("stale in-flight marker",
				"event", "stale_marker",
				"queue", q,
				"marker", m.ID,
				"started_at", m.StartedAt,
			)
		}
	}

	for _, r := range s.cfg.Recoverers {
		n, err := r.RecoverExpired(ctx)
		res.Recovered[r.Queue()] = n
		if err != nil {
			s.logger.Error("failed to recover expired messages", "event", "sweep_failed", "queue", r.Queue(), "error", err)
			keep(err)
		}
	}

	s.logger.Info("sweep complete", "event", "sweep_complete", "stale", res.Stale, "recovered", res.Recovered)
	return res, firstErr
}

// Start runs Sweep on the schedule until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.cron = cron.New()
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		_, _ = s.Sweep(ctx)
	}))
	s.cron.Start()
	s.logger.Info("sweeper started", "event", "sweeper_started", "schedule", s.cfg.Schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
