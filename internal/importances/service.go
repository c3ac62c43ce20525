// Package importances decides when an experiment's parameter importances are
// worth recomputing.
package importances

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/hone/pkg/experiment"
)

const (
	DefaultMinObservations = 10
	DefaultUpdateInterval  = 10 * time.Minute
	// DefaultGrowthFactor recomputes ahead of the interval once the
	// observation count has grown by this factor since the last result.
	DefaultGrowthFactor = 2.0
)

// Settings configures the importances policy. Zero fields take the defaults.
type Settings struct {
	Enabled         bool
	MinObservations int
	UpdateInterval  time.Duration
	GrowthFactor    float64
}

func (s Settings) withDefaults() Settings {
	if s.MinObservations <= 0 {
		s.MinObservations = DefaultMinObservations
	}
	if s.UpdateInterval <= 0 {
		s.UpdateInterval = DefaultUpdateInterval
	}
	if s.GrowthFactor <= 1 {
		s.GrowthFactor = DefaultGrowthFactor
	}
	return s
}

// Store is the part of the experiment store the policy reads.
type Store interface {
	ObservationCounts(ctx context.Context, experimentID int64) (experiment.ObservationCounts, error)
	Importances(ctx context.Context, experimentID int64) (*experiment.Importances, error)
}

// Service answers the can/should update questions for one experiment at a
// time.
type Service struct {
	store    Store
	settings Settings
	now      func() time.Time
}

// NewService creates a policy service. A nil now uses time.Now.
func NewService(store Store, settings Settings, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, settings: settings.withDefaults(), now: now}
}

// Enabled reports whether importances are computed at all.
func (s *Service) Enabled() bool { return s.settings.Enabled }

// CanUpdate reports whether the experiment has enough data for importances to
// mean anything: more than one parameter and at least MinObservations
// successful observations.
func (s *Service) CanUpdate(ctx context.Context, exp *experiment.Experiment) (bool, error) {
	if exp.Dimension() < 2 {
		return false, nil
	}
	counts, err := s.store.ObservationCounts(ctx, exp.ID)
	if err != nil {
		return false, fmt.Errorf("failed to count observations: %w", err)
	}
	return counts.Successes() >= s.settings.MinObservations, nil
}

// ShouldUpdate reports whether the stored importances are stale. A result is
// stale when there are observations it has not seen and either the update
// interval has passed or the observation count has grown by GrowthFactor.
func (s *Service) ShouldUpdate(ctx context.Context, exp *experiment.Experiment) (bool, error) {
	stored, err := s.store.Importances(ctx, exp.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load importances: %w", err)
	}
	if stored == nil {
		return true, nil
	}
	counts, err := s.store.ObservationCounts(ctx, exp.ID)
	if err != nil {
		return false, fmt.Errorf("failed to count observations: %w", err)
	}
	if counts.Count <= stored.ObservationCount {
		return false, nil
	}

	age := s.now().Sub(time.UnixMilli(stored.ComputedAtMs))
	if age >= s.settings.UpdateInterval {
		return true, nil
	}
	return float64(counts.Count) >= float64(stored.ObservationCount)*s.settings.GrowthFactor, nil
}

// Due combines the policy: importances are enabled, the experiment can be
// updated, and the stored result is stale or force is set.
func (s *Service) Due(ctx context.Context, exp *experiment.Experiment, force bool) (bool, error) {
	if !s.settings.Enabled {
		return false, nil
	}
	can, err := s.CanUpdate(ctx, exp)
	if err != nil || !can {
		return false, err
	}
	if force {
		return true, nil
	}
	return s.ShouldUpdate(ctx, exp)
}
