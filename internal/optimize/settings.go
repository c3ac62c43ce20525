package optimize

import (
	"log/slog"
	"math/rand/v2"
	"time"
)

// Tunable policy numbers. They are product choices rather than correctness
// requirements, so each one can be overridden through Settings.
const (
	DefaultPaddingSuggestions      = 100
	DefaultMinSuccessesToComputeEI = 3
	DefaultHighDimensionThreshold  = 50
	DefaultComputeTimeout          = 10 * time.Second
	DefaultQueuedFetchTimeout      = 500 * time.Millisecond
	DefaultObservationPageSize     = 500
	// DefaultMaxCategoricalCombinations bounds exhaustive enumeration of a
	// categorical space; larger spaces are sampled at random.
	DefaultMaxCategoricalCombinations = 10000
)

// Settings holds the sampler policy numbers. Zero fields take the defaults.
type Settings struct {
	PaddingSuggestions      int
	MinSuccessesToComputeEI int
	HighDimensionThreshold  int
	ComputeTimeout          time.Duration
	QueuedFetchTimeout      time.Duration
	// MaxCategoricalCombinations is the largest categorical space covered
	// exhaustively.
	MaxCategoricalCombinations int
}

// DefaultSettings returns Settings with every default applied.
func DefaultSettings() Settings {
	return Settings{}.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.PaddingSuggestions <= 0 {
		s.PaddingSuggestions = DefaultPaddingSuggestions
	}
	if s.MinSuccessesToComputeEI <= 0 {
		s.MinSuccessesToComputeEI = DefaultMinSuccessesToComputeEI
	}
	if s.HighDimensionThreshold <= 0 {
		s.HighDimensionThreshold = DefaultHighDimensionThreshold
	}
	if s.ComputeTimeout <= 0 {
		s.ComputeTimeout = DefaultComputeTimeout
	}
	if s.QueuedFetchTimeout <= 0 {
		s.QueuedFetchTimeout = DefaultQueuedFetchTimeout
	}
	if s.MaxCategoricalCombinations <= 0 {
		s.MaxCategoricalCombinations = DefaultMaxCategoricalCombinations
	}
	return s
}

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// Deps are the collaborators every sampler is constructed with.
type Deps struct {
	Adapter  ComputeAdapter
	Queued   QueuedSource
	Rand     *rand.Rand // Not safe for concurrent use; nil uses the process-wide source
	Clock    Clock
	Logger   *slog.Logger
	Settings Settings
}

func (d Deps) normalized() Deps {
	d.Settings = d.Settings.withDefaults()
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

func (d Deps) intN(n int) int {
	if d.Rand == nil {
		return rand.IntN(n)
	}
	return d.Rand.IntN(n)
}

func (d Deps) unit() float64 {
	if d.Rand == nil {
		return rand.Float64()
	}
	return d.Rand.Float64()
}

func (d Deps) perm(n int) []int {
	if d.Rand == nil {
		return rand.Perm(n)
	}
	return d.Rand.Perm(n)
}
