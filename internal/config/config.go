package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultVersion        = "1.0"
	DefaultRedisAddr      = "localhost:6379"
	DefaultKeyPrefix      = "hone"
	DefaultHealthAddr     = ":8080"
	DefaultSweepSchedule  = "@every 1m"
	DefaultStaleThreshold = 15 * time.Minute

	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultHandlerTimeout    = 4 * time.Minute
	// HandlerTimeoutMargin is the minimum gap between a handler timing out
	// and its message becoming visible to another consumer.
	HandlerTimeoutMargin = 30 * time.Second
)

// Store drivers.
const (
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Queue providers.
const (
	ProviderRedis = "redis"
	ProviderKafka = "kafka"
	// ProviderLocal handles messages in the enqueuing process.
	ProviderLocal = "local"
)

// HoneConfig represents the top-level hone.yml configuration
type HoneConfig struct {
	Version      string             `yaml:"version"`
	Redis        RedisConfig        `yaml:"redis"`
	Store        StoreConfig        `yaml:"store"`
	Queue        QueueConfig        `yaml:"queue"`
	Optimization OptimizationConfig `yaml:"optimization"`
	Importances  ImportancesConfig  `yaml:"importances"`
	Compute      ComputeConfig      `yaml:"compute"`
	Email        EmailConfig        `yaml:"email"`
	Health       HealthConfig       `yaml:"health"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Sweeper      SweeperConfig      `yaml:"sweeper"`
}

// RedisConfig locates the Redis server shared by the store, queues and tracker.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// StoreConfig selects the experiment repository.
type StoreConfig struct {
	Driver string `yaml:"driver"`         // "redis" (default) or "sqlite"
	Path   string `yaml:"path,omitempty"` // sqlite database file
}

// QueueConfig configures the queue providers and workers.
type QueueConfig struct {
	Provider          string        `yaml:"provider"`
	Disabled          bool          `yaml:"disabled,omitempty"`
	WaitTime          time.Duration `yaml:"wait_time,omitempty"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout,omitempty"`
	HandlerTimeout    time.Duration `yaml:"handler_timeout,omitempty"`
	ConsumersPerQueue int           `yaml:"consumers_per_queue,omitempty"`
	// Names overrides the queue of a message type, keyed by message type
	// (e.g. NEXT_POINTS: np-queue).
	Names map[string]string `yaml:"names,omitempty"`
	Kafka KafkaConfig       `yaml:"kafka,omitempty"`
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers,omitempty"`
	ConsumerGroup string   `yaml:"consumer_group,omitempty"`
}

// OptimizationConfig holds the sampler and broker policy. Zero values take
// the optimizer's own defaults.
type OptimizationConfig struct {
	PaddingSuggestions      int           `yaml:"padding_suggestions,omitempty"`
	MinSuccessesToComputeEI int           `yaml:"min_successes_to_compute_ei,omitempty"`
	HighDimensionThreshold  int           `yaml:"high_dimension_threshold,omitempty"`
	ComputeTimeout          time.Duration `yaml:"compute_timeout,omitempty"`
	QueuedFetchTimeout      time.Duration `yaml:"queued_fetch_timeout,omitempty"`
	QueuedSuggestions       int           `yaml:"queued_suggestions,omitempty"`
	ForbidRandomFallback    bool          `yaml:"forbid_random_fallback,omitempty"`
	RaiseSoftExceptions     bool          `yaml:"raise_soft_exceptions,omitempty"`

	// MaxCategoricalCombinations caps exhaustive categorical enumeration.
	MaxCategoricalCombinations int `yaml:"max_categorical_combinations,omitempty"`
}

type ImportancesConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MinObservations int           `yaml:"min_observations,omitempty"`
	UpdateInterval  time.Duration `yaml:"update_interval,omitempty"`
	GrowthFactor    float64       `yaml:"growth_factor,omitempty"`
}

// ComputeConfig points at the numerical compute service. An empty URL uses
// the built-in random adapter.
type ComputeConfig struct {
	URL               string        `yaml:"url,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty"`
	RequestsPerSecond float64       `yaml:"requests_per_second,omitempty"`
	Seed              uint64        `yaml:"seed,omitempty"`
}

type EmailConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	From     string `yaml:"from,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type HealthConfig struct {
	Addr string `yaml:"addr"`
}

type TracingConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"` // OTLP HTTP endpoint; empty disables export
}

// SweeperConfig schedules the in-flight sweep.
type SweeperConfig struct {
	Disabled       bool          `yaml:"disabled,omitempty"`
	Schedule       string        `yaml:"schedule,omitempty"`
	StaleThreshold time.Duration `yaml:"stale_threshold,omitempty"`
}

// Validate applies defaults and performs strict validation on the configuration
func (c *HoneConfig) Validate() error {
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Version != DefaultVersion {
		return fmt.Errorf("unsupported version: %s (expected: %s)", c.Version, DefaultVersion)
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultKeyPrefix
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0, got %d", c.Redis.DB)
	}

	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Queue.validate(); err != nil {
		return err
	}
	if err := c.Optimization.validate(); err != nil {
		return err
	}

	if c.Importances.MinObservations < 0 {
		return fmt.Errorf("importances.min_observations must be >= 0, got %d", c.Importances.MinObservations)
	}
	if c.Importances.UpdateInterval < 0 {
		return fmt.Errorf("importances.update_interval must be >= 0, got %s", c.Importances.UpdateInterval)
	}
	if c.Importances.GrowthFactor != 0 && c.Importances.GrowthFactor <= 1 {
		return fmt.Errorf("importances.growth_factor must be > 1, got %g", c.Importances.GrowthFactor)
	}

	if c.Compute.Timeout < 0 {
		return fmt.Errorf("compute.timeout must be >= 0, got %s", c.Compute.Timeout)
	}

	if c.Email.Host != "" && c.Email.Port == 0 {
		c.Email.Port = 25
	}
	if c.Email.Port < 0 || c.Email.Port > 65535 {
		return fmt.Errorf("email.port out of range: %d", c.Email.Port)
	}

	if c.Health.Addr == "" {
		c.Health.Addr = DefaultHealthAddr
	}

	if c.Sweeper.Schedule == "" {
		c.Sweeper.Schedule = DefaultSweepSchedule
	}
	if c.Sweeper.StaleThreshold == 0 {
		c.Sweeper.StaleThreshold = DefaultStaleThreshold
	}
	if c.Sweeper.StaleThreshold < 0 {
		return fmt.Errorf("sweeper.stale_threshold must be > 0, got %s", c.Sweeper.StaleThreshold)
	}

	return nil
}

func (s *StoreConfig) validate() error {
	if s.Driver == "" {
		s.Driver = StoreRedis
	}
	switch s.Driver {
	case StoreRedis:
	case StoreSQLite:
		if s.Path == "" {
			return fmt.Errorf("store.path is required for driver 'sqlite'")
		}
	default:
		return fmt.Errorf("invalid store.driver: %s (must be 'redis' or 'sqlite')", s.Driver)
	}
	return nil
}

func (q *QueueConfig) validate() error {
	if q.Provider == "" {
		q.Provider = ProviderRedis
	}
	switch q.Provider {
	case ProviderRedis, ProviderLocal:
	case ProviderKafka:
		if len(q.Kafka.Brokers) == 0 {
			return fmt.Errorf("queue.kafka.brokers is required for provider 'kafka'")
		}
	default:
		return fmt.Errorf("invalid queue.provider: %s (must be 'redis', 'kafka' or 'local')", q.Provider)
	}

	if q.WaitTime < 0 || q.VisibilityTimeout < 0 || q.HandlerTimeout < 0 {
		return fmt.Errorf("queue durations must be >= 0")
	}
	if q.ConsumersPerQueue < 0 {
		return fmt.Errorf("queue.consumers_per_queue must be >= 0, got %d", q.ConsumersPerQueue)
	}

	if q.VisibilityTimeout == 0 {
		q.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if q.HandlerTimeout == 0 {
		q.HandlerTimeout = min(DefaultHandlerTimeout, q.VisibilityTimeout-HandlerTimeoutMargin)
	}
	// Only the redis provider redelivers on visibility expiry.
	if q.Provider == ProviderRedis && (q.HandlerTimeout <= 0 || q.HandlerTimeout+HandlerTimeoutMargin > q.VisibilityTimeout) {
		return fmt.Errorf("queue.handler_timeout (%s) must be at least %s shorter than queue.visibility_timeout (%s)",
			q.HandlerTimeout, HandlerTimeoutMargin, q.VisibilityTimeout)
	}

	for messageType, name := range q.Names {
		if !knownMessageTypes[messageType] {
			return fmt.Errorf("queue.names: unknown message type '%s'", messageType)
		}
		if name == "" {
			return fmt.Errorf("queue.names: empty queue name for '%s'", messageType)
		}
	}
	return nil
}

func (o *OptimizationConfig) validate() error {
	if o.PaddingSuggestions < 0 {
		return fmt.Errorf("optimization.padding_suggestions must be >= 0, got %d", o.PaddingSuggestions)
	}
	if o.MinSuccessesToComputeEI < 0 {
		return fmt.Errorf("optimization.min_successes_to_compute_ei must be >= 0, got %d", o.MinSuccessesToComputeEI)
	}
	if o.HighDimensionThreshold < 0 {
		return fmt.Errorf("optimization.high_dimension_threshold must be >= 0, got %d", o.HighDimensionThreshold)
	}
	if o.ComputeTimeout < 0 || o.QueuedFetchTimeout < 0 {
		return fmt.Errorf("optimization timeouts must be >= 0")
	}
	if o.QueuedSuggestions < 0 {
		return fmt.Errorf("optimization.queued_suggestions must be >= 0, got %d", o.QueuedSuggestions)
	}
	if o.MaxCategoricalCombinations < 0 {
		return fmt.Errorf("optimization.max_categorical_combinations must be >= 0, got %d", o.MaxCategoricalCombinations)
	}
	return nil
}

// Kept in sync with queue.MessageTypes; config stays free of internal imports.
var knownMessageTypes = map[string]bool{
	"EMAIL":       true,
	"IMPORTANCES": true,
	"NEXT_POINTS": true,
	"OPTIMIZE":    true,
}

// Parse decodes and validates hone.yml content
func Parse(data []byte) (*HoneConfig, error) {
	var config HoneConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Load reads and validates hone.yml from the specified path
func Load(path string) (*HoneConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}
