package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. HONE_REDIS_ADDR for
// redis.addr.
const EnvPrefix = "HONE"

// NewViper returns a viper instance reading HONE_* environment variables.
// Flags are attached with BindFlag.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlag binds a command-line flag to a config key.
func BindFlag(v *viper.Viper, key string, fs *pflag.FlagSet, flagName string) {
	if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, key, err))
	}
}

// BindEnv binds a config key to one or more environment variables, first set
// wins.
func BindEnv(v *viper.Viper, key string, envVars ...string) {
	if key == "" {
		panic("bindEnv: empty config key")
	}
	if err := v.BindEnv(append([]string{key}, envVars...)...); err != nil {
		panic(fmt.Sprintf("bindEnv %q → %v: %v", key, envVars, err))
	}
}

// LoadLayered reads hone.yml (optional when path is empty), overlays any key
// set through v and validates the result. Precedence is flag, then
// environment, then file, then defaults.
func LoadLayered(path string, v *viper.Viper) (*HoneConfig, error) {
	var config HoneConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if v != nil {
		config.Overlay(v)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// Overlay copies every key that v reports as set onto c. Only keys an
// operator would plausibly override per process are covered.
func (c *HoneConfig) Overlay(v *viper.Viper) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	integer := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	boolean := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	str("redis.addr", &c.Redis.Addr)
	str("redis.password", &c.Redis.Password)
	integer("redis.db", &c.Redis.DB)
	str("redis.key_prefix", &c.Redis.KeyPrefix)

	str("store.driver", &c.Store.Driver)
	str("store.path", &c.Store.Path)

	str("queue.provider", &c.Queue.Provider)
	boolean("queue.disabled", &c.Queue.Disabled)
	integer("queue.consumers_per_queue", &c.Queue.ConsumersPerQueue)
	if v.IsSet("queue.wait_time") {
		c.Queue.WaitTime = v.GetDuration("queue.wait_time")
	}
	if v.IsSet("queue.visibility_timeout") {
		c.Queue.VisibilityTimeout = v.GetDuration("queue.visibility_timeout")
	}
	if v.IsSet("queue.handler_timeout") {
		c.Queue.HandlerTimeout = v.GetDuration("queue.handler_timeout")
	}
	if v.IsSet("queue.kafka.brokers") {
		c.Queue.Kafka.Brokers = splitList(v.GetString("queue.kafka.brokers"))
	}

	str("compute.url", &c.Compute.URL)
	if v.IsSet("compute.requests_per_second") {
		c.Compute.RequestsPerSecond = v.GetFloat64("compute.requests_per_second")
	}

	boolean("importances.enabled", &c.Importances.Enabled)

	str("email.host", &c.Email.Host)
	integer("email.port", &c.Email.Port)
	str("email.from", &c.Email.From)
	str("email.username", &c.Email.Username)
	str("email.password", &c.Email.Password)

	str("health.addr", &c.Health.Addr)
	str("tracing.endpoint", &c.Tracing.Endpoint)
	str("sweeper.schedule", &c.Sweeper.Schedule)
	boolean("sweeper.disabled", &c.Sweeper.Disabled)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
