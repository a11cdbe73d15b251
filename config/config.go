// Package config loads the daemon configuration: YAML with ${VAR} environment
// expansion and Go duration-string parsing. Every resilience and scheduler
// tunable lives here rather than as a hard-coded constant.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete toolmeshd configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Engine    EngineConfig    `yaml:"engine"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Limiter   LimiterConfig   `yaml:"limiter"`
	Retry     RetryConfig     `yaml:"retry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Admin     AdminConfig     `yaml:"admin"`
	Playbook  PlaybookConfig  `yaml:"playbook"`
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig holds execution engine tunables.
type EngineConfig struct {
	DefaultTimeout time.Duration `yaml:"-"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	HistorySize    int           `yaml:"history_size"`

	DefaultTimeoutRaw string `yaml:"default_timeout"`
}

// BreakerConfig holds circuit breaker tunables.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	BaseCooldown     time.Duration `yaml:"-"`
	MaxCooldown      time.Duration `yaml:"-"`

	BaseCooldownRaw string `yaml:"base_cooldown"`
	MaxCooldownRaw  string `yaml:"max_cooldown"`
}

// LimiterConfig holds token bucket tunables.
type LimiterConfig struct {
	Capacity   float64 `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

// RetryConfig holds retry policy tunables.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Jitter      float64       `yaml:"jitter"`
	BaseDelay   time.Duration `yaml:"-"`
	MaxDelay    time.Duration `yaml:"-"`

	BaseDelayRaw string `yaml:"base_delay"`
	MaxDelayRaw  string `yaml:"max_delay"`
}

// SchedulerConfig holds tick loop tunables.
type SchedulerConfig struct {
	TickInterval    time.Duration `yaml:"-"`
	GraceWindow     time.Duration `yaml:"-"`
	DispatchTimeout time.Duration `yaml:"-"`

	TickIntervalRaw    string `yaml:"tick_interval"`
	GraceWindowRaw     string `yaml:"grace_window"`
	DispatchTimeoutRaw string `yaml:"dispatch_timeout"`
}

// AdminConfig holds the introspection HTTP API settings.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// PlaybookConfig locates the declarative chain/trigger definitions file.
type PlaybookConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{Path: "toolmesh.db"},
		Engine: EngineConfig{
			DefaultTimeout: 30 * time.Second,
			MaxConcurrent:  16,
			HistorySize:    256,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			BaseCooldown:     30 * time.Second,
			MaxCooldown:      10 * time.Minute,
		},
		Limiter: LimiterConfig{Capacity: 10, RefillRate: 5},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Jitter:      0.25,
		},
		Scheduler: SchedulerConfig{
			TickInterval:    time.Second,
			GraceWindow:     time.Minute,
			DispatchTimeout: 5 * time.Minute,
		},
		Admin: AdminConfig{Enabled: true, Listen: ":8787"},
	}
	return cfg
}

// Load reads a configuration file, expands ${VAR} environment references,
// parses duration strings and validates the result. Fields absent from the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable
// values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks ranges after parsing.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.MaxCooldown < c.Breaker.BaseCooldown {
		return fmt.Errorf("breaker.max_cooldown must be >= breaker.base_cooldown")
	}
	if c.Limiter.Capacity <= 0 || c.Limiter.RefillRate <= 0 {
		return fmt.Errorf("limiter.capacity and limiter.refill_rate must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be at least 1")
	}
	if c.Admin.Enabled && c.Admin.Listen == "" {
		return fmt.Errorf("admin.listen is required when admin is enabled")
	}
	return nil
}

// parseDurations converts raw duration strings into time.Duration values,
// leaving defaults in place for empty fields.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Engine.DefaultTimeoutRaw, &cfg.Engine.DefaultTimeout, "engine.default_timeout"},
		{cfg.Breaker.BaseCooldownRaw, &cfg.Breaker.BaseCooldown, "breaker.base_cooldown"},
		{cfg.Breaker.MaxCooldownRaw, &cfg.Breaker.MaxCooldown, "breaker.max_cooldown"},
		{cfg.Retry.BaseDelayRaw, &cfg.Retry.BaseDelay, "retry.base_delay"},
		{cfg.Retry.MaxDelayRaw, &cfg.Retry.MaxDelay, "retry.max_delay"},
		{cfg.Scheduler.TickIntervalRaw, &cfg.Scheduler.TickInterval, "scheduler.tick_interval"},
		{cfg.Scheduler.GraceWindowRaw, &cfg.Scheduler.GraceWindow, "scheduler.grace_window"},
		{cfg.Scheduler.DispatchTimeoutRaw, &cfg.Scheduler.DispatchTimeout, "scheduler.dispatch_timeout"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
