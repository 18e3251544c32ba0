// Package config defines the browserd server configuration: pool sizing,
// task admission limits, handle recycling policy and the navigation URL
// policy. Values come from built-in defaults, an optional YAML file, and
// BROWSERD_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for a single-host deployment.
const (
	DefaultListenAddr       = ":8000"
	DefaultPoolCapacity     = 4
	DefaultQueueDepth       = 16
	DefaultTaskTimeout      = 30 * time.Second
	DefaultIdleTTL          = 5 * time.Minute
	DefaultRecycleAfterUses = 50
	DefaultWarmupCount      = 2
	DefaultSweepInterval    = 30 * time.Second
	DefaultShutdownGrace    = 30 * time.Second
	DefaultViewportWidth    = 1280
	DefaultViewportHeight   = 720
)

// Config holds the full server configuration.
type Config struct {
	// ListenAddr is the TCP address the HTTP gateway binds to.
	ListenAddr string `yaml:"listen_addr"`

	// PoolCapacity is the maximum number of concurrent browser handles.
	PoolCapacity int `yaml:"pool_capacity"`

	// QueueDepth is the maximum number of admitted tasks waiting for a
	// handle. Submissions beyond executing+queued capacity are rejected.
	QueueDepth int `yaml:"queue_depth"`

	// TaskTimeout is the hard per-task deadline.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// IdleTTL is how long a handle may sit idle before the supervisor
	// retires it.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// RecycleAfterUses retires a handle after this many leases,
	// independent of observed failures.
	RecycleAfterUses int `yaml:"recycle_after_uses"`

	// WarmupCount is the minimum number of pre-spawned idle handles.
	WarmupCount int `yaml:"warmup_count"`

	// SweepInterval is how often the supervisor checks handle health.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// ShutdownGrace bounds how long shutdown waits for in-flight tasks.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// Headless controls whether browsers run without a visible window.
	Headless bool `yaml:"headless"`

	// ViewportWidth and ViewportHeight set the browser viewport.
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`

	// AllowedURLs and DeniedURLs are glob patterns checked against every
	// navigation target. Denied patterns take precedence; an empty allow
	// list permits everything not denied.
	AllowedURLs []string `yaml:"allowed_urls"`
	DeniedURLs  []string `yaml:"denied_urls"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		ListenAddr:       DefaultListenAddr,
		PoolCapacity:     DefaultPoolCapacity,
		QueueDepth:       DefaultQueueDepth,
		TaskTimeout:      DefaultTaskTimeout,
		IdleTTL:          DefaultIdleTTL,
		RecycleAfterUses: DefaultRecycleAfterUses,
		WarmupCount:      DefaultWarmupCount,
		SweepInterval:    DefaultSweepInterval,
		ShutdownGrace:    DefaultShutdownGrace,
		Headless:         true,
		ViewportWidth:    DefaultViewportWidth,
		ViewportHeight:   DefaultViewportHeight,
	}
}

// Load reads configuration from a YAML file on top of the defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides configuration values from BROWSERD_* environment
// variables. Unset variables leave the current value in place.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("BROWSERD_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if err := envInt("BROWSERD_POOL_CAPACITY", &c.PoolCapacity); err != nil {
		return err
	}
	if err := envInt("BROWSERD_QUEUE_DEPTH", &c.QueueDepth); err != nil {
		return err
	}
	if err := envDuration("BROWSERD_TASK_TIMEOUT", &c.TaskTimeout); err != nil {
		return err
	}
	if err := envDuration("BROWSERD_IDLE_TTL", &c.IdleTTL); err != nil {
		return err
	}
	if err := envInt("BROWSERD_RECYCLE_AFTER_USES", &c.RecycleAfterUses); err != nil {
		return err
	}
	if err := envInt("BROWSERD_WARMUP_COUNT", &c.WarmupCount); err != nil {
		return err
	}
	if err := envDuration("BROWSERD_SWEEP_INTERVAL", &c.SweepInterval); err != nil {
		return err
	}
	if err := envDuration("BROWSERD_SHUTDOWN_GRACE", &c.ShutdownGrace); err != nil {
		return err
	}
	if v := os.Getenv("BROWSERD_HEADLESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid BROWSERD_HEADLESS value %q: %w", v, err)
		}
		c.Headless = b
	}
	return nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.PoolCapacity < 1 {
		return fmt.Errorf("pool_capacity must be at least 1, got %d", c.PoolCapacity)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("queue_depth must not be negative, got %d", c.QueueDepth)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task_timeout must be positive, got %v", c.TaskTimeout)
	}
	if c.IdleTTL <= 0 {
		return fmt.Errorf("idle_ttl must be positive, got %v", c.IdleTTL)
	}
	if c.RecycleAfterUses < 1 {
		return fmt.Errorf("recycle_after_uses must be at least 1, got %d", c.RecycleAfterUses)
	}
	if c.WarmupCount < 0 {
		return fmt.Errorf("warmup_count must not be negative, got %d", c.WarmupCount)
	}
	if c.WarmupCount > c.PoolCapacity {
		return fmt.Errorf("warmup_count (%d) must not exceed pool_capacity (%d)", c.WarmupCount, c.PoolCapacity)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %v", c.SweepInterval)
	}
	if c.ViewportWidth < 1 || c.ViewportHeight < 1 {
		return fmt.Errorf("viewport dimensions must be positive, got %dx%d", c.ViewportWidth, c.ViewportHeight)
	}
	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", name, v, err)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", name, v, err)
	}
	*dst = d
	return nil
}
