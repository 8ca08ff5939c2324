package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/herald/internal/logging"
	"github.com/dyluth/herald/pkg/connection"
	"github.com/dyluth/herald/pkg/publish"
	"github.com/dyluth/herald/pkg/reconcile"
	"github.com/dyluth/herald/pkg/signer"
)

// DefaultPath is where the CLI looks for configuration.
const DefaultPath = "herald.yml"

// Cache backends
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// HeraldConfig represents the top-level herald.yml configuration
type HeraldConfig struct {
	Version    string           `yaml:"version"`
	Relays     []string         `yaml:"relays"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Signer     SignerConfig     `yaml:"signer"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Cache      CacheConfig      `yaml:"cache"`
	Log        logging.Config   `yaml:"log"`
}

// ConnectionConfig specifies connect timeout and retry behaviour
type ConnectionConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	Retry          RetryConfig   `yaml:"retry"`
}

// RetryConfig specifies the backoff of a connect sequence
type RetryConfig struct {
	MaxAttempts *int          `yaml:"max_attempts,omitempty"` // Retries after the first attempt (0 = no retry, default = 3)
	BaseDelay   time.Duration `yaml:"base_delay,omitempty"`
	Multiplier  float64       `yaml:"multiplier,omitempty"`
}

// PublishConfig specifies publish behaviour
type PublishConfig struct {
	Timeout time.Duration `yaml:"timeout,omitempty"` // Applied when the caller sets no deadline
}

// SignerConfig specifies where the signing key comes from
type SignerConfig struct {
	KeyFile     string        `yaml:"key_file,omitempty"`
	KeyEnv      string        `yaml:"key_env,omitempty"`
	GracePeriod time.Duration `yaml:"grace_period,omitempty"`
}

// ReconcileConfig specifies read cache reconciliation
type ReconcileConfig struct {
	Delay time.Duration `yaml:"delay,omitempty"`
}

// CacheConfig specifies the read cache backend
type CacheConfig struct {
	Backend   string        `yaml:"backend,omitempty"` // "memory" (default) or "redis"
	RedisURL  string        `yaml:"redis_url,omitempty"`
	Namespace string        `yaml:"namespace,omitempty"`
	TTL       time.Duration `yaml:"ttl,omitempty"`
}

// Default returns a configuration with every default applied and no relays.
func Default() *HeraldConfig {
	cfg := &HeraldConfig{Version: "1.0"}
	cfg.applyDefaults()
	return cfg
}

// Validate performs strict validation on the configuration and applies
// defaults for omitted settings.
func (c *HeraldConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	// Required: at least one relay
	if len(c.Relays) == 0 {
		return fmt.Errorf("no relays defined")
	}
	for i, relay := range c.Relays {
		if !strings.HasPrefix(relay, "ws://") && !strings.HasPrefix(relay, "wss://") {
			return fmt.Errorf("relay %d: invalid URL %q (must start with ws:// or wss://)", i, relay)
		}
	}

	c.applyDefaults()

	if c.Connection.ConnectTimeout < 0 {
		return fmt.Errorf("connection.connect_timeout must be positive, got %s", c.Connection.ConnectTimeout)
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("connection.retry: %w", err)
	}
	if c.Publish.Timeout < 0 {
		return fmt.Errorf("publish.timeout must be >= 0, got %s", c.Publish.Timeout)
	}
	if c.Signer.GracePeriod < 0 {
		return fmt.Errorf("signer.grace_period must be >= 0, got %s", c.Signer.GracePeriod)
	}
	if c.Reconcile.Delay < 0 {
		return fmt.Errorf("reconcile.delay must be >= 0, got %s", c.Reconcile.Delay)
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required when cache.backend is 'redis'")
		}
	default:
		return fmt.Errorf("invalid cache.backend: %s (must be 'memory' or 'redis')", c.Cache.Backend)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must be >= 0, got %s", c.Cache.TTL)
	}

	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	return nil
}

func (c *HeraldConfig) applyDefaults() {
	if c.Connection.ConnectTimeout == 0 {
		c.Connection.ConnectTimeout = connection.DefaultConnectTimeout
	}
	if c.Connection.Retry.MaxAttempts == nil {
		defaultAttempts := connection.DefaultMaxAttempts
		c.Connection.Retry.MaxAttempts = &defaultAttempts
	}
	if c.Connection.Retry.BaseDelay == 0 {
		c.Connection.Retry.BaseDelay = connection.DefaultBaseDelay
	}
	if c.Connection.Retry.Multiplier == 0 {
		c.Connection.Retry.Multiplier = connection.DefaultMultiplier
	}
	if c.Publish.Timeout == 0 {
		c.Publish.Timeout = publish.DefaultTimeout
	}
	if c.Signer.KeyEnv == "" {
		c.Signer.KeyEnv = "HERALD_SECRET_KEY"
	}
	if c.Signer.GracePeriod == 0 {
		c.Signer.GracePeriod = signer.DefaultGracePeriod
	}
	if c.Reconcile.Delay == 0 {
		c.Reconcile.Delay = reconcile.DefaultDelay
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheMemory
	}
	if c.Cache.Namespace == "" {
		c.Cache.Namespace = "default"
	}
	if c.Log.Level == "" && c.Log.Format == "" && c.Log.Output == "" {
		c.Log = logging.DefaultConfig()
	}
}

// RetryPolicy returns the connect retry policy.
func (c *HeraldConfig) RetryPolicy() connection.RetryPolicy {
	p := connection.RetryPolicy{
		BaseDelay:  c.Connection.Retry.BaseDelay,
		Multiplier: c.Connection.Retry.Multiplier,
	}
	if c.Connection.Retry.MaxAttempts != nil {
		p.MaxAttempts = *c.Connection.Retry.MaxAttempts
	}
	return p
}

// Parse decodes and validates configuration from YAML.
func Parse(data []byte) (*HeraldConfig, error) {
	var config HeraldConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Load reads and validates herald.yml from the specified path
func Load(path string) (*HeraldConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}
