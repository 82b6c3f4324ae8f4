// Package config loads relay pool settings from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nostr-relaypool/internal/cache"
)

// DefaultPath is used when neither an explicit path nor RELAYPOOL_CONFIG is set.
const DefaultPath = "config/relaypool.yaml"

// Cache backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the full client configuration.
type Config struct {
	LogLevel    string       `yaml:"logLevel"`
	MetricsAddr string       `yaml:"metricsAddr"`
	Relays      RelaysConfig `yaml:"relays"`
	Pool        PoolConfig   `yaml:"pool"`
	Fetch       FetchConfig  `yaml:"fetch"`
	Cache       CacheConfig  `yaml:"cache"`
	Outbox      OutboxConfig `yaml:"outbox"`
}

// RelaysConfig lists the relays the pool starts with.
type RelaysConfig struct {
	// Explicit relays are never evicted as temporary relays.
	Explicit         []string `yaml:"explicit"`
	VerifySignatures bool     `yaml:"verifySignatures"`
	// BlockPrivate refuses relays on private or internal hosts.
	BlockPrivate bool `yaml:"blockPrivate"`
}

type PoolConfig struct {
	TemporaryRelayTTL     time.Duration `yaml:"temporaryRelayTTL"`
	ConnectTimeout        time.Duration `yaml:"connectTimeout"`
	FlapBackoffBase       time.Duration `yaml:"flapBackoffBase"`
	FlapStormRatio        float64       `yaml:"flapStormRatio"`
	FlapStablePeriod      time.Duration `yaml:"flapStablePeriod"`
	DisconnectWindow      time.Duration `yaml:"disconnectWindow"`
	DisconnectPurgeWindow time.Duration `yaml:"disconnectPurgeWindow"`
	SystemDisconnectRatio float64       `yaml:"systemDisconnectRatio"`
	RecoveryDebounce      time.Duration `yaml:"recoveryDebounce"`
}

type FetchConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	// Backend is "memory", "redis" or empty for no cache.
	Backend  string `yaml:"backend"`
	RedisURL string `yaml:"redisURL"`

	cache.Config `yaml:",inline"`
}

type OutboxConfig struct {
	Enabled  bool          `yaml:"enabled"`
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Relays: RelaysConfig{
			Explicit: []string{
				"wss://relay.damus.io",
				"wss://nos.lol",
				"wss://relay.primal.net",
			},
			VerifySignatures: true,
			BlockPrivate:     true,
		},
		Pool: PoolConfig{
			TemporaryRelayTTL:     30 * time.Second,
			ConnectTimeout:        5 * time.Second,
			FlapBackoffBase:       5 * time.Second,
			FlapStormRatio:        0.8,
			FlapStablePeriod:      time.Minute,
			DisconnectWindow:      5 * time.Second,
			DisconnectPurgeWindow: 10 * time.Second,
			SystemDisconnectRatio: 0.5,
			RecoveryDebounce:      10 * time.Second,
		},
		Fetch: FetchConfig{Timeout: 10 * time.Second},
		Cache: CacheConfig{
			Backend: BackendMemory,
			Config:  cache.DefaultConfig(),
		},
		Outbox: OutboxConfig{
			Enabled:  true,
			TTL:      30 * time.Minute,
			Capacity: 5000,
		},
	}
}

// Load reads the config at path, falling back to RELAYPOOL_CONFIG and then
// DefaultPath. A missing file yields the defaults. Values absent from the
// file keep their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RELAYPOOL_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("config file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		slog.Info("loaded configuration",
			"path", path,
			"relays", len(cfg.Relays.Explicit),
			"cache", cfg.Cache.Backend)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Cache.Backend = BackendRedis
		c.Cache.RedisURL = redisURL
	}
}

// Validate rejects settings the pool cannot run with.
func (c *Config) Validate() error {
	var problems []string

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("unknown log level %q", c.LogLevel))
	}

	p := c.Pool
	for name, d := range map[string]time.Duration{
		"pool.temporaryRelayTTL":     p.TemporaryRelayTTL,
		"pool.connectTimeout":        p.ConnectTimeout,
		"pool.flapBackoffBase":       p.FlapBackoffBase,
		"pool.flapStablePeriod":      p.FlapStablePeriod,
		"pool.disconnectWindow":      p.DisconnectWindow,
		"pool.disconnectPurgeWindow": p.DisconnectPurgeWindow,
		"pool.recoveryDebounce":      p.RecoveryDebounce,
		"fetch.timeout":              c.Fetch.Timeout,
	} {
		if d < 0 {
			problems = append(problems, name+" must not be negative")
		}
	}
	if p.FlapStormRatio < 0 || p.FlapStormRatio > 1 {
		problems = append(problems, "pool.flapStormRatio must be within [0, 1]")
	}
	if p.SystemDisconnectRatio < 0 || p.SystemDisconnectRatio > 1 {
		problems = append(problems, "pool.systemDisconnectRatio must be within [0, 1]")
	}
	if p.DisconnectPurgeWindow > 0 && p.DisconnectWindow > p.DisconnectPurgeWindow {
		problems = append(problems, "pool.disconnectWindow must not exceed pool.disconnectPurgeWindow")
	}

	switch c.Cache.Backend {
	case "", BackendMemory:
	case BackendRedis:
		if c.Cache.RedisURL == "" {
			problems = append(problems, "cache.redisURL is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown cache backend %q", c.Cache.Backend))
	}

	if len(problems) > 0 {
		// map iteration order is random
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
