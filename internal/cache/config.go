package cache

import "time"

// Config holds cache TTL and sizing configuration
type Config struct {
	RelayStatusTTL   time.Duration `yaml:"relayStatusTTL"`
	EventTTL         time.Duration `yaml:"eventTTL"`
	MaxEvents        int           `yaml:"maxEvents"`
	MaxRelayStatuses int           `yaml:"maxRelayStatuses"`
	// Prefix namespaces keys in shared backends such as Redis
	Prefix string `yaml:"prefix"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RelayStatusTTL:   48 * time.Hour, // covers the longest delayed-connect a relay announces
		EventTTL:         1 * time.Hour,
		MaxEvents:        10000,
		MaxRelayStatuses: 1000,
		Prefix:           "relaypool:",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RelayStatusTTL <= 0 {
		c.RelayStatusTTL = d.RelayStatusTTL
	}
	if c.EventTTL <= 0 {
		c.EventTTL = d.EventTTL
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = d.MaxEvents
	}
	if c.MaxRelayStatuses <= 0 {
		c.MaxRelayStatuses = d.MaxRelayStatuses
	}
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	return c
}
