package pool

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"nostr-relaypool/internal/cache"
	"nostr-relaypool/internal/metrics"
	"nostr-relaypool/internal/relay"
)

// Capabilities are the collaborators a pool needs from its owner.
// Every field is optional.
type Capabilities struct {
	// NewRelay builds a relay for a normalized URL. Required by GetRelay
	// when the relay is not yet in the pool.
	NewRelay func(url string) (relay.Relay, error)
	// Cache seeds and records delayed-connect hints.
	Cache cache.Adapter
	// ConnectionFilter refuses relays it returns false for.
	ConnectionFilter func(url string) bool
	// IsExplicitRelay reports URLs the owner configured explicitly.
	// Temporary relays matching it are kept when their TTL expires.
	IsExplicitRelay func(url string) bool
}

// Options tunes pool behaviour. The flap and system-disconnection
// thresholds are heuristics; keep the defaults unless calibrating.
type Options struct {
	TemporaryRelayTTL time.Duration

	// FlapBackoffBase is the reconnect delay after a relay's first flap.
	// Each further flap doubles it.
	FlapBackoffBase time.Duration
	// FlapStormRatio is the share of flapping relays at which the fault
	// is assumed to be ours and all flap backoff is reset.
	FlapStormRatio float64
	// FlapStablePeriod is how long a flapping relay must stay connected
	// before it stops counting as flapping and its backoff is cleared.
	FlapStablePeriod time.Duration

	// DisconnectWindow is how recent disconnects must be to count
	// towards a system-wide disconnection.
	DisconnectWindow time.Duration
	// DisconnectPurgeWindow drops older entries from the disconnect log.
	DisconnectPurgeWindow time.Duration
	// SystemDisconnectRatio of the pool disconnecting within
	// DisconnectWindow triggers recovery (pools of two or more relays).
	SystemDisconnectRatio float64
	// RecoveryDebounce blocks a second recovery for this long.
	RecoveryDebounce time.Duration

	// CacheTimeout bounds cache lookups and updates.
	CacheTimeout time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		TemporaryRelayTTL:     30 * time.Second,
		FlapBackoffBase:       5 * time.Second,
		FlapStormRatio:        0.8,
		FlapStablePeriod:      time.Minute,
		DisconnectWindow:      5 * time.Second,
		DisconnectPurgeWindow: 10 * time.Second,
		SystemDisconnectRatio: 0.5,
		RecoveryDebounce:      10 * time.Second,
		CacheTimeout:          2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TemporaryRelayTTL <= 0 {
		o.TemporaryRelayTTL = d.TemporaryRelayTTL
	}
	if o.FlapBackoffBase <= 0 {
		o.FlapBackoffBase = d.FlapBackoffBase
	}
	if o.FlapStormRatio <= 0 {
		o.FlapStormRatio = d.FlapStormRatio
	}
	if o.FlapStablePeriod <= 0 {
		o.FlapStablePeriod = d.FlapStablePeriod
	}
	if o.DisconnectWindow <= 0 {
		o.DisconnectWindow = d.DisconnectWindow
	}
	if o.DisconnectPurgeWindow <= 0 {
		o.DisconnectPurgeWindow = d.DisconnectPurgeWindow
	}
	if o.SystemDisconnectRatio <= 0 {
		o.SystemDisconnectRatio = d.SystemDisconnectRatio
	}
	if o.RecoveryDebounce <= 0 {
		o.RecoveryDebounce = d.RecoveryDebounce
	}
	if o.CacheTimeout <= 0 {
		o.CacheTimeout = d.CacheTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
