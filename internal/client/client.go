// Package client is the entry point of the library: it owns a relay pool,
// an optional cache and the live subscriptions, and fetches events.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"nostr-relaypool/internal/cache"
	"nostr-relaypool/internal/config"
	"nostr-relaypool/internal/metrics"
	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/outbox"
	"nostr-relaypool/internal/pool"
	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/subscription"
	"nostr-relaypool/internal/types"
)

var (
	ErrEmptyFilter    = errors.New("at least one filter is required")
	ErrNoCacheAdapter = errors.New("no cache adapter with an event store configured")
)

const defaultFetchTimeout = 10 * time.Second

// Options configures a Client. Zero values get defaults.
type Options struct {
	// Name labels the pool in logs and metrics.
	Name           string
	ExplicitRelays []string

	Cache cache.Adapter
	// NewRelay builds relays; websocket relays are used when nil.
	NewRelay func(url string) (relay.Relay, error)
	// ConnectionFilter refuses relays it returns false for.
	ConnectionFilter func(url string) bool
	VerifySignatures bool

	Pool         pool.Options
	FetchTimeout time.Duration

	EnableOutbox   bool
	OutboxTTL      time.Duration
	OutboxCapacity int

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client ties a pool, a cache and subscriptions together.
type Client struct {
	pool    *pool.Pool
	cache   cache.Adapter
	subs    *subscription.Manager
	outbox  *outbox.Tracker
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	fetchTimeout time.Duration

	explicitMu sync.RWMutex
	explicit   map[string]struct{}

	initOnce sync.Once
	initErr  error
}

// New creates a client and adds its explicit relays to the pool. Nothing
// connects until Connect.
func New(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}

	c := &Client{
		cache:        opts.Cache,
		subs:         subscription.NewManager(),
		clock:        opts.Clock,
		log:          opts.Logger.With("component", "client"),
		metrics:      opts.Metrics,
		fetchTimeout: opts.FetchTimeout,
		explicit:     make(map[string]struct{}),
	}

	newRelay := opts.NewRelay
	if newRelay == nil {
		wsOpts := relay.WebSocketOptions{
			Clock:            opts.Clock,
			Logger:           opts.Logger,
			VerifySignatures: opts.VerifySignatures,
		}
		newRelay = func(url string) (relay.Relay, error) {
			return relay.NewWebSocket(url, wsOpts)
		}
	}

	poolOpts := opts.Pool
	poolOpts.Clock = opts.Clock
	poolOpts.Logger = opts.Logger
	poolOpts.Metrics = opts.Metrics
	c.pool = pool.New(opts.Name, pool.Capabilities{
		NewRelay:         newRelay,
		Cache:            opts.Cache,
		ConnectionFilter: opts.ConnectionFilter,
		IsExplicitRelay:  c.IsExplicitRelay,
	}, poolOpts)

	if opts.EnableOutbox {
		c.outbox = outbox.New(func(ctx context.Context, filters []types.Filter) ([]types.Event, error) {
			return c.fetchEvents(ctx, filters, nil, false)
		}, opts.OutboxTTL, opts.OutboxCapacity, opts.Logger)
	}

	for _, url := range opts.ExplicitRelays {
		if err := c.AddExplicitRelay(url); err != nil {
			c.log.Warn("skipping explicit relay", "relay", url, "error", err)
		}
	}
	return c
}

// FromConfig builds a client from loaded configuration. Metrics are
// registered with reg when it is not nil.
func FromConfig(cfg *config.Config, reg prometheus.Registerer) (*Client, error) {
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	var adapter cache.Adapter
	switch cfg.Cache.Backend {
	case config.BackendMemory:
		adapter = cache.NewMemory(cfg.Cache.Config)
	case config.BackendRedis:
		r, err := cache.NewRedis(cfg.Cache.RedisURL, cfg.Cache.Config)
		if err != nil {
			return nil, err
		}
		adapter = r
	}

	var filter func(string) bool
	if cfg.Relays.BlockPrivate {
		filter = nostr.IsRelayURLSafe
	}

	logger := slog.Default()
	p := cfg.Pool
	return New(Options{
		Name:             "default",
		ExplicitRelays:   cfg.Relays.Explicit,
		Cache:            adapter,
		ConnectionFilter: filter,
		VerifySignatures: cfg.Relays.VerifySignatures,
		NewRelay: func(url string) (relay.Relay, error) {
			return relay.NewWebSocket(url, relay.WebSocketOptions{
				Logger:           logger,
				VerifySignatures: cfg.Relays.VerifySignatures,
				ConnectTimeout:   p.ConnectTimeout,
			})
		},
		Pool: pool.Options{
			TemporaryRelayTTL:     p.TemporaryRelayTTL,
			FlapBackoffBase:       p.FlapBackoffBase,
			FlapStormRatio:        p.FlapStormRatio,
			FlapStablePeriod:      p.FlapStablePeriod,
			DisconnectWindow:      p.DisconnectWindow,
			DisconnectPurgeWindow: p.DisconnectPurgeWindow,
			SystemDisconnectRatio: p.SystemDisconnectRatio,
			RecoveryDebounce:      p.RecoveryDebounce,
		},
		FetchTimeout:   cfg.Fetch.Timeout,
		EnableOutbox:   cfg.Outbox.Enabled,
		OutboxTTL:      cfg.Outbox.TTL,
		OutboxCapacity: cfg.Outbox.Capacity,
		Logger:         logger,
		Metrics:        m,
	}), nil
}

func (c *Client) Pool() *pool.Pool { return c.pool }

// Outbox returns the relay-list tracker, or nil when disabled.
func (c *Client) Outbox() *outbox.Tracker { return c.outbox }

// Subscriptions returns the registry of live subscriptions.
func (c *Client) Subscriptions() *subscription.Manager { return c.subs }

// AddExplicitRelay adds url to the pool as a permanent relay that is never
// evicted as temporary.
func (c *Client) AddExplicitRelay(rawURL string) error {
	url := nostr.NormalizeRelayURL(rawURL)
	if url == "" {
		return fmt.Errorf("%w: %q", pool.ErrInvalidRelayURL, rawURL)
	}

	c.explicitMu.Lock()
	c.explicit[url] = struct{}{}
	c.explicitMu.Unlock()

	_, err := c.pool.GetRelay(url, true, false, nil)
	return err
}

func (c *Client) IsExplicitRelay(url string) bool {
	c.explicitMu.RLock()
	defer c.explicitMu.RUnlock()
	_, ok := c.explicit[nostr.NormalizeRelayURL(url)]
	return ok
}

// Connect initializes the cache and connects the pool, waiting at most
// timeout for the relays.
func (c *Client) Connect(ctx context.Context, timeout time.Duration) error {
	if err := c.initCache(ctx); err != nil {
		c.log.Warn("cache initialization failed", "error", err)
	}
	return c.pool.Connect(ctx, timeout)
}

// initCache initializes the cache once if it needs it.
func (c *Client) initCache(ctx context.Context) error {
	init, ok := c.cache.(cache.Initializer)
	if !ok || init.Ready() {
		return nil
	}
	c.initOnce.Do(func() {
		c.initErr = init.Initialize(ctx)
	})
	return c.initErr
}

// Subscribe creates and registers a subscription. handlers, when given,
// override the handlers in opts. Unless opts.ManualStart is set the
// subscription starts in the background once the cache is ready.
func (c *Client) Subscribe(filters []types.Filter, opts *subscription.Options, handlers *subscription.Handlers) *subscription.Subscription {
	return c.subscribe(filters, opts, handlers, true)
}

func (c *Client) subscribe(filters []types.Filter, opts *subscription.Options, handlers *subscription.Handlers, trackOutbox bool) *subscription.Subscription {
	var o subscription.Options
	if opts != nil {
		o = *opts
	}
	if handlers != nil {
		mergeHandlers(&o.Handlers, *handlers)
	}

	sub := subscription.New(c.pool, filters, o, subscription.Deps{
		Cache:   c.cache,
		Clock:   c.clock,
		Logger:  c.log,
		Metrics: c.metrics,
	})
	c.subs.Add(sub)

	if set := sub.RelaySet(); set != nil {
		for _, r := range set.Relays() {
			c.pool.UseTemporaryRelay(r, 0, filters)
		}
	}

	if trackOutbox && c.outbox != nil && sub.HasAuthorsFilter() {
		c.outbox.TrackUsers(authors(filters))
	}

	if !o.ManualStart {
		go c.start(sub)
	}
	return sub
}

func (c *Client) start(sub *subscription.Subscription) {
	if err := c.initCache(context.Background()); err != nil {
		c.log.Debug("starting subscription without cache", "sub_id", sub.ID(), "error", err)
	}
	sub.Start()
}

func mergeHandlers(dst *subscription.Handlers, src subscription.Handlers) {
	if src.OnEvent != nil {
		dst.OnEvent = src.OnEvent
	}
	if src.OnEvents != nil {
		dst.OnEvents = src.OnEvents
	}
	if src.OnEose != nil {
		dst.OnEose = src.OnEose
	}
	if src.OnClose != nil {
		dst.OnClose = src.OnClose
	}
}

func authors(filters []types.Filter) []string {
	var out []string
	for _, f := range filters {
		out = append(out, f.Authors...)
	}
	return out
}

// Close stops every subscription, closes the pool and releases the cache.
func (c *Client) Close() error {
	c.subs.StopAll()

	var err error
	err = multierr.Append(err, c.pool.Close())
	if closer, ok := c.cache.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	return err
}
