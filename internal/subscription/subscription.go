// Package subscription fans a filter-based request out to a set of relays
// and merges what comes back.
package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"nostr-relaypool/internal/cache"
	"nostr-relaypool/internal/metrics"
	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/types"
)

// CacheUsage selects where a subscription looks for events.
type CacheUsage int

const (
	// CacheParallel queries the cache and relays at the same time.
	CacheParallel CacheUsage = iota
	CacheOnlyRelay
	CacheOnlyCache
)

const cacheQueryTimeout = 2 * time.Second

// Handlers receive subscription output. Any of them may be nil.
type Handlers struct {
	// OnEvent is called for each new event from a relay, in the order that
	// relay sent them.
	OnEvent func(evt types.Event, relayURL string)
	// OnEvents is called once with the events found in the cache.
	OnEvents func(events []types.Event)
	OnEose   func()
	OnClose  func()
}

// Options configures a subscription.
type Options struct {
	// ID is the REQ subscription id; a random one is used when empty.
	ID          string
	CloseOnEose bool
	CacheUsage  CacheUsage
	// RelaySet pins the relays to use. RelayURLs does the same through
	// temporary pool relays. Without either the pool's relays are used.
	RelaySet  *RelaySet
	RelayURLs []string
	// Pool overrides the provider passed to New.
	Pool RelayProvider
	// EoseTimeout fires EOSE this long after the first relay's EOSE even
	// if other relays have not finished.
	EoseTimeout time.Duration
	// ManualStart leaves starting to the caller.
	ManualStart bool

	Handlers
}

// Deps are the collaborators a subscription uses beyond its relays.
type Deps struct {
	Cache   cache.Adapter
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Subscription is one live request across relays. It implements relay.Sink.
type Subscription struct {
	id       string
	filters  []types.Filter
	opts     Options
	provider RelayProvider
	relaySet *RelaySet
	store    cache.EventStore
	clock    clock.Clock
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	started     bool
	stopped     bool
	eoseFired   bool
	gotEose     bool
	relays      []relay.Relay
	pendingEose map[string]struct{}
	seen        map[string]struct{}
	eoseTimer   *clock.Timer
	onStop      []func()
}

// New creates a subscription. Nothing is sent until Start.
func New(provider RelayProvider, filters []types.Filter, opts Options, deps Deps) *Subscription {
	if opts.Pool != nil {
		provider = opts.Pool
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Subscription{
		id:          opts.ID,
		filters:     filters,
		opts:        opts,
		provider:    provider,
		relaySet:    opts.RelaySet,
		clock:       deps.Clock,
		log:         deps.Logger.With("component", "subscription", "sub_id", opts.ID),
		metrics:     deps.Metrics,
		pendingEose: make(map[string]struct{}),
		seen:        make(map[string]struct{}),
	}
	if store, ok := deps.Cache.(cache.EventStore); ok {
		s.store = store
	}
	if s.relaySet == nil && len(opts.RelayURLs) > 0 && provider != nil {
		s.relaySet = RelaySetFromURLs(provider, opts.RelayURLs, filters)
	}
	return s
}

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) Filters() []types.Filter { return s.filters }

// RelaySet returns the explicit relay set, or nil when the pool decides.
func (s *Subscription) RelaySet() *RelaySet { return s.relaySet }

func (s *Subscription) Pool() RelayProvider { return s.provider }

func (s *Subscription) CloseOnEose() bool { return s.opts.CloseOnEose }

// HasAuthorsFilter reports whether any filter constrains authors.
func (s *Subscription) HasAuthorsFilter() bool {
	for _, f := range s.filters {
		if len(f.Authors) > 0 {
			return true
		}
	}
	return false
}

// OnStop registers fn to run once when the subscription stops.
func (s *Subscription) OnStop(fn func()) {
	s.mu.Lock()
	if !s.stopped {
		s.onStop = append(s.onStop, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

// Start queries the cache and sends the REQ to every target relay. It is a
// no-op after the first call or once stopped.
func (s *Subscription) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	if s.opts.CacheUsage != CacheOnlyRelay && s.store != nil {
		s.deliverCached()
	}
	if s.opts.CacheUsage == CacheOnlyCache {
		s.fireEose()
		return
	}

	relays := s.targetRelays()
	if len(relays) == 0 {
		s.log.Debug("no relays to query")
		s.fireEose()
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.relays = relays
	for _, r := range relays {
		s.pendingEose[r.URL()] = struct{}{}
	}
	s.mu.Unlock()

	for _, r := range relays {
		if err := r.Req(s.id, s.filters, s); err != nil {
			s.HandleClosed(r.URL(), err.Error())
		}
	}
}

func (s *Subscription) targetRelays() []relay.Relay {
	if s.relaySet != nil {
		return s.relaySet.Relays()
	}
	if s.provider == nil {
		return nil
	}
	if connected := s.provider.ConnectedRelays(); len(connected) > 0 {
		return connected
	}
	// REQs are queued by relays until they connect
	return s.provider.Relays()
}

func (s *Subscription) deliverCached() {
	ctx, cancel := context.WithTimeout(context.Background(), cacheQueryTimeout)
	defer cancel()

	events, err := s.store.QueryEvents(ctx, s.filters)
	if err != nil {
		s.log.Warn("cache query failed", "error", err)
		return
	}

	s.mu.Lock()
	fresh := events[:0:0]
	for _, evt := range events {
		if _, dup := s.seen[evt.ID]; dup {
			continue
		}
		s.seen[evt.ID] = struct{}{}
		fresh = append(fresh, evt)
	}
	s.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	if s.opts.OnEvents != nil {
		s.opts.OnEvents(fresh)
		return
	}
	if s.opts.OnEvent != nil {
		for _, evt := range fresh {
			s.opts.OnEvent(evt, "")
		}
	}
}

// HandleEvent accepts an event from relayURL. Events matching none of the
// filters, and events already delivered by another relay, are dropped.
func (s *Subscription) HandleEvent(relayURL string, evt types.Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if !types.MatchesAny(s.filters, &evt) {
		s.mu.Unlock()
		s.log.Debug("dropping event not matching filters", "relay", relayURL, "event_id", evt.ID)
		return
	}
	if _, dup := s.seen[evt.ID]; dup {
		s.mu.Unlock()
		s.metrics.RecordDuplicateEvent()
		return
	}
	s.seen[evt.ID] = struct{}{}
	s.mu.Unlock()

	if s.store != nil {
		go s.storeEvent(evt)
	}
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(evt, relayURL)
	}
}

func (s *Subscription) storeEvent(evt types.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheQueryTimeout)
	defer cancel()
	if err := s.store.StoreEvent(ctx, evt); err != nil {
		s.log.Debug("failed to cache event", "event_id", evt.ID, "error", err)
	}
}

// HandleEOSE records that relayURL finished sending stored events.
func (s *Subscription) HandleEOSE(relayURL string) {
	s.relayDone(relayURL)
}

// HandleClosed treats a closed relay subscription as finished.
func (s *Subscription) HandleClosed(relayURL string, reason string) {
	s.log.Debug("relay closed subscription", "relay", relayURL, "reason", reason)
	s.relayDone(relayURL)
}

func (s *Subscription) relayDone(relayURL string) {
	s.mu.Lock()
	if s.stopped || s.eoseFired {
		s.mu.Unlock()
		return
	}
	if _, pending := s.pendingEose[relayURL]; !pending {
		s.mu.Unlock()
		return
	}
	delete(s.pendingEose, relayURL)
	done := len(s.pendingEose) == 0

	first := !s.gotEose
	s.gotEose = true
	if !done && first && s.opts.EoseTimeout > 0 {
		s.eoseTimer = s.clock.AfterFunc(s.opts.EoseTimeout, s.fireEose)
	}
	s.mu.Unlock()

	if done {
		s.fireEose()
	}
}

func (s *Subscription) fireEose() {
	s.mu.Lock()
	if s.eoseFired || s.stopped {
		s.mu.Unlock()
		return
	}
	s.eoseFired = true
	if s.eoseTimer != nil {
		s.eoseTimer.Stop()
		s.eoseTimer = nil
	}
	s.mu.Unlock()

	if s.opts.OnEose != nil {
		s.opts.OnEose()
	}
	if s.opts.CloseOnEose {
		s.Stop()
	}
}

// Stop closes the subscription on every relay. Safe to call repeatedly.
func (s *Subscription) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.eoseTimer != nil {
		s.eoseTimer.Stop()
		s.eoseTimer = nil
	}
	relays := s.relays
	onStop := s.onStop
	s.onStop = nil
	s.mu.Unlock()

	for _, r := range relays {
		r.CloseSub(s.id)
	}
	for _, fn := range onStop {
		fn()
	}
	if s.opts.OnClose != nil {
		s.opts.OnClose()
	}
}

// Stopped reports whether Stop has been called.
func (s *Subscription) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
