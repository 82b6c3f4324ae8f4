// Package pool owns a named set of relays: membership, temporary relays,
// flap backoff and detection of system-wide disconnections.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"nostr-relaypool/internal/cache"
	"nostr-relaypool/internal/metrics"
	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/types"
	"nostr-relaypool/internal/util"
)

var (
	ErrInvalidRelayURL = errors.New("invalid relay URL")
	ErrNoRelayFactory  = errors.New("pool has no relay factory")
)

// Relays whose URL contains this are filter relays, not real endpoints
const disallowedURLPattern = "/npub1"

// Status is the pool activity status.
type Status int

const (
	StatusIdle Status = iota
	StatusActive
)

// Stats counts relays by connection status.
type Stats struct {
	Total        int
	Connected    int
	Disconnected int
	Connecting   int
}

// timerEntry identifies one armed timer so a callback can tell whether it
// was superseded or cancelled before it got the lock.
type timerEntry struct {
	timer *clock.Timer
}

// Pool manages a set of relays keyed by normalized URL.
type Pool struct {
	id      string
	name    string
	opts    Options
	caps    Capabilities
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	observers observers

	mu          sync.Mutex
	status      Status
	closed      bool
	relays      map[string]relay.Relay
	autoConnect map[string]struct{}
	temporary   map[string]*timerEntry
	deferred    map[string]*timerEntry
	flapTimers  map[string]*timerEntry
	// stableTimers clear a flapping relay that stayed connected
	stableTimers map[string]*timerEntry
	backoff     map[string]time.Duration
	flapping    map[string]struct{}
	disconnects map[string]time.Time
	// recoveryTimer is set while a system-wide recovery is debounced
	recoveryTimer *clock.Timer
	// changed is closed and replaced whenever a relay changes status
	changed chan struct{}
}

// New creates an idle pool.
func New(name string, caps Capabilities, opts Options) *Pool {
	opts = opts.withDefaults()
	if name == "" {
		name = "unnamed"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		id:           uuid.NewString(),
		name:         name,
		opts:         opts,
		caps:         caps,
		clock:        opts.Clock,
		log:          opts.Logger.With("component", "pool", "pool", name),
		metrics:      opts.Metrics,
		ctx:          ctx,
		cancel:       cancel,
		relays:       make(map[string]relay.Relay),
		autoConnect:  make(map[string]struct{}),
		temporary:    make(map[string]*timerEntry),
		deferred:     make(map[string]*timerEntry),
		flapTimers:   make(map[string]*timerEntry),
		stableTimers: make(map[string]*timerEntry),
		backoff:      make(map[string]time.Duration),
		flapping:     make(map[string]struct{}),
		disconnects:  make(map[string]time.Time),
		changed:      make(chan struct{}),
	}
}

func (p *Pool) Name() string { return p.name }

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Observe registers fn for pool events and returns a function removing it.
func (p *Pool) Observe(fn func(Event)) func() {
	return p.observers.add(fn)
}

func (p *Pool) emit(evt Event) {
	p.observers.emit(evt)
}

// AddRelay adds r to the pool. It is a no-op if the URL is already present,
// and a logged no-op if the URL is refused. With connect set the relay is
// eligible for automatic connection and is connected right away if the
// pool is active.
func (p *Pool) AddRelay(r relay.Relay, connect bool) {
	url := nostr.NormalizeRelayURL(r.URL())
	if url == "" {
		p.log.Debug("refusing to add relay: invalid URL", "relay", r.URL())
		return
	}

	p.mu.Lock()
	_, exists := p.relays[url]
	closed := p.closed
	p.mu.Unlock()
	if exists || closed {
		return
	}

	if p.caps.ConnectionFilter != nil && !p.caps.ConnectionFilter(url) {
		p.log.Debug("refusing to add relay: blocked by connection filter", "relay", url)
		return
	}
	if strings.Contains(url, disallowedURLPattern) {
		p.log.Debug("refusing to add relay: is a filter relay", "relay", url)
		return
	}

	reconnect := true
	if status := p.relayStatus(url); status != nil && !status.DontConnectBefore.IsZero() {
		if delay := status.DontConnectBefore.Sub(p.clock.Now()); delay > 0 {
			p.log.Debug("deferring relay add", "relay", url, "delay", delay)
			p.deferAdd(url, r, connect, delay)
			return
		}
		// The embargo is over; do not treat the old state as a new flap
		reconnect = false
	}

	p.mu.Lock()
	if _, exists := p.relays[url]; exists || p.closed {
		p.mu.Unlock()
		return
	}
	p.relays[url] = r
	if connect {
		p.autoConnect[url] = struct{}{}
	}
	active := p.status == StatusActive
	p.mu.Unlock()

	// Observe replaces any handler this pool registered before
	r.Observe(p.id, p.relayObserver(r, url))

	p.log.Debug("relay added", "relay", url, "connect", connect)
	p.publishCounts()

	if connect && active {
		p.emit(Event{Kind: EventRelayConnecting, Relay: r})
		p.connectRelay(r, reconnect)
	}
}

// deferAdd re-runs AddRelay once the cache embargo for url has passed.
func (p *Pool) deferAdd(url string, r relay.Relay, connect bool, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if prev := p.deferred[url]; prev != nil {
		prev.timer.Stop()
	}

	e := &timerEntry{}
	e.timer = p.clock.AfterFunc(delay, func() {
		p.mu.Lock()
		if p.deferred[url] != e {
			p.mu.Unlock()
			return
		}
		delete(p.deferred, url)
		p.mu.Unlock()

		p.AddRelay(r, connect)
	})
	p.deferred[url] = e
}

// RemoveRelay disconnects the relay and forgets everything the pool knows
// about its URL, including pending timers. It reports whether the relay was
// in the pool.
func (p *Pool) RemoveRelay(rawURL string) bool {
	url := nostr.NormalizeRelayURL(rawURL)
	if url == "" {
		url = rawURL
	}

	p.mu.Lock()
	r, ok := p.relays[url]
	delete(p.relays, url)
	delete(p.autoConnect, url)
	delete(p.backoff, url)
	delete(p.flapping, url)
	delete(p.disconnects, url)
	for _, timers := range []map[string]*timerEntry{p.temporary, p.deferred, p.flapTimers, p.stableTimers} {
		if e := timers[url]; e != nil {
			e.timer.Stop()
			delete(timers, url)
		}
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	// Unobserve first so our own disconnect does not count as a failure
	r.Unobserve(p.id)
	r.Disconnect()

	p.log.Debug("relay removed", "relay", url)
	p.emit(Event{Kind: EventRelayDisconnect, Relay: r})
	p.notifyChanged()
	p.publishCounts()
	return true
}

// UseTemporaryRelay adds r if absent and (re)arms its eviction timer. Relays
// already in the pool as permanent members never get a timer from here.
func (p *Pool) UseTemporaryRelay(r relay.Relay, ttl time.Duration, filters []types.Filter) {
	url := nostr.NormalizeRelayURL(r.URL())
	if url == "" {
		return
	}
	if ttl <= 0 {
		ttl = p.opts.TemporaryRelayTTL
	}

	p.mu.Lock()
	_, alreadyInPool := p.relays[url]
	p.mu.Unlock()

	if !alreadyInPool {
		p.AddRelay(r, true)
		p.log.Debug("adding temporary relay", "relay", url, "filters", describeFilters(filters))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	_, added := p.relays[url]
	_, pending := p.deferred[url]
	if !added && !pending {
		// refused
		return
	}

	existing := p.temporary[url]
	if existing != nil {
		existing.timer.Stop()
		delete(p.temporary, url)
	}
	if alreadyInPool && existing == nil {
		return
	}

	e := &timerEntry{}
	e.timer = p.clock.AfterFunc(ttl, func() { p.evictTemporary(url, e) })
	p.temporary[url] = e
}

func (p *Pool) evictTemporary(url string, e *timerEntry) {
	p.mu.Lock()
	if p.temporary[url] != e {
		p.mu.Unlock()
		return
	}
	delete(p.temporary, url)
	p.mu.Unlock()

	// Made explicit while it was temporary: keep it as a permanent member
	if p.caps.IsExplicitRelay != nil && p.caps.IsExplicitRelay(url) {
		p.log.Debug("keeping temporary relay, now explicit", "relay", url)
		return
	}

	if p.RemoveRelay(url) {
		p.metrics.RecordTemporaryEviction(p.name)
		p.log.Debug("evicted unused temporary relay", "relay", url)
	}
}

// Connect marks the pool active and connects every auto-connect relay that
// is not already connected or connecting. It returns once all of them are
// connected or timeout elapses, whichever comes first; a zero timeout waits
// for all of them. Relays still connecting keep going in the background.
// Connection failures are logged, not returned.
func (p *Pool) Connect(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	p.status = StatusActive
	toConnect := make([]relay.Relay, 0, len(p.autoConnect))
	for url := range p.autoConnect {
		if r := p.relays[url]; r != nil {
			toConnect = append(toConnect, r)
		}
	}
	p.mu.Unlock()

	p.log.Debug("connecting", "relays", len(toConnect), "timeout", timeout)

	for _, r := range toConnect {
		status := r.Status()
		if status.IsConnected() || status == relay.StatusConnecting {
			continue
		}
		p.emit(Event{Kind: EventRelayConnecting, Relay: r})
		p.connectRelay(r, true)
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := p.clock.Timer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	for {
		changed := p.changes()
		if allConnected(toConnect) {
			return nil
		}
		select {
		case <-changed:
		case <-timeoutC:
			s := p.Stats()
			p.log.Debug("connect timeout reached", "connected", s.Connected, "total", s.Total)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func allConnected(relays []relay.Relay) bool {
	for _, r := range relays {
		if !r.Status().IsConnected() {
			return false
		}
	}
	return true
}

// connectRelay starts a connection attempt in the background.
func (p *Pool) connectRelay(r relay.Relay, reconnect bool) {
	go func() {
		if err := r.Connect(p.ctx, 0, reconnect); err != nil {
			p.metrics.RecordConnectFailure(p.name)
			p.log.Debug("failed to connect to relay", "relay", r.URL(), "error", err)
		}
	}()
}

// GetRelay returns the pool's relay for url, creating it if needed. New
// relays are added as temporary members or, otherwise, as permanent ones.
func (p *Pool) GetRelay(rawURL string, connect, temporary bool, filters []types.Filter) (relay.Relay, error) {
	url := nostr.NormalizeRelayURL(rawURL)
	if url == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRelayURL, rawURL)
	}

	p.mu.Lock()
	r := p.relays[url]
	p.mu.Unlock()
	if r != nil {
		return r, nil
	}

	if p.caps.NewRelay == nil {
		return nil, ErrNoRelayFactory
	}
	r, err := p.caps.NewRelay(url)
	if err != nil {
		return nil, fmt.Errorf("create relay %s: %w", url, err)
	}

	if temporary {
		p.UseTemporaryRelay(r, p.opts.TemporaryRelayTTL, filters)
	} else {
		p.AddRelay(r, connect)
	}
	return r, nil
}

// snapshot returns the pool's relays sorted by URL.
func (p *Pool) snapshot() []relay.Relay {
	p.mu.Lock()
	urls := make([]string, 0, len(p.relays))
	for url := range p.relays {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	relays := make([]relay.Relay, len(urls))
	for i, url := range urls {
		relays[i] = p.relays[url]
	}
	p.mu.Unlock()
	return relays
}

// Relays returns every relay in the pool.
func (p *Pool) Relays() []relay.Relay {
	return p.snapshot()
}

// URLs returns the normalized URLs in the pool.
func (p *Pool) URLs() []string {
	p.mu.Lock()
	urls := make([]string, 0, len(p.relays))
	for url := range p.relays {
		urls = append(urls, url)
	}
	p.mu.Unlock()
	return util.SortedCopy(urls)
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.relays)
}

// Stats counts relays by status. Statuses other than connected,
// disconnected and connecting are only counted in Total.
func (p *Pool) Stats() Stats {
	relays := p.snapshot()
	s := Stats{Total: len(relays)}
	for _, r := range relays {
		switch status := r.Status(); {
		case status.IsConnected():
			s.Connected++
		case status == relay.StatusDisconnected:
			s.Disconnected++
		case status == relay.StatusConnecting:
			s.Connecting++
		}
	}
	return s
}

// ConnectedRelays returns the relays whose socket is usable.
func (p *Pool) ConnectedRelays() []relay.Relay {
	var out []relay.Relay
	for _, r := range p.snapshot() {
		if r.Status().IsConnected() {
			out = append(out, r)
		}
	}
	return out
}

// PermanentAndConnectedRelays returns connected relays that are not
// temporary members.
func (p *Pool) PermanentAndConnectedRelays() []relay.Relay {
	relays := p.snapshot()

	p.mu.Lock()
	permanent := make([]relay.Relay, 0, len(relays))
	for _, r := range relays {
		if _, temp := p.temporary[r.URL()]; !temp {
			permanent = append(permanent, r)
		}
	}
	p.mu.Unlock()

	var out []relay.Relay
	for _, r := range permanent {
		if r.Status().IsConnected() {
			out = append(out, r)
		}
	}
	return out
}

// IsRelayConnected reports whether url is in the pool and connected.
func (p *Pool) IsRelayConnected(rawURL string) bool {
	url := nostr.NormalizeRelayURL(rawURL)
	p.mu.Lock()
	r := p.relays[url]
	p.mu.Unlock()
	return r != nil && r.Status().IsConnected()
}

// IsTemporary reports whether url has a pending eviction timer.
func (p *Pool) IsTemporary(rawURL string) bool {
	url := nostr.NormalizeRelayURL(rawURL)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.temporary[url]
	return ok
}

// Close disconnects every relay and cancels all pool timers.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.status = StatusIdle
	for _, timers := range []map[string]*timerEntry{p.temporary, p.deferred, p.flapTimers, p.stableTimers} {
		for url, e := range timers {
			e.timer.Stop()
			delete(timers, url)
		}
	}
	if p.recoveryTimer != nil {
		p.recoveryTimer.Stop()
		p.recoveryTimer = nil
	}
	relays := make([]relay.Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.relays = make(map[string]relay.Relay)
	p.autoConnect = make(map[string]struct{})
	p.mu.Unlock()

	p.cancel()
	for _, r := range relays {
		r.Unobserve(p.id)
		r.Disconnect()
	}
	p.log.Debug("pool closed", "relays", len(relays))
	return nil
}

// relayObserver converts one relay's signals into pool decisions.
func (p *Pool) relayObserver(r relay.Relay, url string) relay.Observer {
	return func(s relay.Signal) {
		switch s.Kind {
		case relay.SignalConnect:
			p.watchFlapRecovery(r, url)
			p.handleRelayConnect(r)
		case relay.SignalReady:
			p.emit(Event{Kind: EventRelayReady, Relay: r})
		case relay.SignalDisconnect:
			p.stopStableTimer(url)
			p.recordDisconnection(url)
			p.emit(Event{Kind: EventRelayDisconnect, Relay: r})
		case relay.SignalFlapping:
			p.handleFlapping(r, url)
		case relay.SignalNotice:
			p.emit(Event{Kind: EventNotice, Relay: r, Text: s.Text})
		case relay.SignalAuth:
			p.emit(Event{Kind: EventRelayAuth, Relay: r, Text: s.Text})
		case relay.SignalAuthed:
			p.emit(Event{Kind: EventRelayAuthed, Relay: r})
		case relay.SignalDelayedConnect:
			p.recordDelayedConnect(url, s.Delay)
		}
		p.notifyChanged()
		p.publishCounts()
	}
}

func (p *Pool) handleRelayConnect(r relay.Relay) {
	p.emit(Event{Kind: EventRelayConnect, Relay: r})

	if s := p.Stats(); s.Total > 0 && s.Connected == s.Total {
		p.emit(Event{Kind: EventConnect})
	}
}

// recordDelayedConnect stores a relay's announced retry delay in the cache
// so the next AddRelay for it is deferred.
func (p *Pool) recordDelayedConnect(url string, delay time.Duration) {
	if p.caps.Cache == nil {
		return
	}
	status := cache.RelayStatus{DontConnectBefore: p.clock.Now().Add(delay)}
	go func() {
		ctx, cancel := context.WithTimeout(p.ctx, p.opts.CacheTimeout)
		defer cancel()
		if err := p.caps.Cache.UpdateRelayStatus(ctx, url, status); err != nil {
			p.log.Warn("failed to record relay status", "relay", url, "error", err)
		}
	}()
}

func (p *Pool) relayStatus(url string) *cache.RelayStatus {
	if p.caps.Cache == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.CacheTimeout)
	defer cancel()

	status, err := p.caps.Cache.RelayStatus(ctx, url)
	if err != nil {
		p.log.Debug("relay status lookup failed", "relay", url, "error", err)
		return nil
	}
	return status
}

func (p *Pool) changes() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

func (p *Pool) notifyChanged() {
	p.mu.Lock()
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()
}

func (p *Pool) publishCounts() {
	if p.metrics == nil {
		return
	}
	s := p.Stats()
	p.metrics.SetRelayCounts(p.name, s.Connected, s.Disconnected, s.Connecting)
}

func describeFilters(filters []types.Filter) string {
	parts := make([]string, len(filters))
	for i, f := range filters {
		parts[i] = f.String()
	}
	return strings.Join(parts, ",")
}
