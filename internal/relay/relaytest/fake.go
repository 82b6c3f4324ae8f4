// Package relaytest provides an in-memory Relay for pool and subscription tests.
package relaytest

import (
	"context"
	"sync"
	"time"

	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/types"
)

// FakeRelay is a scriptable relay.Relay. Its status only changes when a
// test (or AutoConnect) changes it.
type FakeRelay struct {
	url string
	bus relay.Bus

	// AutoConnect makes Connect switch to StatusConnected and emit
	// connect and ready signals.
	AutoConnect bool
	// ConnectErr is returned from Connect when set.
	ConnectErr error

	mu              sync.Mutex
	status          relay.Status
	connectCalls    int
	lastReconnect   bool
	disconnectCalls int
	resetCalls      int
	subs            map[string]relay.Sink
	reqs            map[string][]types.Filter
	closed          []string
}

// New returns a disconnected FakeRelay for url. The url is used as given.
func New(url string) *FakeRelay {
	return &FakeRelay{
		url:    url,
		status: relay.StatusDisconnected,
		subs:   make(map[string]relay.Sink),
		reqs:   make(map[string][]types.Filter),
	}
}

func (f *FakeRelay) URL() string { return f.url }

func (f *FakeRelay) Status() relay.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// SetStatus changes the status without emitting anything.
func (f *FakeRelay) SetStatus(s relay.Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func (f *FakeRelay) Connect(ctx context.Context, timeout time.Duration, reconnect bool) error {
	f.mu.Lock()
	f.connectCalls++
	f.lastReconnect = reconnect
	err := f.ConnectErr
	auto := f.AutoConnect && err == nil
	if auto {
		f.status = relay.StatusConnected
	}
	f.mu.Unlock()

	if auto {
		f.bus.Emit(relay.Signal{Kind: relay.SignalConnect})
		f.bus.Emit(relay.Signal{Kind: relay.SignalReady})
	}
	return err
}

func (f *FakeRelay) Disconnect() {
	f.mu.Lock()
	f.disconnectCalls++
	f.status = relay.StatusDisconnected
	f.mu.Unlock()
}

func (f *FakeRelay) Observe(key string, fn relay.Observer) { f.bus.Observe(key, fn) }

func (f *FakeRelay) Unobserve(key string) { f.bus.Unobserve(key) }

// ObserverCount returns how many observers are registered.
func (f *FakeRelay) ObserverCount() int { return f.bus.Len() }

// Emit delivers a signal to the relay's observers.
func (f *FakeRelay) Emit(kind relay.SignalKind) {
	f.bus.Emit(relay.Signal{Kind: kind})
}

// EmitSignal delivers s to the relay's observers.
func (f *FakeRelay) EmitSignal(s relay.Signal) {
	f.bus.Emit(s)
}

// Connected sets StatusConnected and emits connect.
func (f *FakeRelay) Connected() {
	f.SetStatus(relay.StatusConnected)
	f.Emit(relay.SignalConnect)
}

// Dropped sets StatusDisconnected and emits disconnect.
func (f *FakeRelay) Dropped() {
	f.SetStatus(relay.StatusDisconnected)
	f.Emit(relay.SignalDisconnect)
}

func (f *FakeRelay) Connectivity() relay.Connectivity { return f }

func (f *FakeRelay) ResetReconnectionState() {
	f.mu.Lock()
	f.resetCalls++
	f.mu.Unlock()
}

func (f *FakeRelay) Stats() relay.ConnectionStats { return relay.ConnectionStats{} }

func (f *FakeRelay) Req(subID string, filters []types.Filter, sink relay.Sink) error {
	f.mu.Lock()
	f.subs[subID] = sink
	f.reqs[subID] = filters
	f.mu.Unlock()
	return nil
}

func (f *FakeRelay) CloseSub(subID string) {
	f.mu.Lock()
	if _, ok := f.subs[subID]; ok {
		f.closed = append(f.closed, subID)
	}
	delete(f.subs, subID)
	f.mu.Unlock()
}

// ConnectCalls returns how many times Connect was called.
func (f *FakeRelay) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// LastReconnect returns the reconnect flag of the latest Connect call.
func (f *FakeRelay) LastReconnect() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReconnect
}

// DisconnectCalls returns how many times Disconnect was called.
func (f *FakeRelay) DisconnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnectCalls
}

// ResetCalls returns how many times ResetReconnectionState was called.
func (f *FakeRelay) ResetCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resetCalls
}

// OpenSubs returns the ids of subscriptions not yet closed.
func (f *FakeRelay) OpenSubs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	return ids
}

// ClosedSubs returns the ids passed to CloseSub for open subscriptions.
func (f *FakeRelay) ClosedSubs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

// Filters returns the filters of subscription subID.
func (f *FakeRelay) Filters(subID string) []types.Filter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[subID]
}

func (f *FakeRelay) sinks() []relay.Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]relay.Sink, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s)
	}
	return out
}

// Deliver sends evt to every open subscription.
func (f *FakeRelay) Deliver(evt types.Event) {
	if len(evt.RelaysSeen) == 0 {
		evt.RelaysSeen = []string{f.url}
	}
	for _, s := range f.sinks() {
		s.HandleEvent(f.url, evt)
	}
}

// SendEOSE signals end of stored events to every open subscription.
func (f *FakeRelay) SendEOSE() {
	for _, s := range f.sinks() {
		s.HandleEOSE(f.url)
	}
}

// CloseAll reports every open subscription as closed by the relay.
func (f *FakeRelay) CloseAll(reason string) {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[string]relay.Sink)
	f.mu.Unlock()
	for _, s := range subs {
		s.HandleClosed(f.url, reason)
	}
}
