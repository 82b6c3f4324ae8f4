package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-relaypool/internal/cache"
	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/relay/relaytest"
	"nostr-relaypool/internal/types"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// stubProvider serves a fixed list of fake relays.
type stubProvider struct {
	relays    []*relaytest.FakeRelay
	permanent []*relaytest.FakeRelay
	temporary []string
}

func (p *stubProvider) GetRelay(url string, connect, temporary bool, filters []types.Filter) (relay.Relay, error) {
	for _, r := range p.relays {
		if r.URL() == url {
			return r, nil
		}
	}
	if url == "bad" {
		return nil, errors.New("invalid url")
	}
	r := relaytest.New(url)
	p.relays = append(p.relays, r)
	if temporary {
		p.temporary = append(p.temporary, url)
	}
	return r, nil
}

func (p *stubProvider) UseTemporaryRelay(r relay.Relay, ttl time.Duration, filters []types.Filter) {
	p.temporary = append(p.temporary, r.URL())
}

func (p *stubProvider) ConnectedRelays() []relay.Relay {
	var out []relay.Relay
	for _, r := range p.relays {
		if r.Status().IsConnected() {
			out = append(out, r)
		}
	}
	return out
}

func (p *stubProvider) PermanentAndConnectedRelays() []relay.Relay {
	var out []relay.Relay
	for _, r := range p.permanent {
		if r.Status().IsConnected() {
			out = append(out, r)
		}
	}
	return out
}

func (p *stubProvider) Relays() []relay.Relay {
	out := make([]relay.Relay, len(p.relays))
	for i, r := range p.relays {
		out[i] = r
	}
	return out
}

func connectedFakes(urls ...string) []*relaytest.FakeRelay {
	out := make([]*relaytest.FakeRelay, len(urls))
	for i, u := range urls {
		out[i] = relaytest.New(u)
		out[i].SetStatus(relay.StatusConnected)
	}
	return out
}

type collector struct {
	mu     sync.Mutex
	events []types.Event
	from   []string
	cached []types.Event
	eose   int
	closed int
}

func (c *collector) handlers() Handlers {
	return Handlers{
		OnEvent: func(evt types.Event, relayURL string) {
			c.mu.Lock()
			c.events = append(c.events, evt)
			c.from = append(c.from, relayURL)
			c.mu.Unlock()
		},
		OnEvents: func(events []types.Event) {
			c.mu.Lock()
			c.cached = append(c.cached, events...)
			c.mu.Unlock()
		},
		OnEose:  func() { c.mu.Lock(); c.eose++; c.mu.Unlock() },
		OnClose: func() { c.mu.Lock(); c.closed++; c.mu.Unlock() },
	}
}

func (c *collector) counts() (events, eose, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events), c.eose, c.closed
}

var notes = []types.Filter{{Kinds: []int{1}}}

func note(id string, createdAt int64) types.Event {
	return types.Event{ID: id, Kind: 1, PubKey: "alice", CreatedAt: createdAt}
}

func TestEventsDedupedAcrossRelays(t *testing.T) {
	fakes := connectedFakes("wss://a.example", "wss://b.example")
	p := &stubProvider{relays: fakes}
	c := &collector{}

	s := New(p, notes, Options{Handlers: c.handlers()}, Deps{})
	s.Start()

	fakes[0].Deliver(note("e1", 10))
	fakes[1].Deliver(note("e1", 10))
	fakes[1].Deliver(note("e2", 11))

	n, _, _ := c.counts()
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, c.from)
}

func TestEventsNotMatchingFiltersAreDropped(t *testing.T) {
	fakes := connectedFakes("wss://a.example")
	c := &collector{}

	s := New(&stubProvider{relays: fakes}, notes, Options{Handlers: c.handlers()}, Deps{})
	s.Start()

	fakes[0].Deliver(types.Event{ID: "x", Kind: 7})
	n, _, _ := c.counts()
	assert.Zero(t, n)
}

func TestEoseAfterAllRelaysFinish(t *testing.T) {
	fakes := connectedFakes("wss://a.example", "wss://b.example", "wss://c.example")
	c := &collector{}

	s := New(&stubProvider{relays: fakes}, notes, Options{CloseOnEose: true, Handlers: c.handlers()}, Deps{})
	s.Start()

	fakes[0].SendEOSE()
	fakes[0].SendEOSE()
	fakes[1].CloseAll("rate-limited")
	_, eose, _ := c.counts()
	assert.Zero(t, eose)

	fakes[2].SendEOSE()
	_, eose, closed := c.counts()
	assert.Equal(t, 1, eose)
	assert.Equal(t, 1, closed)
	assert.True(t, s.Stopped())
	assert.Contains(t, fakes[0].ClosedSubs(), s.ID())
	assert.Contains(t, fakes[2].ClosedSubs(), s.ID())
}

func TestEoseTimeoutAfterFirstEose(t *testing.T) {
	mock := clock.NewMock()
	fakes := connectedFakes("wss://a.example", "wss://b.example")
	c := &collector{}

	s := New(&stubProvider{relays: fakes}, notes,
		Options{EoseTimeout: time.Second, Handlers: c.handlers()}, Deps{Clock: mock})
	s.Start()

	mock.Add(time.Minute)
	_, eose, _ := c.counts()
	assert.Zero(t, eose, "timer only starts with the first EOSE")

	fakes[0].SendEOSE()
	mock.Add(time.Second)
	require.Eventually(t, func() bool { _, e, _ := c.counts(); return e == 1 }, waitFor, tick)
	assert.False(t, s.Stopped())
}

func TestNoRelaysFiresEoseImmediately(t *testing.T) {
	c := &collector{}
	s := New(&stubProvider{}, notes, Options{CloseOnEose: true, Handlers: c.handlers()}, Deps{})
	s.Start()

	_, eose, closed := c.counts()
	assert.Equal(t, 1, eose)
	assert.Equal(t, 1, closed)
}

func TestFallsBackToAllRelaysWhenNoneConnected(t *testing.T) {
	r := relaytest.New("wss://a.example")
	s := New(&stubProvider{relays: []*relaytest.FakeRelay{r}}, notes, Options{}, Deps{})
	s.Start()

	assert.Equal(t, []string{s.ID()}, r.OpenSubs())
	assert.Equal(t, notes, r.Filters(s.ID()))
}

func TestRelayURLsBuildTemporarySet(t *testing.T) {
	p := &stubProvider{relays: connectedFakes("wss://pool.example")}
	s := New(p, notes, Options{RelayURLs: []string{"wss://hint.example", "bad"}}, Deps{})
	s.Start()

	require.NotNil(t, s.RelaySet())
	assert.Equal(t, []string{"wss://hint.example"}, s.RelaySet().URLs())
	assert.Equal(t, []string{"wss://hint.example"}, p.temporary)
	assert.Empty(t, p.relays[0].OpenSubs())
}

func TestCachedEventsDeliveredFirst(t *testing.T) {
	store := cache.NewMemory(cache.DefaultConfig())
	require.NoError(t, store.StoreEvent(context.Background(), note("cached", 5)))

	fakes := connectedFakes("wss://a.example")
	c := &collector{}
	s := New(&stubProvider{relays: fakes}, notes, Options{Handlers: c.handlers()}, Deps{Cache: store})
	s.Start()

	require.Len(t, c.cached, 1)
	fakes[0].Deliver(note("cached", 5))
	fakes[0].Deliver(note("fresh", 6))

	n, _, _ := c.counts()
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool { return store.Len() == 2 }, waitFor, tick)
}

func TestCacheOnly(t *testing.T) {
	store := cache.NewMemory(cache.DefaultConfig())
	fakes := connectedFakes("wss://a.example")
	c := &collector{}

	s := New(&stubProvider{relays: fakes}, notes,
		Options{CacheUsage: CacheOnlyCache, Handlers: c.handlers()}, Deps{Cache: store})
	s.Start()

	_, eose, _ := c.counts()
	assert.Equal(t, 1, eose)
	assert.Empty(t, fakes[0].OpenSubs())
}

func TestStopIsIdempotent(t *testing.T) {
	fakes := connectedFakes("wss://a.example")
	c := &collector{}
	s := New(&stubProvider{relays: fakes}, notes, Options{Handlers: c.handlers()}, Deps{})
	s.Start()

	s.Stop()
	s.Stop()
	fakes[0].Deliver(note("late", 1))

	n, _, closed := c.counts()
	assert.Zero(t, n)
	assert.Equal(t, 1, closed)
	assert.Equal(t, []string{s.ID()}, fakes[0].ClosedSubs())
}

func TestHasAuthorsFilter(t *testing.T) {
	assert.False(t, New(nil, notes, Options{}, Deps{}).HasAuthorsFilter())
	assert.True(t, New(nil, []types.Filter{{Kinds: []int{1}}, {Authors: []string{"alice"}}}, Options{}, Deps{}).HasAuthorsFilter())
}

func TestCorrectRelaySet(t *testing.T) {
	permanent := connectedFakes("wss://p.example")
	hint := relaytest.New("wss://hint.example")
	p := &stubProvider{relays: permanent, permanent: permanent}

	set := CorrectRelaySet(NewRelaySet(hint), p)
	assert.Equal(t, []string{"wss://hint.example", "wss://p.example"}, set.URLs())

	hint.SetStatus(relay.StatusConnected)
	set = CorrectRelaySet(NewRelaySet(hint), p)
	assert.Equal(t, []string{"wss://hint.example"}, set.URLs())

	idle := &stubProvider{relays: []*relaytest.FakeRelay{relaytest.New("wss://idle.example")}}
	set = CorrectRelaySet(NewRelaySet(relaytest.New("wss://x.example")), idle)
	assert.Equal(t, []string{"wss://idle.example", "wss://x.example"}, set.URLs())
}

func TestManagerRemovesStoppedSubscriptions(t *testing.T) {
	m := NewManager()
	a := New(&stubProvider{}, notes, Options{ID: "a"}, Deps{})
	b := New(&stubProvider{}, notes, Options{ID: "b"}, Deps{})
	m.Add(a)
	m.Add(b)
	assert.Equal(t, 2, m.Len())

	a.Stop()
	assert.Nil(t, m.Get("a"))
	assert.Same(t, b, m.Get("b"))

	m.StopAll()
	assert.Zero(t, m.Len())
	assert.True(t, b.Stopped())
}
