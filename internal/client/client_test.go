package client

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-relaypool/internal/cache"
	"nostr-relaypool/internal/config"
	"nostr-relaypool/internal/logging"
	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/outbox"
	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/relay/relaytest"
	"nostr-relaypool/internal/subscription"
	"nostr-relaypool/internal/types"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

var (
	alice   = strings.Repeat("a1", 32)
	eventID = strings.Repeat("e5", 32)
)

// fakeFactory hands out fake relays and remembers them by URL.
type fakeFactory struct {
	mu     sync.Mutex
	relays map[string]*relaytest.FakeRelay
	// offline URLs start disconnected
	offline map[string]bool
}

func newFakeFactory(offline ...string) *fakeFactory {
	f := &fakeFactory{relays: make(map[string]*relaytest.FakeRelay), offline: make(map[string]bool)}
	for _, u := range offline {
		f.offline[u] = true
	}
	return f
}

func (f *fakeFactory) New(url string) (relay.Relay, error) {
	r := relaytest.New(url)
	if !f.offline[url] {
		r.SetStatus(relay.StatusConnected)
	}
	f.mu.Lock()
	f.relays[url] = r
	f.mu.Unlock()
	return r, nil
}

func (f *fakeFactory) get(url string) *relaytest.FakeRelay {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.relays[url]
}

type testEnv struct {
	client  *Client
	mock    *clock.Mock
	factory *fakeFactory
}

func newTestClient(t *testing.T, opts Options, offline ...string) *testEnv {
	t.Helper()
	env := &testEnv{mock: clock.NewMock(), factory: newFakeFactory(offline...)}
	opts.Clock = env.mock
	opts.NewRelay = env.factory.New
	if opts.ExplicitRelays == nil {
		opts.ExplicitRelays = []string{"wss://a.example", "wss://b.example"}
	}
	env.client = New(opts)
	t.Cleanup(func() { env.client.Close() })
	return env
}

func (e *testEnv) relay(url string) *relaytest.FakeRelay {
	return e.factory.get(url)
}

// waitForSub waits until r has an open subscription with a kind in kinds
// (any subscription when kinds is empty) and returns its id.
func waitForSub(t *testing.T, r *relaytest.FakeRelay, kinds ...int) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		for _, sub := range r.OpenSubs() {
			filters := r.Filters(sub)
			if len(kinds) == 0 || (len(filters) > 0 && len(filters[0].Kinds) > 0 && filters[0].Kinds[0] == kinds[0]) {
				id = sub
				return true
			}
		}
		return false
	}, waitFor, tick)
	return id
}

type fetchResult struct {
	evt *types.Event
	err error
}

func profile(createdAt int64) types.Event {
	return types.Event{ID: fmt.Sprintf("%064d", createdAt), PubKey: alice, Kind: 0, CreatedAt: createdAt}
}

func TestFetchReplaceableKeepsNewest(t *testing.T) {
	env := newTestClient(t, Options{})
	a := env.relay("wss://a.example")
	b := env.relay("wss://b.example")

	res := make(chan fetchResult, 1)
	go func() {
		evt, err := env.client.FetchEventByFilter(context.Background(),
			[]types.Filter{{Kinds: []int{0}, Authors: []string{alice}}}, nil)
		res <- fetchResult{evt, err}
	}()

	waitForSub(t, a)
	waitForSub(t, b)
	a.Deliver(profile(10))
	b.Deliver(profile(30))
	a.Deliver(profile(20))
	a.SendEOSE()
	b.SendEOSE()

	r := <-res
	require.NoError(t, r.err)
	require.NotNil(t, r.evt)
	assert.EqualValues(t, 30, r.evt.CreatedAt)
	assert.Zero(t, env.client.Subscriptions().Len())
}

func TestFetchNonReplaceableResolvesImmediately(t *testing.T) {
	env := newTestClient(t, Options{})
	a := env.relay("wss://a.example")

	res := make(chan fetchResult, 1)
	go func() {
		evt, err := env.client.FetchEvent(context.Background(), eventID, nil)
		res <- fetchResult{evt, err}
	}()

	sub := waitForSub(t, a)
	assert.Equal(t, []string{eventID}, a.Filters(sub)[0].IDs)
	a.Deliver(types.Event{ID: eventID, PubKey: alice, Kind: 1, CreatedAt: 5})

	select {
	case r := <-res:
		require.NoError(t, r.err)
		require.NotNil(t, r.evt)
		assert.Equal(t, eventID, r.evt.ID)
	case <-time.After(waitFor):
		t.Fatal("fetch did not resolve before EOSE")
	}
	assert.Contains(t, a.ClosedSubs(), sub)
}

func TestFetchLogsThroughContextLogger(t *testing.T) {
	env := newTestClient(t, Options{})
	a := env.relay("wss://a.example")

	var buf bytes.Buffer
	ctx := logging.WithContext(context.Background(), logging.New(&buf, slog.LevelDebug).With("request", "r1"))

	res := make(chan fetchResult, 1)
	go func() {
		_, err := env.client.FetchEvents(ctx, []types.Filter{{Kinds: []int{1}}}, nil)
		res <- fetchResult{err: err}
	}()
	waitForSub(t, a)

	var r fetchResult
	require.Eventually(t, func() bool {
		env.mock.Add(time.Second)
		select {
		case r = <-res:
			return true
		default:
			return false
		}
	}, waitFor, tick)
	require.NoError(t, r.err)
	assert.Contains(t, buf.String(), "fetch timed out")
	assert.Contains(t, buf.String(), `"request":"r1"`)
}

func TestFetchTimesOutWithNil(t *testing.T) {
	env := newTestClient(t, Options{})
	a := env.relay("wss://a.example")

	res := make(chan fetchResult, 1)
	go func() {
		evt, err := env.client.FetchEventByFilter(context.Background(),
			[]types.Filter{{Kinds: []int{0}, Authors: []string{alice}}}, nil)
		res <- fetchResult{evt, err}
	}()
	waitForSub(t, a)

	var r fetchResult
	require.Eventually(t, func() bool {
		env.mock.Add(time.Second)
		select {
		case r = <-res:
			return true
		default:
			return false
		}
	}, waitFor, tick)
	require.NoError(t, r.err)
	assert.Nil(t, r.evt)
}

func TestFetchTimeoutReturnsHeldReplaceable(t *testing.T) {
	env := newTestClient(t, Options{})
	a := env.relay("wss://a.example")

	res := make(chan fetchResult, 1)
	go func() {
		evt, err := env.client.FetchEventByFilter(context.Background(),
			[]types.Filter{{Kinds: []int{0}, Authors: []string{alice}}}, &FetchOptions{Timeout: 3 * time.Second})
		res <- fetchResult{evt, err}
	}()
	waitForSub(t, a)
	a.Deliver(profile(7))

	var r fetchResult
	require.Eventually(t, func() bool {
		env.mock.Add(time.Second)
		select {
		case r = <-res:
			return true
		default:
			return false
		}
	}, waitFor, tick)
	require.NotNil(t, r.evt)
	assert.EqualValues(t, 7, r.evt.CreatedAt)
}

func TestFetchCanceledByContext(t *testing.T) {
	env := newTestClient(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	res := make(chan fetchResult, 1)
	go func() {
		evt, err := env.client.FetchEventByFilter(ctx, []types.Filter{{Kinds: []int{1}}}, nil)
		res <- fetchResult{evt, err}
	}()
	waitForSub(t, env.relay("wss://a.example"))
	cancel()

	r := <-res
	assert.ErrorIs(t, r.err, context.Canceled)
}

func TestFetchEventUsesRelayHints(t *testing.T) {
	env := newTestClient(t, Options{})
	nevent, err := nostr.EncodeNEvent(eventID, alice, []string{"wss://hint.example"})
	require.NoError(t, err)

	go env.client.FetchEvent(context.Background(), nevent, nil)

	hint := func() *relaytest.FakeRelay { return env.relay("wss://hint.example") }
	require.Eventually(t, func() bool { return hint() != nil }, waitFor, tick)
	waitForSub(t, hint())
	assert.True(t, env.client.Pool().IsTemporary("wss://hint.example"))
	assert.Empty(t, env.relay("wss://a.example").OpenSubs(), "a connected hint needs no pool relays")
}

func TestFetchEventCorrectsUnreachableHints(t *testing.T) {
	env := newTestClient(t, Options{}, "wss://hint.example")
	nevent, err := nostr.EncodeNEvent(eventID, alice, []string{"wss://hint.example"})
	require.NoError(t, err)

	go env.client.FetchEvent(context.Background(), nevent, nil)

	waitForSub(t, env.relay("wss://a.example"))
	waitForSub(t, env.relay("wss://b.example"))
	waitForSub(t, env.relay("wss://hint.example"))
}

func TestFetchEventRejectsBadIdentifier(t *testing.T) {
	env := newTestClient(t, Options{})
	_, err := env.client.FetchEvent(context.Background(), "npub1nope", nil)
	assert.ErrorIs(t, err, nostr.ErrInvalidIdentifier)
}

func TestFetchEventsMergesByDedupKey(t *testing.T) {
	env := newTestClient(t, Options{})
	a := env.relay("wss://a.example")
	b := env.relay("wss://b.example")

	type result struct {
		events []types.Event
		err    error
	}
	res := make(chan result, 1)
	go func() {
		events, err := env.client.FetchEvents(context.Background(), []types.Filter{{Authors: []string{alice}}}, nil)
		res <- result{events, err}
	}()
	waitForSub(t, a)
	waitForSub(t, b)

	older := profile(10)
	newer := profile(20)
	a.Deliver(older)
	b.Deliver(newer)
	b.Deliver(types.Event{ID: eventID, PubKey: alice, Kind: 1, CreatedAt: 15})
	a.SendEOSE()
	b.SendEOSE()

	r := <-res
	require.NoError(t, r.err)
	require.Len(t, r.events, 2)
	assert.EqualValues(t, 20, r.events[0].CreatedAt)
	assert.ElementsMatch(t, []string{"wss://a.example", "wss://b.example"}, r.events[0].RelaysSeen)
	assert.Equal(t, eventID, r.events[1].ID)
}

func TestFetchEventsCustomDedupKey(t *testing.T) {
	env := newTestClient(t, Options{ExplicitRelays: []string{"wss://a.example"}})
	a := env.relay("wss://a.example")

	res := make(chan []types.Event, 1)
	go func() {
		events, _ := env.client.FetchEvents(context.Background(), []types.Filter{{Kinds: []int{0}}},
			&FetchOptions{DedupKey: func(evt *types.Event) string { return evt.ID }})
		res <- events
	}()
	waitForSub(t, a)
	a.Deliver(profile(1))
	a.Deliver(profile(2))
	a.SendEOSE()

	assert.Len(t, <-res, 2)
}

func TestFetchRequiresFilters(t *testing.T) {
	env := newTestClient(t, Options{})
	ctx := context.Background()

	_, err := env.client.FetchEvents(ctx, nil, nil)
	assert.ErrorIs(t, err, ErrEmptyFilter)
	_, err = env.client.FetchEventByFilter(ctx, []types.Filter{}, nil)
	assert.ErrorIs(t, err, ErrEmptyFilter)
}

func TestFetchEventsFromCache(t *testing.T) {
	env := newTestClient(t, Options{})
	_, err := env.client.FetchEventsFromCache(context.Background(), []types.Filter{{Kinds: []int{1}}})
	assert.ErrorIs(t, err, ErrNoCacheAdapter)

	store := cache.NewMemory(cache.DefaultConfig())
	require.NoError(t, store.StoreEvent(context.Background(), types.Event{ID: "old", Kind: 1, CreatedAt: 1}))
	require.NoError(t, store.StoreEvent(context.Background(), types.Event{ID: "new", Kind: 1, CreatedAt: 2}))

	cached := newTestClient(t, Options{Cache: store})
	events, err := cached.client.FetchEventsFromCache(context.Background(), []types.Filter{{Kinds: []int{1}}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "new", events[0].ID)
}

func TestSubscribeMergesHandlersAndUsesTemporaryRelays(t *testing.T) {
	env := newTestClient(t, Options{})

	var got []string
	var mu sync.Mutex
	sub := env.client.Subscribe([]types.Filter{{Kinds: []int{1}}},
		&subscription.Options{RelayURLs: []string{"wss://temp.example"}},
		&subscription.Handlers{OnEvent: func(evt types.Event, relayURL string) {
			mu.Lock()
			got = append(got, relayURL)
			mu.Unlock()
		}})

	assert.True(t, env.client.Pool().IsTemporary("wss://temp.example"))
	assert.Same(t, sub, env.client.Subscriptions().Get(sub.ID()))

	temp := env.relay("wss://temp.example")
	waitForSub(t, temp)
	assert.Empty(t, env.relay("wss://a.example").OpenSubs())

	temp.Deliver(types.Event{ID: eventID, Kind: 1})
	mu.Lock()
	assert.Equal(t, []string{"wss://temp.example"}, got)
	mu.Unlock()

	sub.Stop()
	assert.Nil(t, env.client.Subscriptions().Get(sub.ID()))
}

func TestSubscribeManualStart(t *testing.T) {
	env := newTestClient(t, Options{})
	a := env.relay("wss://a.example")

	sub := env.client.Subscribe([]types.Filter{{Kinds: []int{1}}}, &subscription.Options{ManualStart: true}, nil)
	assert.Never(t, func() bool { return len(a.OpenSubs()) > 0 }, 50*time.Millisecond, tick)

	sub.Start()
	assert.Equal(t, []string{sub.ID()}, a.OpenSubs())
}

func TestSubscribeTracksAuthorsInOutbox(t *testing.T) {
	env := newTestClient(t, Options{EnableOutbox: true, ExplicitRelays: []string{"wss://a.example"}})
	a := env.relay("wss://a.example")

	env.client.Subscribe([]types.Filter{{Kinds: []int{1}, Authors: []string{alice}}}, nil, nil)

	waitForSub(t, a, 1)
	waitForSub(t, a, outbox.KindRelayList)
	a.Deliver(types.Event{
		ID: eventID, PubKey: alice, Kind: outbox.KindRelayList, CreatedAt: 1,
		Tags: [][]string{{"r", "wss://alice.example", "write"}},
	})
	a.SendEOSE()

	env.client.Outbox().Wait()
	assert.Equal(t, []string{"wss://alice.example"}, env.client.Outbox().WriteRelays([]string{alice}))
}

func TestExplicitRelays(t *testing.T) {
	env := newTestClient(t, Options{})

	assert.True(t, env.client.IsExplicitRelay("WSS://A.example/"))
	assert.False(t, env.client.IsExplicitRelay("wss://c.example"))
	assert.Error(t, env.client.AddExplicitRelay("not a url"))

	require.NoError(t, env.client.AddExplicitRelay("wss://c.example"))
	assert.Equal(t, 3, env.client.Pool().Size())
	assert.False(t, env.client.Pool().IsTemporary("wss://c.example"))
}

func TestCloseStopsSubscriptions(t *testing.T) {
	env := newTestClient(t, Options{})
	sub := env.client.Subscribe([]types.Filter{{Kinds: []int{1}}}, nil, nil)
	waitForSub(t, env.relay("wss://a.example"))

	require.NoError(t, env.client.Close())
	assert.True(t, sub.Stopped())
	assert.Zero(t, env.client.Pool().Size())
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Relays.Explicit = []string{"wss://relay.example", "ws://10.0.0.1"}
	cfg.Outbox.Enabled = false

	c, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	assert.Equal(t, []string{"wss://relay.example"}, c.Pool().URLs())
	assert.Nil(t, c.Outbox())
	_, err = c.FetchEventsFromCache(context.Background(), []types.Filter{{Kinds: []int{1}}})
	assert.NoError(t, err)
}
