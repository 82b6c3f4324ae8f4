package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"nostr-relaypool/internal/cache"
	"nostr-relaypool/internal/logging"
	"nostr-relaypool/internal/metrics"
	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/subscription"
	"nostr-relaypool/internal/types"
)

const (
	fetchKindEvent  = "event"
	fetchKindEvents = "events"
)

// FetchOptions tunes a fetch. A nil *FetchOptions uses the defaults.
type FetchOptions struct {
	// Subscription is the base for the fetch's subscription. CloseOnEose
	// is always set.
	Subscription *subscription.Options
	RelaySet     *subscription.RelaySet
	// DedupKey groups events in FetchEvents; DeduplicationKey by default.
	DedupKey func(evt *types.Event) string
	// Dedup merges two events with the same key; nostr.DedupEvent by default.
	Dedup func(existing, incoming types.Event) types.Event
	// Timeout overrides the client's fetch ceiling.
	Timeout time.Duration
}

func (o *FetchOptions) orDefault() *FetchOptions {
	if o == nil {
		return &FetchOptions{}
	}
	return o
}

func (c *Client) timeout(o *FetchOptions) time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return c.fetchTimeout
}

// FetchEvent fetches one event by hex ID, note, nevent, naddr or
// "kind:pubkey:d" address. Relay hints in nevent and naddr are used unless
// opts names a relay set. It returns nil without error when nothing is
// found before EOSE or the fetch ceiling.
func (c *Client) FetchEvent(ctx context.Context, id string, opts *FetchOptions) (*types.Event, error) {
	filter, err := nostr.FilterFromID(id)
	if err != nil {
		return nil, err
	}
	filters := []types.Filter{filter}
	opts = opts.orDefault()

	relaySet := opts.RelaySet
	if relaySet == nil && !nostr.IsAddressValue(id) {
		if hints := nostr.RelaysFromID(id); len(hints) > 0 {
			set := subscription.RelaySetFromURLs(c.pool, hints, filters)
			if set.Size() > 0 {
				relaySet = subscription.CorrectRelaySet(set, c.pool)
			}
		}
	}

	return c.fetchOne(ctx, filters, relaySet, opts)
}

// FetchEventByFilter returns the first matching event. For replaceable
// kinds it waits for EOSE and returns the newest version seen.
func (c *Client) FetchEventByFilter(ctx context.Context, filters []types.Filter, opts *FetchOptions) (*types.Event, error) {
	if len(filters) == 0 {
		return nil, ErrEmptyFilter
	}
	opts = opts.orDefault()
	return c.fetchOne(ctx, filters, opts.RelaySet, opts)
}

func (c *Client) fetchOne(ctx context.Context, filters []types.Filter, relaySet *subscription.RelaySet, opts *FetchOptions) (*types.Event, error) {
	start := c.clock.Now()
	// The ceiling starts before the subscription so it covers connecting
	timer := c.clock.Timer(c.timeout(opts))
	defer timer.Stop()

	var (
		mu   sync.Mutex
		held *types.Event
	)
	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	process := func(evt types.Event) {
		mu.Lock()
		defer mu.Unlock()
		if !evt.IsReplaceable() {
			if held == nil || held.IsReplaceable() {
				held = &evt
			}
			finish()
			return
		}
		if held == nil || (held.IsReplaceable() && evt.CreatedAt > held.CreatedAt) {
			held = &evt
		}
	}

	o := fetchSubscriptionOptions(opts, relaySet)
	o.Handlers = subscription.Handlers{
		OnEvent: func(evt types.Event, _ string) { process(evt) },
		OnEvents: func(events []types.Event) {
			for _, evt := range events {
				process(evt)
			}
		},
		OnEose:  finish,
		OnClose: finish,
	}
	sub := c.subscribe(filters, &o, nil, true)
	defer sub.Stop()

	outcome := metrics.OutcomeEOSE
	select {
	case <-done:
	case <-timer.C:
		outcome = metrics.OutcomeTimeout
		logging.FromContext(ctx, c.log).Debug("fetch timed out", "sub_id", sub.ID())
	case <-ctx.Done():
		c.metrics.RecordFetch(fetchKindEvent, metrics.OutcomeCanceled, c.clock.Since(start))
		return nil, ctx.Err()
	}

	mu.Lock()
	result := held
	mu.Unlock()
	if result != nil && outcome == metrics.OutcomeEOSE {
		outcome = metrics.OutcomeEvent
	}
	c.metrics.RecordFetch(fetchKindEvent, outcome, c.clock.Since(start))
	return result, nil
}

// FetchEvents collects every matching event until EOSE or the fetch
// ceiling. Events sharing a dedup key are merged. The result is ordered
// newest first.
func (c *Client) FetchEvents(ctx context.Context, filters []types.Filter, opts *FetchOptions) ([]types.Event, error) {
	if len(filters) == 0 {
		return nil, ErrEmptyFilter
	}
	return c.fetchEvents(ctx, filters, opts, true)
}

func (c *Client) fetchEvents(ctx context.Context, filters []types.Filter, opts *FetchOptions, trackOutbox bool) ([]types.Event, error) {
	opts = opts.orDefault()
	keyOf := opts.DedupKey
	if keyOf == nil {
		keyOf = (*types.Event).DeduplicationKey
	}
	merge := opts.Dedup
	if merge == nil {
		merge = nostr.DedupEvent
	}

	start := c.clock.Now()
	timer := c.clock.Timer(c.timeout(opts))
	defer timer.Stop()

	var mu sync.Mutex
	byKey := make(map[string]types.Event)
	add := func(evt types.Event) {
		key := keyOf(&evt)
		mu.Lock()
		defer mu.Unlock()
		if existing, ok := byKey[key]; ok {
			byKey[key] = merge(existing, evt)
			return
		}
		byKey[key] = evt
	}

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	o := fetchSubscriptionOptions(opts, opts.RelaySet)
	o.Handlers = subscription.Handlers{
		OnEvent: func(evt types.Event, _ string) { add(evt) },
		OnEvents: func(events []types.Event) {
			for _, evt := range events {
				add(evt)
			}
		},
		OnEose:  finish,
		OnClose: finish,
	}
	sub := c.subscribe(filters, &o, nil, trackOutbox)
	defer sub.Stop()

	outcome := metrics.OutcomeEOSE
	select {
	case <-done:
	case <-timer.C:
		outcome = metrics.OutcomeTimeout
		logging.FromContext(ctx, c.log).Debug("fetch timed out, returning partial result", "sub_id", sub.ID())
	case <-ctx.Done():
		c.metrics.RecordFetch(fetchKindEvents, metrics.OutcomeCanceled, c.clock.Since(start))
		return nil, ctx.Err()
	}

	mu.Lock()
	events := make([]types.Event, 0, len(byKey))
	for _, evt := range byKey {
		events = append(events, evt)
	}
	mu.Unlock()
	sortNewestFirst(events)

	c.metrics.RecordFetch(fetchKindEvents, outcome, c.clock.Since(start))
	return events, nil
}

// FetchEventsFromCache queries the cache only.
func (c *Client) FetchEventsFromCache(ctx context.Context, filters []types.Filter) ([]types.Event, error) {
	if len(filters) == 0 {
		return nil, ErrEmptyFilter
	}
	store, ok := c.cache.(cache.EventStore)
	if !ok {
		return nil, ErrNoCacheAdapter
	}
	events, err := store.QueryEvents(ctx, filters)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(events)
	return events, nil
}

func fetchSubscriptionOptions(opts *FetchOptions, relaySet *subscription.RelaySet) subscription.Options {
	var o subscription.Options
	if opts.Subscription != nil {
		o = *opts.Subscription
	}
	o.CloseOnEose = true
	o.ManualStart = false
	if relaySet != nil {
		o.RelaySet = relaySet
	}
	return o
}

func sortNewestFirst(events []types.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}
