// Package outbox tracks the NIP-65 relay lists of authors a client
// subscribes to.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/types"
	"nostr-relaypool/internal/util"
)

// KindRelayList is the NIP-65 relay list metadata kind.
const KindRelayList = 10002

const (
	defaultTTL      = 30 * time.Minute
	defaultCapacity = 5000
	trackTimeout    = 10 * time.Second
)

// Fetcher returns the events matching filters. The tracker uses it to
// load relay lists.
type Fetcher func(ctx context.Context, filters []types.Filter) ([]types.Event, error)

// entry is a cached lookup; a nil list means the author has none.
type entry struct {
	list *types.RelayList
}

// Tracker caches author relay lists.
type Tracker struct {
	fetch Fetcher
	cache *expirable.LRU[string, entry]
	group singleflight.Group
	log   *slog.Logger

	wg sync.WaitGroup
}

// New creates a tracker. ttl and capacity fall back to defaults when zero.
func New(fetch Fetcher, ttl time.Duration, capacity int, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		fetch: fetch,
		cache: expirable.NewLRU[string, entry](capacity, nil, ttl),
		log:   logger.With("component", "outbox"),
	}
}

// TrackUsers loads relay lists for pubkeys in the background. Authors
// already cached are skipped.
func (t *Tracker) TrackUsers(pubkeys []string) {
	missing := make([]string, 0, len(pubkeys))
	for _, pk := range util.Dedupe(pubkeys) {
		if _, ok := t.cache.Get(pk); !ok {
			missing = append(missing, pk)
		}
	}
	if len(missing) == 0 {
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), trackTimeout)
		defer cancel()
		for _, pk := range missing {
			if _, err := t.RelayList(ctx, pk); err != nil {
				t.log.Debug("relay list lookup failed", "pubkey", nostr.ShortID(pk), "error", err)
			}
		}
	}()
}

// Wait blocks until background tracking started so far has finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// RelayList returns the relay list of pubkey, or nil when the author has
// not published one. Concurrent lookups of the same author share a fetch.
func (t *Tracker) RelayList(ctx context.Context, pubkey string) (*types.RelayList, error) {
	if e, ok := t.cache.Get(pubkey); ok {
		return e.list, nil
	}

	result, err, shared := t.group.Do(pubkey, func() (interface{}, error) {
		events, err := t.fetch(ctx, []types.Filter{{
			Kinds:   []int{KindRelayList},
			Authors: []string{pubkey},
			Limit:   1,
		}})
		if err != nil {
			return nil, err
		}

		var newest *types.Event
		for i := range events {
			if events[i].PubKey != pubkey || events[i].Kind != KindRelayList {
				continue
			}
			if newest == nil || events[i].CreatedAt > newest.CreatedAt {
				newest = &events[i]
			}
		}

		e := entry{}
		if newest != nil {
			list := types.RelayListFromEvent(newest)
			list.Read = nostr.NormalizeRelayURLs(list.Read)
			list.Write = nostr.NormalizeRelayURLs(list.Write)
			e.list = list
		}
		t.cache.Add(pubkey, e)
		return e.list, nil
	})
	if shared {
		t.log.Debug("shared relay list fetch", "pubkey", nostr.ShortID(pubkey))
	}
	if err != nil {
		return nil, err
	}
	list, _ := result.(*types.RelayList)
	return list, nil
}

// WriteRelays returns the union of cached write relays for pubkeys.
// Authors not yet tracked contribute nothing.
func (t *Tracker) WriteRelays(pubkeys []string) []string {
	var urls []string
	for _, pk := range pubkeys {
		e, ok := t.cache.Get(pk)
		if !ok || e.list == nil {
			continue
		}
		urls = append(urls, e.list.Write...)
	}
	return util.SortedCopy(util.Dedupe(urls))
}
