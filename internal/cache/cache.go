// Package cache defines what the relay pool and fetcher expect from a cache
// and provides in-memory and Redis implementations.
package cache

import (
	"context"
	"sort"
	"time"

	"nostr-relaypool/internal/types"
)

// RelayStatus is what the cache remembers about a relay between sessions.
type RelayStatus struct {
	// DontConnectBefore holds back connection attempts until this time.
	DontConnectBefore time.Time `json:"dont_connect_before"`
}

// Adapter is the minimal cache contract used by the pool.
type Adapter interface {
	// RelayStatus returns the stored status for url, or nil if none.
	RelayStatus(ctx context.Context, url string) (*RelayStatus, error)
	UpdateRelayStatus(ctx context.Context, url string, status RelayStatus) error
}

// EventStore is implemented by adapters that can also answer event queries.
type EventStore interface {
	QueryEvents(ctx context.Context, filters []types.Filter) ([]types.Event, error)
	StoreEvent(ctx context.Context, evt types.Event) error
}

// Initializer is implemented by adapters that need setup before use.
// Subscriptions wait for Ready before starting.
type Initializer interface {
	Ready() bool
	Initialize(ctx context.Context) error
}

// selectMatching applies filters to candidates. Each filter contributes its
// newest matches up to its own limit; the union is returned newest first.
func selectMatching(candidates []types.Event, filters []types.Filter) []types.Event {
	sorted := make([]types.Event, len(candidates))
	copy(sorted, candidates)
	sortNewestFirst(sorted)

	seen := make(map[string]struct{})
	var out []types.Event
	for _, f := range filters {
		n := 0
		for _, evt := range sorted {
			if f.Limit > 0 && n >= f.Limit {
				break
			}
			if !f.Matches(&evt) {
				continue
			}
			n++
			if _, dup := seen[evt.ID]; dup {
				continue
			}
			seen[evt.ID] = struct{}{}
			out = append(out, evt)
		}
	}
	sortNewestFirst(out)
	return out
}

func sortNewestFirst(events []types.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}
