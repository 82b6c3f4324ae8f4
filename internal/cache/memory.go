package cache

import (
	"context"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"nostr-relaypool/internal/types"
)

// Memory is an in-process Adapter and EventStore backed by expiring LRUs.
// Replaceable events are stored under their deduplication key so only the
// newest version is kept.
type Memory struct {
	statuses *expirable.LRU[string, RelayStatus]
	events   *expirable.LRU[string, types.Event]
}

// NewMemory creates an in-memory cache
func NewMemory(cfg Config) *Memory {
	cfg = cfg.withDefaults()
	return &Memory{
		statuses: expirable.NewLRU[string, RelayStatus](cfg.MaxRelayStatuses, nil, cfg.RelayStatusTTL),
		events:   expirable.NewLRU[string, types.Event](cfg.MaxEvents, nil, cfg.EventTTL),
	}
}

func (m *Memory) RelayStatus(ctx context.Context, url string) (*RelayStatus, error) {
	status, ok := m.statuses.Get(url)
	if !ok {
		return nil, nil
	}
	return &status, nil
}

func (m *Memory) UpdateRelayStatus(ctx context.Context, url string, status RelayStatus) error {
	m.statuses.Add(url, status)
	return nil
}

func (m *Memory) StoreEvent(ctx context.Context, evt types.Event) error {
	key := evt.DeduplicationKey()
	if existing, ok := m.events.Peek(key); ok && existing.CreatedAt >= evt.CreatedAt {
		return nil
	}
	evt.RelaysSeen = nil
	m.events.Add(key, evt)
	return nil
}

func (m *Memory) QueryEvents(ctx context.Context, filters []types.Filter) ([]types.Event, error) {
	return selectMatching(m.events.Values(), filters), nil
}

// Len returns the number of cached events.
func (m *Memory) Len() int {
	return m.events.Len()
}
