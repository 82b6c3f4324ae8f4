package subscription

import (
	"sort"
	"time"

	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/types"
)

// RelayProvider is the part of a pool a subscription needs.
type RelayProvider interface {
	GetRelay(url string, connect, temporary bool, filters []types.Filter) (relay.Relay, error)
	UseTemporaryRelay(r relay.Relay, ttl time.Duration, filters []types.Filter)
	ConnectedRelays() []relay.Relay
	PermanentAndConnectedRelays() []relay.Relay
	Relays() []relay.Relay
}

// RelaySet is an explicit, de-duplicated set of relays keyed by URL.
type RelaySet struct {
	relays map[string]relay.Relay
}

// NewRelaySet builds a set from relays; later duplicates of a URL are ignored.
func NewRelaySet(relays ...relay.Relay) *RelaySet {
	s := &RelaySet{relays: make(map[string]relay.Relay, len(relays))}
	for _, r := range relays {
		s.Add(r)
	}
	return s
}

// RelaySetFromURLs resolves urls through the provider as temporary relays.
// Invalid URLs are skipped.
func RelaySetFromURLs(p RelayProvider, urls []string, filters []types.Filter) *RelaySet {
	s := NewRelaySet()
	for _, url := range urls {
		r, err := p.GetRelay(url, true, true, filters)
		if err != nil {
			continue
		}
		s.Add(r)
	}
	return s
}

func (s *RelaySet) Add(r relay.Relay) {
	if _, ok := s.relays[r.URL()]; !ok {
		s.relays[r.URL()] = r
	}
}

func (s *RelaySet) Contains(url string) bool {
	_, ok := s.relays[url]
	return ok
}

func (s *RelaySet) Size() int {
	return len(s.relays)
}

// Relays returns the members sorted by URL.
func (s *RelaySet) Relays() []relay.Relay {
	urls := s.URLs()
	out := make([]relay.Relay, len(urls))
	for i, u := range urls {
		out[i] = s.relays[u]
	}
	return out
}

// URLs returns the member URLs, sorted.
func (s *RelaySet) URLs() []string {
	urls := make([]string, 0, len(s.relays))
	for u := range s.relays {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

// CorrectRelaySet makes sure a hinted relay set can actually be served: if
// none of its relays is connected, the pool's permanent connected relays are
// added, and if nothing at all is connected, every pool relay is.
func CorrectRelaySet(set *RelaySet, p RelayProvider) *RelaySet {
	for _, r := range set.Relays() {
		if r.Status().IsConnected() {
			return set
		}
	}

	connected := p.PermanentAndConnectedRelays()
	for _, r := range connected {
		set.Add(r)
	}
	if len(connected) == 0 {
		for _, r := range p.Relays() {
			set.Add(r)
		}
	}
	return set
}
