package nostr

import (
	"nostr-relaypool/internal/types"
)

// DedupEvent merges two events that share a deduplication key.
// The newer event by created_at wins (the existing one on ties) and the
// result carries the union of relays both were seen on.
func DedupEvent(existing, incoming types.Event) types.Event {
	winner, other := existing, incoming
	if incoming.CreatedAt > existing.CreatedAt {
		winner, other = incoming, existing
	}

	seen := make(map[string]struct{}, len(winner.RelaysSeen)+len(other.RelaysSeen))
	relays := make([]string, 0, len(winner.RelaysSeen)+len(other.RelaysSeen))
	for _, list := range [][]string{winner.RelaysSeen, other.RelaysSeen} {
		for _, r := range list {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			relays = append(relays, r)
		}
	}
	winner.RelaysSeen = relays
	return winner
}
