package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"nostr-relaypool/internal/types"
)

// ErrInvalidIdentifier is returned for identifiers that are neither a hex
// event ID, a NIP-19 note/nevent/naddr/nprofile nor a "kind:pubkey:d"
// address.
var ErrInvalidIdentifier = errors.New("invalid event identifier")

const kindProfileMetadata = 0

// FilterFromID builds a filter that selects the event named by id. An
// nprofile names the author's profile metadata (kind 0).
func FilterFromID(id string) (types.Filter, error) {
	id = strings.TrimSpace(strings.TrimPrefix(id, "nostr:"))

	switch {
	case strings.HasPrefix(id, "nevent1"):
		n, err := DecodeNEvent(id)
		if err != nil {
			return types.Filter{}, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
		}
		return types.Filter{IDs: []string{n.EventID}}, nil

	case strings.HasPrefix(id, "note1"):
		eventID, err := DecodeNote(id)
		if err != nil {
			return types.Filter{}, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
		}
		return types.Filter{IDs: []string{eventID}}, nil

	case strings.HasPrefix(id, "naddr1"):
		n, err := DecodeNAddr(id)
		if err != nil {
			return types.Filter{}, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
		}
		return addressFilter(int(n.Kind), n.Author, n.DTag), nil

	case strings.HasPrefix(id, "nprofile1"):
		n, err := DecodeNProfile(id)
		if err != nil {
			return types.Filter{}, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
		}
		return types.Filter{Authors: []string{n.Pubkey}, Kinds: []int{kindProfileMetadata}}, nil

	case IsAddressValue(id):
		kind, pubkey, dTag, _ := parseAddress(id)
		return addressFilter(kind, pubkey, dTag), nil

	case isHexID(id):
		return types.Filter{IDs: []string{strings.ToLower(id)}}, nil
	}

	return types.Filter{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
}

// RelaysFromID returns the relay hints embedded in a nevent, naddr or
// nprofile.
// Other identifier forms carry no hints.
func RelaysFromID(id string) []string {
	id = strings.TrimPrefix(id, "nostr:")

	var hints []string
	switch {
	case strings.HasPrefix(id, "nevent1"):
		if n, err := DecodeNEvent(id); err == nil {
			hints = n.RelayHints
		}
	case strings.HasPrefix(id, "naddr1"):
		if n, err := DecodeNAddr(id); err == nil {
			hints = n.RelayHints
		}
	case strings.HasPrefix(id, "nprofile1"):
		if n, err := DecodeNProfile(id); err == nil {
			hints = n.RelayHints
		}
	}
	return NormalizeRelayURLs(hints)
}

// IsAddressValue reports whether s is a NIP-33 "kind:pubkey:d" address.
func IsAddressValue(s string) bool {
	_, _, _, ok := parseAddress(s)
	return ok
}

func parseAddress(s string) (kind int, pubkey, dTag string, ok bool) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return 0, "", "", false
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil || kind < 0 {
		return 0, "", "", false
	}
	if !isHexID(parts[1]) {
		return 0, "", "", false
	}
	return kind, strings.ToLower(parts[1]), parts[2], true
}

func addressFilter(kind int, pubkey, dTag string) types.Filter {
	return types.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{kind},
		Tags:    map[string][]string{"d": {dTag}},
	}
}

func isHexID(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
