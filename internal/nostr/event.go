package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-relaypool/internal/types"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrIDMismatch     = errors.New("event id does not match its content")
	ErrBadSignature   = errors.New("invalid event signature")
)

// ParseEvent decodes the event of an EVENT message. With verify set the
// id and signature are checked as well.
func ParseEvent(raw json.RawMessage, verify bool) (types.Event, error) {
	var evt types.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return types.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(evt.ID) != 64 || len(evt.PubKey) != 64 {
		return types.Event{}, fmt.Errorf("%w: bad id or pubkey length", ErrMalformedEvent)
	}
	if verify {
		if err := VerifyEvent(&evt); err != nil {
			return types.Event{}, err
		}
	}
	return evt, nil
}

// VerifyEvent checks that the id commits to the event and that sig is the
// author's schnorr signature over it.
func VerifyEvent(evt *types.Event) error {
	if ComputeEventID(evt) != strings.ToLower(evt.ID) {
		return ErrIDMismatch
	}
	if !ValidateEventSignature(evt) {
		return ErrBadSignature
	}
	return nil
}

// ValidateEventSignature verifies Schnorr signature for a Nostr event
func ValidateEventSignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// ComputeEventID returns the hex sha256 of the NIP-01 serialization
// [0,pubkey,created_at,kind,tags,content].
func ComputeEventID(evt *types.Event) string {
	var b strings.Builder
	b.WriteString(`[0,`)
	writeJSONString(&b, evt.PubKey)
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(evt.CreatedAt, 10))
	b.WriteByte(',')
	b.WriteString(strconv.Itoa(evt.Kind))
	b.WriteString(`,[`)
	for i, tag := range evt.Tags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		for j, v := range tag {
			if j > 0 {
				b.WriteByte(',')
			}
			writeJSONString(&b, v)
		}
		b.WriteByte(']')
	}
	b.WriteString(`],`)
	writeJSONString(&b, evt.Content)
	b.WriteByte(']')

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// writeJSONString writes s with the minimal escaping NIP-01 prescribes.
// encoding/json is not used because it also escapes <, >, & and U+2028.
func writeJSONString(b *strings.Builder, s string) {
	const hexDigits = "0123456789abcdef"
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if c < 0x20 {
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[c>>4])
				b.WriteByte(hexDigits[c&0xf])
				continue
			}
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
