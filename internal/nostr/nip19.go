package nostr

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// NEvent represents a decoded nevent1... identifier
type NEvent struct {
	EventID    string   // 32-byte event ID as hex
	Author     string   // Optional 32-byte author pubkey as hex
	Kind       *uint32  // Optional kind
	RelayHints []string // Optional relay URLs
}

// NAddr represents a decoded naddr1... identifier
type NAddr struct {
	Kind       uint32   // Event kind
	Author     string   // 32-byte author pubkey as hex
	DTag       string   // d-tag identifier
	RelayHints []string // Optional relay URLs
}

// NProfile represents a decoded nprofile1... identifier
type NProfile struct {
	Pubkey     string   // 32-byte pubkey as hex
	RelayHints []string // Optional relay URLs
}

// TLV type constants for NIP-19
const (
	tlvTypeSpecial = 0 // event_id for nevent, pubkey for nprofile, d-tag for naddr
	tlvTypeRelay   = 1 // relay URL
	tlvTypeAuthor  = 2 // author pubkey
	tlvTypeKind    = 3 // kind
)

type tlvEntry struct {
	typ   byte
	value []byte
}

// decodeBech32Payload decodes a bech32 string with the expected HRP into 8-bit bytes
func decodeBech32Payload(s, wantHRP string) ([]byte, error) {
	hrp, data, err := bech32Decode(s)
	if err != nil {
		return nil, err
	}
	if hrp != wantHRP {
		return nil, fmt.Errorf("invalid hrp %q, want %q", hrp, wantHRP)
	}
	return bech32ConvertBits(data, 5, 8, false)
}

func parseTLV(data []byte) []tlvEntry {
	var entries []tlvEntry
	for i := 0; i < len(data); {
		if i+2 > len(data) {
			break
		}

		tlvType := data[i]
		tlvLen := int(data[i+1])
		i += 2

		if i+tlvLen > len(data) {
			break
		}

		entries = append(entries, tlvEntry{typ: tlvType, value: data[i : i+tlvLen]})
		i += tlvLen
	}
	return entries
}

// DecodeNEvent decodes a nevent1... bech32 string
func DecodeNEvent(nevent string) (*NEvent, error) {
	if !strings.HasPrefix(nevent, "nevent1") {
		return nil, errors.New("not a nevent")
	}

	tlvBytes, err := decodeBech32Payload(nevent, "nevent")
	if err != nil {
		return nil, err
	}

	n := &NEvent{RelayHints: []string{}}
	for _, e := range parseTLV(tlvBytes) {
		switch e.typ {
		case tlvTypeSpecial:
			if len(e.value) == 32 {
				n.EventID = hex.EncodeToString(e.value)
			}
		case tlvTypeRelay:
			n.RelayHints = append(n.RelayHints, string(e.value))
		case tlvTypeAuthor:
			if len(e.value) == 32 {
				n.Author = hex.EncodeToString(e.value)
			}
		case tlvTypeKind:
			if len(e.value) == 4 {
				k := binary.BigEndian.Uint32(e.value)
				n.Kind = &k
			}
		}
	}

	if n.EventID == "" {
		return nil, errors.New("nevent missing event ID")
	}
	return n, nil
}

// DecodeNAddr decodes a naddr1... bech32 string
func DecodeNAddr(naddr string) (*NAddr, error) {
	if !strings.HasPrefix(naddr, "naddr1") {
		return nil, errors.New("not a naddr")
	}

	tlvBytes, err := decodeBech32Payload(naddr, "naddr")
	if err != nil {
		return nil, err
	}

	n := &NAddr{RelayHints: []string{}}
	hasKind := false
	for _, e := range parseTLV(tlvBytes) {
		switch e.typ {
		case tlvTypeSpecial:
			n.DTag = string(e.value)
		case tlvTypeAuthor:
			if len(e.value) == 32 {
				n.Author = hex.EncodeToString(e.value)
			}
		case tlvTypeKind:
			if len(e.value) == 4 {
				n.Kind = binary.BigEndian.Uint32(e.value)
				hasKind = true
			}
		case tlvTypeRelay:
			n.RelayHints = append(n.RelayHints, string(e.value))
		}
	}

	if !hasKind || n.Author == "" {
		return nil, errors.New("naddr missing required fields")
	}
	return n, nil
}

// DecodeNProfile decodes a nprofile1... bech32 string
func DecodeNProfile(nprofile string) (*NProfile, error) {
	if !strings.HasPrefix(nprofile, "nprofile1") {
		return nil, errors.New("not a nprofile")
	}

	tlvBytes, err := decodeBech32Payload(nprofile, "nprofile")
	if err != nil {
		return nil, err
	}

	n := &NProfile{RelayHints: []string{}}
	for _, e := range parseTLV(tlvBytes) {
		switch e.typ {
		case tlvTypeSpecial:
			if len(e.value) == 32 {
				n.Pubkey = hex.EncodeToString(e.value)
			}
		case tlvTypeRelay:
			n.RelayHints = append(n.RelayHints, string(e.value))
		}
	}

	if n.Pubkey == "" {
		return nil, errors.New("nprofile missing pubkey")
	}
	return n, nil
}

// DecodeNote decodes a note1... bech32 string to event ID
func DecodeNote(note string) (string, error) {
	if !strings.HasPrefix(note, "note1") {
		return "", errors.New("not a note")
	}

	eventIDBytes, err := decodeBech32Payload(note, "note")
	if err != nil {
		return "", err
	}
	if len(eventIDBytes) != 32 {
		return "", errors.New("invalid note length")
	}
	return hex.EncodeToString(eventIDBytes), nil
}

// EncodeNote encodes a hex event ID to note format
func EncodeNote(hexEventID string) (string, error) {
	idBytes, err := decodeHex32(hexEventID)
	if err != nil {
		return "", err
	}
	data, err := bech32ConvertBits(idBytes, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode("note", data), nil
}

// EncodeNEvent encodes an event ID with optional author and relay hints
func EncodeNEvent(hexEventID, authorHex string, relays []string) (string, error) {
	idBytes, err := decodeHex32(hexEventID)
	if err != nil {
		return "", err
	}

	var tlvData []byte
	tlvData = appendTLV(tlvData, tlvTypeSpecial, idBytes)
	for _, r := range relays {
		tlvData = appendTLV(tlvData, tlvTypeRelay, []byte(r))
	}
	if authorHex != "" {
		authorBytes, err := decodeHex32(authorHex)
		if err != nil {
			return "", err
		}
		tlvData = appendTLV(tlvData, tlvTypeAuthor, authorBytes)
	}

	data, err := bech32ConvertBits(tlvData, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode("nevent", data), nil
}

// EncodeNAddr encodes an naddr from kind, pubkey (hex), d-tag and relay hints
func EncodeNAddr(kind uint32, pubkeyHex string, dTag string, relays []string) (string, error) {
	pubkeyBytes, err := decodeHex32(pubkeyHex)
	if err != nil {
		return "", err
	}

	var tlvData []byte
	tlvData = appendTLV(tlvData, tlvTypeSpecial, []byte(dTag))
	for _, r := range relays {
		tlvData = appendTLV(tlvData, tlvTypeRelay, []byte(r))
	}
	tlvData = appendTLV(tlvData, tlvTypeAuthor, pubkeyBytes)

	kindBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(kindBytes, kind)
	tlvData = appendTLV(tlvData, tlvTypeKind, kindBytes)

	data, err := bech32ConvertBits(tlvData, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode("naddr", data), nil
}

func appendTLV(dst []byte, typ byte, value []byte) []byte {
	dst = append(dst, typ, byte(len(value)))
	return append(dst, value...)
}

func decodeHex32(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, errors.New("invalid length, want 32 bytes")
	}
	return b, nil
}
