// Package types provides shared type definitions used across internal packages.
package types

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID         string     `json:"id"`
	PubKey     string     `json:"pubkey"`
	CreatedAt  int64      `json:"created_at"`
	Kind       int        `json:"kind"`
	Tags       [][]string `json:"tags"`
	Content    string     `json:"content"`
	Sig        string     `json:"sig"`
	RelaysSeen []string   `json:"-"`
}

// IsReplaceableKind reports whether only the newest event of this kind per
// author (and d-tag, for parameterized kinds) is current.
func IsReplaceableKind(kind int) bool {
	return kind == 0 || kind == 3 ||
		(kind >= 10000 && kind < 20000) ||
		IsParamReplaceableKind(kind)
}

// IsParamReplaceableKind reports whether kind is addressable (NIP-33).
func IsParamReplaceableKind(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// IsReplaceable reports whether the event is of a replaceable kind.
func (e *Event) IsReplaceable() bool {
	return IsReplaceableKind(e.Kind)
}

// IsParamReplaceable reports whether the event is of an addressable kind.
func (e *Event) IsParamReplaceable() bool {
	return IsParamReplaceableKind(e.Kind)
}

// TagValue returns the first value of the first tag with the given name.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagAddress returns the "kind:pubkey:d" address of an addressable event.
func (e *Event) TagAddress() string {
	return strconv.Itoa(e.Kind) + ":" + e.PubKey + ":" + e.TagValue("d")
}

// DeduplicationKey identifies the logical entity an event represents.
// Kinds 0, 3 and 10000-19999 collapse to kind:pubkey, addressable kinds to
// kind:pubkey:d, everything else to the event ID.
func (e *Event) DeduplicationKey() string {
	if e.Kind == 0 || e.Kind == 3 || (e.Kind >= 10000 && e.Kind < 20000) {
		return strconv.Itoa(e.Kind) + ":" + e.PubKey
	}
	if e.IsParamReplaceable() {
		return e.TagAddress()
	}
	return e.ID
}

// Filter represents a Nostr subscription filter (NIP-01).
// Tags is keyed by the single-letter tag name without the '#' prefix.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   int
	Search  string // NIP-50 search query
}

// IsEmpty reports whether the filter has no constraints at all.
func (f Filter) IsEmpty() bool {
	return len(f.IDs) == 0 && len(f.Authors) == 0 && len(f.Kinds) == 0 &&
		len(f.Tags) == 0 && f.Since == nil && f.Until == nil &&
		f.Limit == 0 && f.Search == ""
}

// MarshalJSON encodes the filter in its NIP-01 wire form.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		if len(values) > 0 {
			m["#"+name] = values
		}
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	if f.Search != "" {
		m["search"] = f.Search
	}
	return json.Marshal(m)
}

// Matches reports whether evt satisfies every constraint of the filter.
// Limit and Search are relay-side concerns and are not checked.
func (f Filter) Matches(evt *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !eventHasTag(evt, name, values) {
			return false
		}
	}
	return true
}

// String renders a compact, stable description for logging.
func (f Filter) String() string {
	var parts []string
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = strconv.Itoa(k)
		}
		parts = append(parts, "kinds="+strings.Join(kinds, ","))
	}
	if len(f.Authors) > 0 {
		parts = append(parts, "authors="+strconv.Itoa(len(f.Authors)))
	}
	if len(f.IDs) > 0 {
		parts = append(parts, "ids="+strconv.Itoa(len(f.IDs)))
	}
	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, "#"+name+"="+strconv.Itoa(len(f.Tags[name])))
	}
	if f.Limit > 0 {
		parts = append(parts, "limit="+strconv.Itoa(f.Limit))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// MatchesAny reports whether evt satisfies at least one of filters.
func MatchesAny(filters []Filter, evt *Event) bool {
	for _, f := range filters {
		if f.Matches(evt) {
			return true
		}
	}
	return false
}

func eventHasTag(evt *Event, name string, values []string) bool {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name && containsString(values, tag[1]) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
