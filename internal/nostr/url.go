package nostr

import (
	"net"
	"net/url"
	"strings"

	"nostr-relaypool/internal/util"
)

// NormalizeRelayURL validates and normalizes a relay URL.
// Returns empty string if URL is invalid/malformed.
//
// The result is the key used by every relay map in the pool, so two
// spellings of the same relay ("WSS://Relay.Example/" and
// "wss://relay.example") always collapse to one entry.
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return ""
	}

	// Bare hostnames are assumed to be TLS relays
	if !strings.Contains(relayURL, "://") {
		relayURL = "wss://" + relayURL
	}

	// Reject URL-encoded spaces (indicates garbage text as URL)
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, "+") {
		return ""
	}

	// Reject double protocols (wss://https://...)
	if strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" || strings.Contains(host, " ") {
		return ""
	}
	if !util.IsLoopbackHost(host) {
		if len(host) < 3 {
			return ""
		}
		if !strings.Contains(host, ".") && host != "localhost" {
			return ""
		}
		// Block internal/unreachable hosts (.onion, .local, .internal)
		if util.IsInternalHost(host) {
			return ""
		}
	}

	// Normalize: strip trailing slash, lowercase
	result := scheme + "://" + host
	if port := parsed.Port(); port != "" && !isDefaultPort(scheme, port) {
		result += ":" + port
	}
	if path := strings.TrimRight(parsed.Path, "/"); path != "" {
		result += path
	}
	return result
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "wss" && port == "443") || (scheme == "ws" && port == "80")
}

// NormalizeRelayURLs normalizes a list, dropping invalid entries and duplicates.
func NormalizeRelayURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if n := NormalizeRelayURL(u); n != "" {
			out = append(out, n)
		}
	}
	return util.Dedupe(out)
}

// IsRelayURLSafe validates that a relay URL is safe to connect to.
// Allows localhost for development but blocks other private IP ranges.
// It is meant to be used as a pool connection filter.
func IsRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}

	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}

	if util.IsLoopbackHost(host) {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// If we can't resolve, allow it (might be valid external host)
		// but block obvious internal names
		return !strings.HasSuffix(host, ".") && !util.IsInternalHost(host)
	}

	for _, ip := range ips {
		if !util.IsPublicIP(ip) {
			return false
		}
	}

	return true
}
