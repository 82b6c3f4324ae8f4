// Package relay defines the per-relay capability consumed by the pool and
// subscriptions, and a websocket implementation of it.
package relay

import (
	"context"
	"time"

	"nostr-relaypool/internal/types"
)

// Status is the connection state of a relay. The values are ordered: any
// status >= StatusConnected means the socket is usable.
type Status int

const (
	StatusDisconnecting Status = iota
	StatusDisconnected
	StatusReconnecting
	StatusFlapping
	StatusConnecting

	// connected states
	StatusConnected
	StatusAuthRequested
	StatusAuthenticating
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusDisconnecting:
		return "disconnecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFlapping:
		return "flapping"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusAuthRequested:
		return "auth_requested"
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// IsConnected reports whether the socket is usable.
func (s Status) IsConnected() bool {
	return s >= StatusConnected
}

// Sink receives subscription traffic for one REQ.
// Calls for a given relay arrive in the order the relay sent them.
type Sink interface {
	HandleEvent(relayURL string, evt types.Event)
	HandleEOSE(relayURL string)
	HandleClosed(relayURL string, reason string)
}

// ConnectionStats tracks connection attempts and how long connections lasted.
type ConnectionStats struct {
	Attempts        int
	Success         int
	Durations       []time.Duration
	NextReconnectAt time.Time
}

// Connectivity exposes the reconnection machinery of a relay.
type Connectivity interface {
	// ResetReconnectionState drops pending reconnect timers and the
	// attempt/duration history so the next connect starts fresh.
	ResetReconnectionState()
	Stats() ConnectionStats
}

// Relay is one relay connection as seen by the pool.
type Relay interface {
	// URL returns the normalized relay URL.
	URL() string
	Status() Status

	// Connect dials the relay. A zero timeout means no connect deadline.
	// With reconnect unset a failure announces a long delayed-connect
	// instead of scheduling retries.
	Connect(ctx context.Context, timeout time.Duration, reconnect bool) error
	Disconnect()

	// Observe registers fn under key, replacing any observer already
	// registered under the same key.
	Observe(key string, fn Observer)
	Unobserve(key string)

	Connectivity() Connectivity

	// Req opens a subscription. If the relay is not connected yet the REQ
	// is sent once it connects.
	Req(subID string, filters []types.Filter, sink Sink) error
	CloseSub(subID string)
}
