package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/types"
)

const (
	// Connections whose recent lifetimes vary by less than this are flapping
	flappingThreshold   = time.Second
	maxDurationsTracked = 100
	reconnectBaseDelay  = 5 * time.Second
	// Announced when a failed connect must not be retried automatically
	noReconnectDelay = 48 * time.Hour
	writeTimeout     = 10 * time.Second
)

var (
	ErrInvalidURL   = errors.New("invalid relay URL")
	ErrNotConnected = errors.New("relay not connected")
	errDisconnected = errors.New("relay disconnected while connecting")
)

// WebSocketOptions configures a websocket relay.
type WebSocketOptions struct {
	Dialer           *websocket.Dialer
	Clock            clock.Clock
	Logger           *slog.Logger
	VerifySignatures bool
	// ConnectTimeout bounds connects that do not pass their own timeout,
	// including automatic reconnects.
	ConnectTimeout time.Duration
}

type wsSub struct {
	filters []types.Filter
	sink    Sink
	sent    bool
}

// WebSocket is a Relay speaking NIP-01 over a gorilla websocket.
type WebSocket struct {
	url            string
	dialer         *websocket.Dialer
	clock          clock.Clock
	log            *slog.Logger
	verify         bool
	connectTimeout time.Duration
	bus            Bus

	mu             sync.Mutex
	writeMu        sync.Mutex
	conn           *websocket.Conn
	status         Status
	subs           map[string]*wsSub
	stats          ConnectionStats
	connectedAt    time.Time
	reconnectTimer *clock.Timer
	pendingAuth    string
}

// NewWebSocket creates a disconnected relay for rawURL.
func NewWebSocket(rawURL string, opts WebSocketOptions) (*WebSocket, error) {
	u := nostr.NormalizeRelayURL(rawURL)
	if u == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &WebSocket{
		url:            u,
		dialer:         opts.Dialer,
		clock:          opts.Clock,
		log:            opts.Logger.With("component", "relay", "relay", u),
		verify:         opts.VerifySignatures,
		connectTimeout: opts.ConnectTimeout,
		status:         StatusDisconnected,
		subs:           make(map[string]*wsSub),
	}, nil
}

func (r *WebSocket) URL() string { return r.url }

func (r *WebSocket) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *WebSocket) Observe(key string, fn Observer) { r.bus.Observe(key, fn) }

func (r *WebSocket) Unobserve(key string) { r.bus.Unobserve(key) }

// ObserverCount returns how many observers are registered.
func (r *WebSocket) ObserverCount() int { return r.bus.Len() }

func (r *WebSocket) Connectivity() Connectivity { return r }

// Connect dials the relay unless it is already connected, connecting, or
// waiting on a scheduled reconnect.
func (r *WebSocket) Connect(ctx context.Context, timeout time.Duration, reconnect bool) error {
	r.mu.Lock()
	if r.status != StatusDisconnected || r.reconnectTimer != nil {
		status := r.status
		r.mu.Unlock()
		r.log.Debug("connect requested but relay is busy", "status", status.String())
		return nil
	}
	if timeout == 0 {
		timeout = r.connectTimeout
	}
	r.status = StatusConnecting
	r.stats.Attempts++
	r.mu.Unlock()

	r.bus.Emit(Signal{Kind: SignalConnecting})

	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, _, err := r.dialer.DialContext(dialCtx, r.url, nil)
	if err != nil {
		r.mu.Lock()
		intentional := r.status == StatusDisconnecting
		r.status = StatusDisconnected
		r.mu.Unlock()

		r.log.Debug("connect failed", "error", err, "intentional", intentional)
		if intentional {
			return errDisconnected
		}
		if reconnect {
			r.handleReconnection()
		} else {
			r.bus.Emit(Signal{Kind: SignalDelayedConnect, Delay: noReconnectDelay})
		}
		return fmt.Errorf("connect %s: %w", r.url, err)
	}

	r.mu.Lock()
	if r.status != StatusConnecting {
		// Disconnect was requested while dialing
		r.status = StatusDisconnected
		r.mu.Unlock()
		conn.Close()
		return errDisconnected
	}
	r.conn = conn
	r.status = StatusConnected
	r.stats.Success++
	r.connectedAt = r.clock.Now()

	type pendingReq struct {
		id      string
		filters []types.Filter
	}
	var pending []pendingReq
	for id, s := range r.subs {
		if !s.sent {
			s.sent = true
			pending = append(pending, pendingReq{id: id, filters: s.filters})
		}
	}
	r.mu.Unlock()

	go r.readLoop(conn)

	r.log.Debug("connected")
	r.bus.Emit(Signal{Kind: SignalConnect})
	r.bus.Emit(Signal{Kind: SignalReady})

	for _, p := range pending {
		if err := r.sendReq(p.id, p.filters); err != nil {
			r.log.Debug("failed to send queued REQ", "sub_id", p.id, "error", err)
		}
	}
	return nil
}

// Disconnect closes the socket. It does not schedule a reconnect.
func (r *WebSocket) Disconnect() {
	r.mu.Lock()
	r.stopReconnectLocked()
	conn := r.conn
	if conn == nil {
		if r.status == StatusConnecting {
			r.status = StatusDisconnecting
		} else {
			r.status = StatusDisconnected
		}
		r.mu.Unlock()
		return
	}
	r.status = StatusDisconnecting
	r.mu.Unlock()

	// readLoop observes the close and finishes the transition
	conn.Close()
}

// ResetReconnectionState drops the reconnect timer and connection history.
func (r *WebSocket) ResetReconnectionState() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopReconnectLocked()
	r.stats.Attempts = 0
	r.stats.Durations = nil
	r.stats.NextReconnectAt = time.Time{}
	if r.status == StatusFlapping {
		r.status = StatusDisconnected
	}
}

// Stats returns a copy of the connection statistics.
func (r *WebSocket) Stats() ConnectionStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats
	s.Durations = append([]time.Duration(nil), r.stats.Durations...)
	return s
}

// Req opens subscription subID. The REQ is queued until connected.
func (r *WebSocket) Req(subID string, filters []types.Filter, sink Sink) error {
	r.mu.Lock()
	s := &wsSub{filters: filters, sink: sink}
	r.subs[subID] = s
	connected := r.conn != nil && r.status.IsConnected()
	if connected {
		s.sent = true
	}
	r.mu.Unlock()

	if !connected {
		return nil
	}
	if err := r.sendReq(subID, filters); err != nil {
		r.mu.Lock()
		delete(r.subs, subID)
		r.mu.Unlock()
		return err
	}
	return nil
}

// CloseSub closes subscription subID, sending CLOSE if the REQ went out.
func (r *WebSocket) CloseSub(subID string) {
	r.mu.Lock()
	s, exists := r.subs[subID]
	delete(r.subs, subID)
	shouldSendClose := exists && s.sent && r.conn != nil
	r.mu.Unlock()

	// best effort, connection may be closed
	if shouldSendClose {
		if err := r.write([]interface{}{"CLOSE", subID}); err != nil {
			r.log.Debug("failed to send CLOSE", "sub_id", subID, "error", err)
		}
	}
}

// Auth answers an AUTH challenge with an already signed kind 22242 event.
// The relay becomes Authenticated when the relay acknowledges it.
func (r *WebSocket) Auth(evt types.Event) error {
	r.mu.Lock()
	if r.conn == nil {
		r.mu.Unlock()
		return ErrNotConnected
	}
	r.status = StatusAuthenticating
	r.pendingAuth = evt.ID
	r.mu.Unlock()

	return r.write([]interface{}{"AUTH", evt})
}

func (r *WebSocket) sendReq(subID string, filters []types.Filter) error {
	msg := make([]interface{}, 0, len(filters)+2)
	msg = append(msg, "REQ", subID)
	for _, f := range filters {
		msg = append(msg, f)
	}
	return r.write(msg)
}

// write sends a message on the connection with a timeout
func (r *WebSocket) write(v interface{}) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	// Set write deadline to prevent indefinite blocking
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer conn.SetWriteDeadline(time.Time{})

	return conn.WriteJSON(v)
}

// readLoop continuously reads from the connection and routes messages
func (r *WebSocket) readLoop(conn *websocket.Conn) {
	defer r.onClose(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if r.Status() != StatusDisconnecting {
				r.log.Debug("read error", "error", err)
			}
			return
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			r.log.Debug("dropping malformed message", "error", err)
			continue
		}
		r.handleMessage(frame)
	}
}

// str decodes a JSON string element; anything else yields "".
func str(raw json.RawMessage) string {
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

func (r *WebSocket) handleMessage(frame []json.RawMessage) {
	if len(frame) < 2 {
		return
	}

	switch str(frame[0]) {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		subID := str(frame[1])
		sink := r.sinkFor(subID)
		if sink == nil {
			return
		}
		evt, err := nostr.ParseEvent(frame[2], r.verify)
		if err != nil {
			r.log.Debug("dropping event", "sub_id", subID, "error", err)
			return
		}
		evt.RelaysSeen = []string{r.url}
		sink.HandleEvent(r.url, evt)

	case "EOSE":
		if sink := r.sinkFor(str(frame[1])); sink != nil {
			sink.HandleEOSE(r.url)
		}

	case "CLOSED":
		subID := str(frame[1])
		reason := ""
		if len(frame) >= 3 {
			reason = str(frame[2])
		}
		r.mu.Lock()
		s := r.subs[subID]
		delete(r.subs, subID)
		r.mu.Unlock()
		if s != nil {
			s.sink.HandleClosed(r.url, reason)
		}

	case "NOTICE":
		notice := str(frame[1])
		r.log.Debug("notice", "notice", notice)
		r.bus.Emit(Signal{Kind: SignalNotice, Text: notice})

	case "AUTH":
		challenge := str(frame[1])
		r.mu.Lock()
		if r.status.IsConnected() {
			r.status = StatusAuthRequested
		}
		r.mu.Unlock()
		r.bus.Emit(Signal{Kind: SignalAuth, Text: challenge})

	case "OK":
		if len(frame) < 3 {
			return
		}
		eventID := str(frame[1])
		var accepted bool
		_ = json.Unmarshal(frame[2], &accepted)
		r.mu.Lock()
		isAuth := eventID != "" && eventID == r.pendingAuth
		if isAuth {
			r.pendingAuth = ""
			if accepted {
				r.status = StatusAuthenticated
			} else {
				r.status = StatusConnected
			}
		}
		r.mu.Unlock()
		if isAuth && accepted {
			r.bus.Emit(Signal{Kind: SignalAuthed})
		}
	}
}

func (r *WebSocket) sinkFor(subID string) Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.subs[subID]; s != nil {
		return s.sink
	}
	return nil
}

// onClose finishes a disconnect: records the connection lifetime, closes
// open subscriptions and, unless we asked for it, schedules a reconnect.
func (r *WebSocket) onClose(conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	if !r.connectedAt.IsZero() {
		r.stats.Durations = append(r.stats.Durations, r.clock.Since(r.connectedAt))
		if len(r.stats.Durations) > maxDurationsTracked {
			r.stats.Durations = r.stats.Durations[1:]
		}
	}
	r.connectedAt = time.Time{}
	intentional := r.status == StatusDisconnecting
	r.status = StatusDisconnected
	r.pendingAuth = ""
	subs := r.subs
	r.subs = make(map[string]*wsSub)
	// Armed before the disconnect signal so that observers resetting the
	// relay from it (system-wide recovery) see and cancel it.
	var next *Signal
	if !intentional {
		next = r.scheduleReconnectLocked()
	}
	r.mu.Unlock()

	conn.Close()

	for _, s := range subs {
		s.sink.HandleClosed(r.url, "disconnected")
	}

	r.log.Debug("disconnected", "intentional", intentional)
	r.bus.Emit(Signal{Kind: SignalDisconnect})
	r.announceReconnect(next)
}

// handleReconnection schedules the next connect attempt, or reports the
// relay as flapping when its recent connections all died alike.
func (r *WebSocket) handleReconnection() {
	r.mu.Lock()
	next := r.scheduleReconnectLocked()
	r.mu.Unlock()
	r.announceReconnect(next)
}

// scheduleReconnectLocked arms the reconnect timer or marks the relay as
// flapping. It returns the signal announcing the decision, nil when a
// reconnect is already pending.
func (r *WebSocket) scheduleReconnectLocked() *Signal {
	if r.reconnectTimer != nil {
		return nil
	}

	if r.isFlappingLocked() {
		r.status = StatusFlapping
		return &Signal{Kind: SignalFlapping}
	}

	delay := reconnectBaseDelay * time.Duration(r.stats.Attempts+1)
	r.stats.NextReconnectAt = r.clock.Now().Add(delay)

	var t *clock.Timer
	t = r.clock.AfterFunc(delay, func() {
		r.mu.Lock()
		if r.reconnectTimer != t {
			r.mu.Unlock()
			return
		}
		r.reconnectTimer = nil
		r.mu.Unlock()

		if err := r.Connect(context.Background(), r.connectTimeout, true); err != nil {
			r.log.Debug("reconnect failed", "error", err)
		}
	})
	r.reconnectTimer = t
	return &Signal{Kind: SignalDelayedConnect, Delay: delay}
}

// announceReconnect emits sig unless the decision was undone meanwhile by
// ResetReconnectionState or Disconnect.
func (r *WebSocket) announceReconnect(sig *Signal) {
	if sig == nil {
		return
	}
	r.mu.Lock()
	pending := r.reconnectTimer != nil
	if sig.Kind == SignalFlapping {
		pending = r.status == StatusFlapping
	}
	r.mu.Unlock()
	if !pending {
		return
	}

	if sig.Kind == SignalFlapping {
		r.log.Debug("relay is flapping")
	} else {
		r.log.Debug("reconnecting", "delay", sig.Delay)
	}
	r.bus.Emit(*sig)
}

func (r *WebSocket) stopReconnectLocked() {
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
}

// isFlappingLocked reports whether the recorded connection lifetimes have a
// standard deviation under flappingThreshold. Only evaluated every third
// disconnect so a single short session does not trip it.
func (r *WebSocket) isFlappingLocked() bool {
	durations := r.stats.Durations
	if len(durations) == 0 || len(durations)%3 != 0 {
		return false
	}

	var sum float64
	for _, d := range durations {
		sum += float64(d)
	}
	avg := sum / float64(len(durations))

	var variance float64
	for _, d := range durations {
		diff := float64(d) - avg
		variance += diff * diff
	}
	variance /= float64(len(durations))

	return time.Duration(math.Sqrt(variance)) < flappingThreshold
}
