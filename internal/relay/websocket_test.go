package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-relaypool/internal/types"
)

var testEvent = types.Event{
	ID:        strings.Repeat("ab", 32),
	PubKey:    strings.Repeat("cd", 32),
	CreatedAt: 1700000000,
	Kind:      1,
	Tags:      [][]string{},
	Content:   "hello",
	Sig:       strings.Repeat("00", 64),
}

// startRelay serves handle on a local websocket and returns its ws:// URL.
func startRelay(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// serveReqs answers every REQ with testEvent followed by EOSE and records
// the subscription ids it saw.
func serveReqs(seen chan<- string) func(conn *websocket.Conn) {
	return func(conn *websocket.Conn) {
		for {
			var msg []json.RawMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			var typ, subID string
			_ = json.Unmarshal(msg[0], &typ)
			if typ != "REQ" || len(msg) < 2 {
				continue
			}
			_ = json.Unmarshal(msg[1], &subID)
			if seen != nil {
				seen <- subID
			}
			_ = conn.WriteJSON([]interface{}{"EVENT", subID, testEvent})
			_ = conn.WriteJSON([]interface{}{"EOSE", subID})
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []types.Event
	eose   int
	closed []string
}

func (r *recorder) HandleEvent(_ string, evt types.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) HandleEOSE(string) {
	r.mu.Lock()
	r.eose++
	r.mu.Unlock()
}

func (r *recorder) HandleClosed(_ string, reason string) {
	r.mu.Lock()
	r.closed = append(r.closed, reason)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]types.Event, int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...), r.eose, append([]string(nil), r.closed...)
}

type signalLog struct {
	mu   sync.Mutex
	sigs []Signal
}

func (l *signalLog) observe(s Signal) {
	l.mu.Lock()
	l.sigs = append(l.sigs, s)
	l.mu.Unlock()
}

func (l *signalLog) find(kind SignalKind) (Signal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sigs {
		if s.Kind == kind {
			return s, true
		}
	}
	return Signal{}, false
}

func (l *signalLog) has(kind SignalKind) bool {
	_, ok := l.find(kind)
	return ok
}

func newTestRelay(t *testing.T, url string, clk clock.Clock) (*WebSocket, *signalLog) {
	t.Helper()
	r, err := NewWebSocket(url, WebSocketOptions{Clock: clk, ConnectTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(r.Disconnect)

	log := &signalLog{}
	r.Observe("test", log.observe)
	return r, log
}

func TestNewWebSocketRejectsInvalidURL(t *testing.T) {
	_, err := NewWebSocket("https://relay.example", WebSocketOptions{})
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestWebSocketReqReceivesEventsAndEOSE(t *testing.T) {
	url := startRelay(t, serveReqs(nil))
	r, signals := newTestRelay(t, url, nil)

	require.NoError(t, r.Connect(context.Background(), 0, true))
	assert.Equal(t, StatusConnected, r.Status())
	assert.True(t, signals.has(SignalConnecting))
	assert.True(t, signals.has(SignalConnect))
	assert.True(t, signals.has(SignalReady))

	sink := &recorder{}
	require.NoError(t, r.Req("sub1", []types.Filter{{Kinds: []int{1}}}, sink))

	require.Eventually(t, func() bool {
		_, eose, _ := sink.snapshot()
		return eose == 1
	}, 2*time.Second, 10*time.Millisecond)

	events, _, _ := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, testEvent.ID, events[0].ID)
	assert.Equal(t, []string{r.URL()}, events[0].RelaysSeen)
}

func TestWebSocketQueuesReqUntilConnected(t *testing.T) {
	seen := make(chan string, 1)
	url := startRelay(t, serveReqs(seen))
	r, _ := newTestRelay(t, url, nil)

	sink := &recorder{}
	require.NoError(t, r.Req("queued", []types.Filter{{Kinds: []int{1}}}, sink))
	require.NoError(t, r.Connect(context.Background(), 0, true))

	select {
	case id := <-seen:
		assert.Equal(t, "queued", id)
	case <-time.After(2 * time.Second):
		t.Fatal("queued REQ was never sent")
	}
}

func TestWebSocketConnectFailureWithoutReconnect(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	r, signals := newTestRelay(t, url, clock.NewMock())

	err := r.Connect(context.Background(), time.Second, false)
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, r.Status())

	delayed, ok := signals.find(SignalDelayedConnect)
	require.True(t, ok)
	assert.Equal(t, noReconnectDelay, delayed.Delay)
}

func TestWebSocketServerCloseSchedulesReconnect(t *testing.T) {
	url := startRelay(t, func(conn *websocket.Conn) {
		// Drop the client as soon as the subscription arrives
		var msg []json.RawMessage
		_ = conn.ReadJSON(&msg)
	})
	mock := clock.NewMock()
	r, signals := newTestRelay(t, url, mock)

	require.NoError(t, r.Connect(context.Background(), 0, true))
	sink := &recorder{}
	require.NoError(t, r.Req("sub1", []types.Filter{{Kinds: []int{1}}}, sink))

	require.Eventually(t, func() bool { return signals.has(SignalDelayedConnect) },
		2*time.Second, 10*time.Millisecond)

	assert.True(t, signals.has(SignalDisconnect))
	delayed, _ := signals.find(SignalDelayedConnect)
	assert.Equal(t, 2*reconnectBaseDelay, delayed.Delay)

	_, _, closed := sink.snapshot()
	assert.Equal(t, []string{"disconnected"}, closed)

	stats := r.Connectivity().Stats()
	assert.Equal(t, 1, stats.Attempts)
	assert.Equal(t, 1, stats.Success)
	assert.Len(t, stats.Durations, 1)
	assert.Equal(t, mock.Now().Add(2*reconnectBaseDelay), stats.NextReconnectAt)

	// A pending reconnect makes manual connects no-ops
	require.NoError(t, r.Connect(context.Background(), 0, true))
	assert.Equal(t, StatusDisconnected, r.Status())

	r.Connectivity().ResetReconnectionState()
	assert.Equal(t, 0, r.Connectivity().Stats().Attempts)
	require.NoError(t, r.Connect(context.Background(), 0, true))
	assert.Equal(t, StatusConnected, r.Status())
}

func TestWebSocketIntentionalDisconnectDoesNotReconnect(t *testing.T) {
	url := startRelay(t, serveReqs(nil))
	r, signals := newTestRelay(t, url, clock.NewMock())

	require.NoError(t, r.Connect(context.Background(), 0, true))
	r.Disconnect()

	require.Eventually(t, func() bool { return signals.has(SignalDisconnect) },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusDisconnected, r.Status())
	assert.False(t, signals.has(SignalDelayedConnect))
}

func TestWebSocketDisconnectDuringDialDoesNotReconnect(t *testing.T) {
	var dials atomic.Int32
	release := make(chan struct{})
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if dials.Add(1) == 1 {
				select {
				case <-release:
				case <-ctx.Done():
				}
			}
			return nil, errors.New("connection refused")
		},
	}
	mock := clock.NewMock()
	r, err := NewWebSocket("wss://relay.example", WebSocketOptions{Dialer: dialer, Clock: mock, ConnectTimeout: 2 * time.Second})
	require.NoError(t, err)
	signals := &signalLog{}
	r.Observe("test", signals.observe)

	done := make(chan error, 1)
	go func() { done <- r.Connect(context.Background(), 0, true) }()
	require.Eventually(t, func() bool { return dials.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	r.Disconnect()
	close(release)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, errDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return")
	}

	mock.Add(time.Minute)
	assert.Never(t, func() bool { return dials.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, StatusDisconnected, r.Status())
	assert.False(t, signals.has(SignalDelayedConnect))
	assert.True(t, r.Stats().NextReconnectAt.IsZero())
}

func TestWebSocketResetOnDisconnectReconnectsImmediately(t *testing.T) {
	var conns atomic.Int32
	serve := serveReqs(nil)
	url := startRelay(t, func(conn *websocket.Conn) {
		// The first session is dropped straight away
		if conns.Add(1) == 1 {
			return
		}
		serve(conn)
	})
	r, signals := newTestRelay(t, url, clock.NewMock())

	var once sync.Once
	r.Observe("recovery", func(s Signal) {
		if s.Kind != SignalDisconnect {
			return
		}
		once.Do(func() {
			r.Connectivity().ResetReconnectionState()
			go r.Connect(context.Background(), 0, true)
		})
	})

	require.NoError(t, r.Connect(context.Background(), 0, true))
	require.Eventually(t, func() bool { return conns.Load() == 2 && r.Status() == StatusConnected },
		2*time.Second, 10*time.Millisecond)
	assert.False(t, signals.has(SignalDelayedConnect))
}

func TestWebSocketNoticeAndAuth(t *testing.T) {
	url := startRelay(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON([]interface{}{"NOTICE", "rate limited"})
		_ = conn.WriteJSON([]interface{}{"AUTH", "challenge-123"})
		for {
			var msg []json.RawMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			var typ string
			_ = json.Unmarshal(msg[0], &typ)
			if typ != "AUTH" {
				continue
			}
			var evt types.Event
			_ = json.Unmarshal(msg[1], &evt)
			_ = conn.WriteJSON([]interface{}{"OK", evt.ID, true, ""})
		}
	})
	r, signals := newTestRelay(t, url, nil)

	challenges := make(chan string, 1)
	r.Observe("auth", func(s Signal) {
		if s.Kind == SignalAuth {
			challenges <- s.Text
		}
	})

	require.NoError(t, r.Connect(context.Background(), 0, true))

	var challenge string
	select {
	case challenge = <-challenges:
	case <-time.After(2 * time.Second):
		t.Fatal("no auth challenge")
	}
	assert.Equal(t, "challenge-123", challenge)
	assert.Equal(t, StatusAuthRequested, r.Status())

	notice, ok := signals.find(SignalNotice)
	require.True(t, ok)
	assert.Equal(t, "rate limited", notice.Text)

	authEvent := testEvent
	authEvent.Kind = 22242
	authEvent.Tags = [][]string{{"challenge", challenge}, {"relay", r.URL()}}
	require.NoError(t, r.Auth(authEvent))

	require.Eventually(t, func() bool { return signals.has(SignalAuthed) },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusAuthenticated, r.Status())
}

func TestIsFlapping(t *testing.T) {
	tests := []struct {
		name      string
		durations []time.Duration
		want      bool
	}{
		{"no history", nil, false},
		{"not a multiple of three", []time.Duration{100 * time.Millisecond, 120 * time.Millisecond}, false},
		{"uniform short sessions", []time.Duration{100 * time.Millisecond, 150 * time.Millisecond, 120 * time.Millisecond}, true},
		{"varied sessions", []time.Duration{time.Second, 10 * time.Second, 30 * time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &WebSocket{stats: ConnectionStats{Durations: tt.durations}}
			assert.Equal(t, tt.want, r.isFlappingLocked())
		})
	}
}

func TestResetReconnectionStateClearsFlapping(t *testing.T) {
	r, err := NewWebSocket("wss://relay.example", WebSocketOptions{Clock: clock.NewMock()})
	require.NoError(t, err)

	r.mu.Lock()
	r.stats.Attempts = 3
	r.stats.Durations = []time.Duration{time.Second, time.Second, time.Second}
	r.mu.Unlock()

	r.handleReconnection()
	assert.Equal(t, StatusFlapping, r.Status())

	r.ResetReconnectionState()
	assert.Equal(t, StatusDisconnected, r.Status())
	assert.Empty(t, r.Stats().Durations)
}
