package pool

import (
	"sync"

	"nostr-relaypool/internal/relay"
)

// EventKind enumerates pool-level notifications.
type EventKind int

const (
	EventRelayConnecting EventKind = iota
	EventRelayConnect
	EventRelayReady
	EventRelayDisconnect
	EventNotice
	EventFlapping
	EventRelayAuth
	EventRelayAuthed
	// EventConnect fires when every relay in the pool is connected.
	EventConnect
)

func (k EventKind) String() string {
	switch k {
	case EventRelayConnecting:
		return "relay:connecting"
	case EventRelayConnect:
		return "relay:connect"
	case EventRelayReady:
		return "relay:ready"
	case EventRelayDisconnect:
		return "relay:disconnect"
	case EventNotice:
		return "notice"
	case EventFlapping:
		return "flapping"
	case EventRelayAuth:
		return "relay:auth"
	case EventRelayAuthed:
		return "relay:authed"
	case EventConnect:
		return "connect"
	}
	return "unknown"
}

// Event is a pool notification. Relay is nil for EventConnect; Text holds
// the notice or auth challenge.
type Event struct {
	Kind  EventKind
	Relay relay.Relay
	Text  string
}

type observer struct {
	id int
	fn func(Event)
}

type observers struct {
	mu     sync.RWMutex
	nextID int
	list   []observer
}

func (o *observers) add(fn func(Event)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextID++
	id := o.nextID
	o.list = append(o.list, observer{id: id, fn: fn})

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, ob := range o.list {
			if ob.id == id {
				o.list = append(o.list[:i], o.list[i+1:]...)
				return
			}
		}
	}
}

func (o *observers) emit(evt Event) {
	o.mu.RLock()
	fns := make([]func(Event), len(o.list))
	for i, ob := range o.list {
		fns[i] = ob.fn
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		fn(evt)
	}
}
