package relay

import (
	"sync"
	"time"
)

// SignalKind enumerates relay lifecycle signals.
type SignalKind int

const (
	SignalConnecting SignalKind = iota
	SignalConnect
	SignalReady
	SignalDisconnect
	SignalFlapping
	SignalNotice
	SignalAuth
	SignalAuthed
	SignalDelayedConnect
)

func (k SignalKind) String() string {
	switch k {
	case SignalConnecting:
		return "connecting"
	case SignalConnect:
		return "connect"
	case SignalReady:
		return "ready"
	case SignalDisconnect:
		return "disconnect"
	case SignalFlapping:
		return "flapping"
	case SignalNotice:
		return "notice"
	case SignalAuth:
		return "auth"
	case SignalAuthed:
		return "authed"
	case SignalDelayedConnect:
		return "delayed-connect"
	}
	return "unknown"
}

// Signal is one lifecycle notification. Text carries the notice text or
// the auth challenge; Delay is set for SignalDelayedConnect.
type Signal struct {
	Kind  SignalKind
	Text  string
	Delay time.Duration
}

// Observer receives signals from one relay.
type Observer func(Signal)

// Bus fans signals out to keyed observers in registration order.
type Bus struct {
	mu        sync.RWMutex
	keys      []string
	observers map[string]Observer
}

// Observe registers fn under key, replacing any previous registration.
func (b *Bus) Observe(key string, fn Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.observers == nil {
		b.observers = make(map[string]Observer)
	}
	if _, exists := b.observers[key]; !exists {
		b.keys = append(b.keys, key)
	}
	b.observers[key] = fn
}

// Unobserve removes the observer registered under key.
func (b *Bus) Unobserve(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.observers[key]; !exists {
		return
	}
	delete(b.observers, key)
	for i, k := range b.keys {
		if k == key {
			b.keys = append(b.keys[:i], b.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered observers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Emit delivers s to every observer. Observers run on the caller's
// goroutine, outside the bus lock, so they may (un)register freely.
func (b *Bus) Emit(s Signal) {
	b.mu.RLock()
	fns := make([]Observer, 0, len(b.keys))
	for _, k := range b.keys {
		fns = append(fns, b.observers[k])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(s)
	}
}
