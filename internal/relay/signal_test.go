package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusObserveReplacesSameKey(t *testing.T) {
	var b Bus
	var first, second int

	b.Observe("pool", func(Signal) { first++ })
	b.Observe("pool", func(Signal) { second++ })
	b.Emit(Signal{Kind: SignalConnect})

	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestBusEmitsInRegistrationOrder(t *testing.T) {
	var b Bus
	var order []string

	b.Observe("a", func(Signal) { order = append(order, "a") })
	b.Observe("b", func(Signal) { order = append(order, "b") })
	b.Observe("c", func(Signal) { order = append(order, "c") })
	b.Unobserve("b")
	b.Emit(Signal{Kind: SignalNotice, Text: "hi"})

	assert.Equal(t, []string{"a", "c"}, order)
}

func TestBusObserverMayUnregisterDuringEmit(t *testing.T) {
	var b Bus
	calls := 0
	b.Observe("once", func(Signal) {
		calls++
		b.Unobserve("once")
	})

	b.Emit(Signal{Kind: SignalDisconnect})
	b.Emit(Signal{Kind: SignalDisconnect})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.Len())
}

func TestStatusOrdering(t *testing.T) {
	assert.False(t, StatusConnecting.IsConnected())
	assert.False(t, StatusFlapping.IsConnected())
	assert.True(t, StatusConnected.IsConnected())
	assert.True(t, StatusAuthenticated.IsConnected())
	assert.Equal(t, "auth_requested", StatusAuthRequested.String())
	assert.Equal(t, "delayed-connect", SignalDelayedConnect.String())
}
