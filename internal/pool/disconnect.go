package pool

import (
	"time"

	"github.com/benbjohnson/clock"

	"nostr-relaypool/internal/relay"
)

// recordDisconnection logs a disconnect and checks whether enough of the
// pool dropped at once to suggest a system event (sleep/wake, network
// change) rather than independent relay failures.
func (p *Pool) recordDisconnection(url string) {
	now := p.clock.Now()

	p.mu.Lock()
	if _, ok := p.relays[url]; !ok {
		p.mu.Unlock()
		return
	}
	p.disconnects[url] = now
	for u, t := range p.disconnects {
		if now.Sub(t) > p.opts.DisconnectPurgeWindow {
			delete(p.disconnects, u)
		}
	}

	recent := 0
	for _, t := range p.disconnects {
		if now.Sub(t) < p.opts.DisconnectWindow {
			recent++
		}
	}
	size := len(p.relays)
	p.mu.Unlock()

	if size > 1 && float64(recent) > float64(size)*p.opts.SystemDisconnectRatio {
		p.log.Info("system-wide disconnection detected", "disconnected", recent, "total", size)
		p.handleSystemWideReconnection()
	}
}

// handleSystemWideReconnection resets every relay's reconnection state and
// reconnects the ones that are down. Re-entry is blocked for
// RecoveryDebounce.
func (p *Pool) handleSystemWideReconnection() {
	p.mu.Lock()
	if p.recoveryTimer != nil || p.closed {
		p.mu.Unlock()
		p.log.Debug("system-wide reconnection already in progress, skipping")
		return
	}

	var t *clock.Timer
	t = p.clock.AfterFunc(p.opts.RecoveryDebounce, func() {
		p.mu.Lock()
		if p.recoveryTimer == t {
			p.recoveryTimer = nil
		}
		p.mu.Unlock()
	})
	p.recoveryTimer = t

	relays := make([]relay.Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.disconnects = make(map[string]time.Time)
	p.mu.Unlock()

	p.log.Info("initiating system-wide reconnection with reset backoff", "relays", len(relays))
	p.metrics.RecordSystemRecovery(p.name)

	for _, r := range relays {
		r.Connectivity().ResetReconnectionState()

		status := r.Status()
		if status.IsConnected() || status == relay.StatusConnecting {
			continue
		}
		p.emit(Event{Kind: EventRelayConnecting, Relay: r})
		p.connectRelay(r, true)
	}
}

// Recovering reports whether a system-wide recovery is being debounced.
func (p *Pool) Recovering() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recoveryTimer != nil
}
