package pool

import (
	"time"

	"nostr-relaypool/internal/relay"
)

// handleFlapping disconnects a flapping relay and schedules a reconnect
// with per-URL exponential backoff.
func (p *Pool) handleFlapping(r relay.Relay, url string) {
	p.mu.Lock()
	if p.relays[url] != r {
		p.mu.Unlock()
		return
	}

	backoff := p.backoff[url]
	if backoff == 0 {
		backoff = p.opts.FlapBackoffBase
	} else {
		backoff *= 2
	}
	p.backoff[url] = backoff
	p.flapping[url] = struct{}{}
	p.stopStableTimerLocked(url)

	if prev := p.flapTimers[url]; prev != nil {
		prev.timer.Stop()
	}
	e := &timerEntry{}
	e.timer = p.clock.AfterFunc(backoff, func() {
		p.mu.Lock()
		if p.flapTimers[url] != e {
			p.mu.Unlock()
			return
		}
		delete(p.flapTimers, url)
		p.mu.Unlock()

		p.log.Debug("attempting to reconnect flapping relay", "relay", url)
		p.emit(Event{Kind: EventRelayConnecting, Relay: r})
		p.connectRelay(r, true)
		p.checkOnFlappingRelays()
	})
	p.flapTimers[url] = e
	p.mu.Unlock()

	p.log.Debug("relay is flapping", "relay", url, "backoff", backoff)
	p.metrics.RecordFlap(p.name)

	r.Disconnect()
	p.emit(Event{Kind: EventFlapping, Relay: r})
}

// watchFlapRecovery arms a timer that clears url's flap state once the
// relay has stayed connected for FlapStablePeriod.
func (p *Pool) watchFlapRecovery(r relay.Relay, url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.relays[url] != r {
		return
	}
	if _, ok := p.flapping[url]; !ok && p.backoff[url] == 0 {
		return
	}

	p.stopStableTimerLocked(url)
	e := &timerEntry{}
	e.timer = p.clock.AfterFunc(p.opts.FlapStablePeriod, func() {
		connected := r.Status().IsConnected()

		p.mu.Lock()
		if p.stableTimers[url] != e {
			p.mu.Unlock()
			return
		}
		delete(p.stableTimers, url)
		if !connected {
			p.mu.Unlock()
			return
		}
		delete(p.flapping, url)
		delete(p.backoff, url)
		p.mu.Unlock()

		p.log.Debug("relay stable again, clearing flap state", "relay", url)
	})
	p.stableTimers[url] = e
}

func (p *Pool) stopStableTimer(url string) {
	p.mu.Lock()
	p.stopStableTimerLocked(url)
	p.mu.Unlock()
}

func (p *Pool) stopStableTimerLocked(url string) {
	if e := p.stableTimers[url]; e != nil {
		e.timer.Stop()
		delete(p.stableTimers, url)
	}
}

// checkOnFlappingRelays resets backoff for every flapping relay when most of
// the pool is flapping: the problem is then likely on our side.
func (p *Pool) checkOnFlappingRelays() {
	p.mu.Lock()
	total := len(p.relays)
	flapping := len(p.flapping)
	if total == 0 || float64(flapping)/float64(total) < p.opts.FlapStormRatio {
		p.mu.Unlock()
		return
	}
	for url := range p.flapping {
		p.backoff[url] = 0
	}
	p.mu.Unlock()

	p.log.Info("most relays are flapping, resetting backoff", "flapping", flapping, "total", total)
	p.metrics.RecordBackoffReset(p.name)
}

// Backoff returns the current flap backoff for url (zero if none).
func (p *Pool) Backoff(url string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backoff[url]
}

// IsFlapping reports whether url has flapped and not yet stayed connected
// for FlapStablePeriod since.
func (p *Pool) IsFlapping(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.flapping[url]
	return ok
}
