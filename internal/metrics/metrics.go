// Package metrics holds the Prometheus collectors for the relay pool and
// event fetching. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nostr"

// Fetch outcomes
const (
	OutcomeEvent    = "event"
	OutcomeEOSE     = "eose"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
)

// Metrics holds Prometheus metrics for pool and fetch operations.
type Metrics struct {
	// Pool gauges and counters, labelled by pool name
	relays             *prometheus.GaugeVec   // By pool and status (connected/disconnected/connecting)
	flaps              *prometheus.CounterVec // By pool
	backoffResets      *prometheus.CounterVec // By pool
	systemRecoveries   *prometheus.CounterVec // By pool
	temporaryEvictions *prometheus.CounterVec // By pool
	connectFailures    *prometheus.CounterVec // By pool

	// Fetch and subscription
	fetches         *prometheus.CounterVec // By kind (one/many) and outcome
	fetchDuration   *prometheus.HistogramVec
	duplicateEvents prometheus.Counter
}

// New creates the collectors and registers them with reg.
// A nil registerer disables metrics and returns nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil // Metrics disabled
	}

	m := &Metrics{
		relays: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "relays",
			Help:      "Relays in the pool by connection status",
		}, []string{"pool", "status"}),

		flaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "relay_flaps_total",
			Help:      "Times a relay was reported as flapping",
		}, []string{"pool"}),

		backoffResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "backoff_resets_total",
			Help:      "Times flap backoff was reset because most relays were flapping",
		}, []string{"pool"}),

		systemRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "system_recoveries_total",
			Help:      "Coordinated reconnects after a system-wide disconnection",
		}, []string{"pool"}),

		temporaryEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "temporary_evictions_total",
			Help:      "Temporary relays removed after their TTL expired",
		}, []string{"pool"}),

		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connect_failures_total",
			Help:      "Failed relay connection attempts",
		}, []string{"pool"}),

		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Fetches by kind (one/many) and how they resolved",
		}, []string{"kind", "outcome"}),

		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Time until a fetch resolved",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}, // up to the fetch ceiling
		}, []string{"kind"}),

		duplicateEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "duplicate_events_total",
			Help:      "Events dropped because another relay already delivered them",
		}),
	}

	collectors := []prometheus.Collector{
		m.relays, m.flaps, m.backoffResets, m.systemRecoveries,
		m.temporaryEvictions, m.connectFailures,
		m.fetches, m.fetchDuration, m.duplicateEvents,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// SetRelayCounts publishes the current pool composition.
func (m *Metrics) SetRelayCounts(pool string, connected, disconnected, connecting int) {
	if m == nil {
		return
	}
	m.relays.WithLabelValues(pool, "connected").Set(float64(connected))
	m.relays.WithLabelValues(pool, "disconnected").Set(float64(disconnected))
	m.relays.WithLabelValues(pool, "connecting").Set(float64(connecting))
}

func (m *Metrics) RecordFlap(pool string) {
	if m == nil {
		return
	}
	m.flaps.WithLabelValues(pool).Inc()
}

func (m *Metrics) RecordBackoffReset(pool string) {
	if m == nil {
		return
	}
	m.backoffResets.WithLabelValues(pool).Inc()
}

func (m *Metrics) RecordSystemRecovery(pool string) {
	if m == nil {
		return
	}
	m.systemRecoveries.WithLabelValues(pool).Inc()
}

func (m *Metrics) RecordTemporaryEviction(pool string) {
	if m == nil {
		return
	}
	m.temporaryEvictions.WithLabelValues(pool).Inc()
}

func (m *Metrics) RecordConnectFailure(pool string) {
	if m == nil {
		return
	}
	m.connectFailures.WithLabelValues(pool).Inc()
}

// RecordFetch records how a fetch resolved. kind is "one" or "many".
func (m *Metrics) RecordFetch(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(kind, outcome).Inc()
	m.fetchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordDuplicateEvent() {
	if m == nil {
		return
	}
	m.duplicateEvents.Inc()
}
