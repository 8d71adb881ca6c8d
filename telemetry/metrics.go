package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics instruments the relay engine. Every record method is safe on a nil
// receiver so instrumentation stays optional.
type Metrics struct {
	registry *prometheus.Registry

	syncsTotal    *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
	syncActive    prometheus.Gauge
	messages      prometheus.Counter
	relaySwitches prometheus.Counter
	relayHops     prometheus.Gauge
	propagations  *prometheus.CounterVec
}

// New builds a Metrics instance backed by its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.syncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "columba",
			Name:      "syncs_total",
			Help:      "Total number of finished sync sessions.",
		},
		[]string{"trigger", "outcome"},
	)
	m.syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "columba",
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync sessions.",
			// Covers 100ms .. ~7m, enough to see the watchdog fire.
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 13),
		},
		[]string{"trigger"},
	)
	m.syncActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "columba",
		Name:      "sync_active",
		Help:      "Whether a sync session is currently running.",
	})
	m.messages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "columba",
		Name:      "messages_received_total",
		Help:      "Total number of messages retrieved from relays.",
	})
	m.relaySwitches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "columba",
		Name:      "relay_switches_total",
		Help:      "Total number of relay adoptions.",
	})
	m.relayHops = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "columba",
		Name:      "relay_hops",
		Help:      "Hop distance of the selected relay (-1 when unknown).",
	})
	m.propagations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "columba",
			Name:      "relay_propagation_attempts_total",
			Help:      "Attempts to push the selected relay to the transport.",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(m.syncsTotal, m.syncDuration, m.syncActive, m.messages, m.relaySwitches, m.relayHops, m.propagations)
	return m
}

// Handler exposes the registry. Mount it with mux.Handle("/metrics", m.Handler()).
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SyncStarted() {
	if m == nil {
		return
	}
	m.syncActive.Inc()
}

func (m *Metrics) SyncFinished(trigger, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.syncActive.Dec()
	m.syncsTotal.WithLabelValues(trigger, outcome).Inc()
	m.syncDuration.WithLabelValues(trigger).Observe(elapsed.Seconds())
}

func (m *Metrics) MessagesReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messages.Add(float64(n))
}

func (m *Metrics) RelaySwitched() {
	if m == nil {
		return
	}
	m.relaySwitches.Inc()
}

func (m *Metrics) SetRelayHops(hops int) {
	if m == nil {
		return
	}
	m.relayHops.Set(float64(hops))
}

func (m *Metrics) PropagationAttempt(result string) {
	if m == nil {
		return
	}
	m.propagations.WithLabelValues(result).Inc()
}
