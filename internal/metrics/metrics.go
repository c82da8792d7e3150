// Package metrics exposes prometheus collectors for delivery gating, digest
// flushing and settings mutations.
package metrics

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	gateDecisions    *prometheus.CounterVec
	digestFlushes    *prometheus.CounterVec
	digestItems      prometheus.Counter
	pendingBuckets   prometheus.Gauge
	settingsMutation *prometheus.CounterVec
	settingsRecovery prometheus.Counter
}

// New registers the collectors on a fresh registry under the given namespace
func New(namespace string) *Metrics {
	ns := strings.ReplaceAll(namespace, "-", "_")
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "gate_decisions_total",
			Help:      "Quiet-hours gate decisions by outcome",
		},
		[]string{"decision"},
	)
	m.digestFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "digest_flushes_total",
			Help:      "Digest bucket flush attempts by result",
		},
		[]string{"result"},
	)
	m.digestItems = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "digest_items_delivered_total",
			Help:      "Notifications delivered inside digest batches",
		},
	)
	m.pendingBuckets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "digest_pending_buckets",
			Help:      "Digest buckets waiting for their boundary",
		},
	)
	m.settingsMutation = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "settings_mutations_total",
			Help:      "Settings mutations by operation and result",
		},
		[]string{"operation", "result"},
	)
	m.settingsRecovery = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "settings_parse_recoveries_total",
			Help:      "Persisted settings replaced with defaults after a parse failure",
		},
	)

	m.registry.MustRegister(
		m.gateDecisions,
		m.digestFlushes,
		m.digestItems,
		m.pendingBuckets,
		m.settingsMutation,
		m.settingsRecovery,
	)
	return m
}

// Registry is exposed for tests and for custom collectors
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) GateDecision(decision string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) DigestFlushed(items int) {
	if m == nil {
		return
	}
	m.digestFlushes.WithLabelValues("ok").Inc()
	m.digestItems.Add(float64(items))
}

func (m *Metrics) DigestFlushFailed() {
	if m == nil {
		return
	}
	m.digestFlushes.WithLabelValues("error").Inc()
}

func (m *Metrics) PendingBuckets(n int) {
	if m == nil {
		return
	}
	m.pendingBuckets.Set(float64(n))
}

func (m *Metrics) SettingsMutation(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.settingsMutation.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) SettingsRecovered() {
	if m == nil {
		return
	}
	m.settingsRecovery.Inc()
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
