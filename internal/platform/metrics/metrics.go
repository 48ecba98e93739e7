// Package metrics exposes the consent core prometheus collectors
//
// The registry is injected so binaries own collector lifetime; every method
// is safe on a nil receiver so tests and optional wiring skip metrics without
// guards at call sites
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the consent core collectors
type Metrics struct {
	reg *prometheus.Registry

	consentRequests  *prometheus.CounterVec
	consentDecisions *prometheus.CounterVec
	tokenValidations *prometheus.CounterVec
	sseActive        prometheus.Gauge
	ledgerAppend     prometheus.Histogram
	ratelimitRejects *prometheus.CounterVec
}

// New builds a registry with process collectors plus the consent set
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		consentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hushh_consent_requests_total",
			Help: "Consent request outcomes by coordinator status",
		}, []string{"outcome"}),
		consentDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hushh_consent_decisions_total",
			Help: "User decisions appended to the ledger by action",
		}, []string{"action"}),
		tokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hushh_token_validations_total",
			Help: "Token verification results",
		}, []string{"result"}),
		sseActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hushh_sse_subscriptions_active",
			Help: "Open notification bus subscriptions",
		}),
		ledgerAppend: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hushh_ledger_append_seconds",
			Help:    "Ledger append latency",
			Buckets: prometheus.DefBuckets,
		}),
		ratelimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hushh_ratelimit_rejections_total",
			Help: "Requests rejected by the rate limiter per route class",
		}, []string{"class"}),
	}
	reg.MustRegister(m.consentRequests, m.consentDecisions, m.tokenValidations,
		m.sseActive, m.ledgerAppend, m.ratelimitRejects)
	return m
}

// Handler serves the registry for GET /metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ConsentRequest counts one coordinator outcome
func (m *Metrics) ConsentRequest(outcome string) {
	if m == nil {
		return
	}
	m.consentRequests.WithLabelValues(outcome).Inc()
}

// Decision counts one appended user decision
func (m *Metrics) Decision(action string) {
	if m == nil {
		return
	}
	m.consentDecisions.WithLabelValues(action).Inc()
}

// TokenValidation counts one verification result ("ok" or the failure class)
func (m *Metrics) TokenValidation(result string) {
	if m == nil {
		return
	}
	m.tokenValidations.WithLabelValues(result).Inc()
}

// SSEOpened tracks a subscription going live
func (m *Metrics) SSEOpened() {
	if m == nil {
		return
	}
	m.sseActive.Inc()
}

// SSEClosed tracks a subscription ending
func (m *Metrics) SSEClosed() {
	if m == nil {
		return
	}
	m.sseActive.Dec()
}

// LedgerAppend observes one append latency in seconds
func (m *Metrics) LedgerAppend(seconds float64) {
	if m == nil {
		return
	}
	m.ledgerAppend.Observe(seconds)
}

// RatelimitRejected counts one 429 per route class
func (m *Metrics) RatelimitRejected(class string) {
	if m == nil {
		return
	}
	m.ratelimitRejects.WithLabelValues(class).Inc()
}
