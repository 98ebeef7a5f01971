package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for auth flows.
type Metrics struct {
	requests *prometheus.CounterVec
	signIns  *prometheus.CounterVec
	sessions *prometheus.CounterVec
	proxied  *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers it with the provided registerer.
// If registerer is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "authflow",
				Name:      "requests_total",
				Help:      "Auth requests by action and response status",
			},
			[]string{"action", "status"},
		),
		signIns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "authflow",
				Name:      "signins_total",
				Help:      "Completed sign-in attempts by provider and outcome",
			},
			[]string{"provider", "result"},
		),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "authflow",
				Name:      "sessions_established_total",
				Help:      "Sessions established by strategy",
			},
			[]string{"strategy"},
		),
		proxied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "authflow",
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Proxied requests by host and outcome",
			},
			[]string{"host", "result"},
		),
	}

	registerer.MustRegister(m.requests, m.signIns, m.sessions, m.proxied)
	return m
}

func (m *Metrics) recordRequest(action string, status int) {
	if m == nil {
		return
	}
	if action == "" {
		action = "none"
	}
	m.requests.WithLabelValues(action, statusClass(status)).Inc()
}

func (m *Metrics) recordSignIn(provider string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.signIns.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) recordSession(strategy string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(strategy).Inc()
}

func (m *Metrics) recordProxy(host, result string) {
	if m == nil {
		return
	}
	m.proxied.WithLabelValues(host, result).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
