// Package metrics registers the relay's Prometheus collectors:
//
//	liqrelay_frames_total{source}
//	liqrelay_frames_malformed_total{source}
//	liqrelay_events_total{source}
//	liqrelay_alerts_total{source,result}
//	liqrelay_reconnects_total{source}
//	liqrelay_feed_status{source}
//	liqrelay_feed_healthy{source}
//	go_* and process_* system metrics
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"liquidation-relay/internal/event"
)

const namespace = "liqrelay"

type Metrics struct {
	registry *prometheus.Registry

	frames     *prometheus.CounterVec
	malformed  *prometheus.CounterVec
	events     *prometheus.CounterVec
	alerts     *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	status     *prometheus.GaugeVec
	healthy    *prometheus.GaugeVec
}

// New builds a private registry so tests and multiple instances never collide on the global one.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound frames received per feed",
		}, []string{"source"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_malformed_total",
			Help:      "Frames or records dropped because they could not be normalized",
		}, []string{"source"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Normalized liquidation events per feed",
		}, []string{"source"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts by delivery result (sent, failed, filtered)",
		}, []string{"source", "result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts per feed",
		}, []string{"source"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_status",
			Help:      "Feed lifecycle state (0 disconnected, 1 connecting, 2 subscribing, 3 live, 4 degraded)",
		}, []string{"source"}),
		healthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_healthy",
			Help:      "1 when the feed is live and recently heard from",
		}, []string{"source"}),
	}
	m.registry.MustRegister(
		m.frames, m.malformed, m.events, m.alerts, m.reconnects, m.status, m.healthy,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FrameReceived(src event.Source) {
	if m != nil {
		m.frames.WithLabelValues(string(src)).Inc()
	}
}

func (m *Metrics) FrameMalformed(src event.Source) {
	if m != nil {
		m.malformed.WithLabelValues(string(src)).Inc()
	}
}

func (m *Metrics) EventsNormalized(src event.Source, n int) {
	if m != nil && n > 0 {
		m.events.WithLabelValues(string(src)).Add(float64(n))
	}
}

// Alert records the outcome of one pipeline pass: "sent", "failed" or "filtered".
func (m *Metrics) Alert(src event.Source, result string) {
	if m != nil {
		m.alerts.WithLabelValues(string(src), result).Inc()
	}
}

func (m *Metrics) Reconnect(src event.Source) {
	if m != nil {
		m.reconnects.WithLabelValues(string(src)).Inc()
	}
}

func (m *Metrics) FeedStatus(src event.Source, status int) {
	if m != nil {
		m.status.WithLabelValues(string(src)).Set(float64(status))
	}
}

func (m *Metrics) FeedHealthy(src event.Source, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.healthy.WithLabelValues(string(src)).Set(v)
}
