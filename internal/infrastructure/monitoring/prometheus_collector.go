package monitoring

import (
	"net/http"

	"kioskrtc/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector exports orchestrator state. It implements
// ports.MetricsRecorder.
type PrometheusCollector struct {
	registry *prometheus.Registry

	signalingState   prometheus.Gauge
	connectionState  *prometheus.GaugeVec
	heartbeatStatus  *prometheus.GaugeVec
	qualityScore     *prometheus.GaugeVec
	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	offerRequests    *prometheus.CounterVec
	sessionsClosed   *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers every metric on reg. A nil reg gets a
// fresh registry with the Go and process collectors.
func NewPrometheusCollector(reg *prometheus.Registry) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		signalingState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kioskrtc_signaling_state",
			Help: "Relay channel state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		}),

		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kioskrtc_connection_state",
			Help: "Peer session state per source (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed)",
		}, []string{"source"}),

		heartbeatStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kioskrtc_heartbeat_status",
			Help: "Liveness per source (0 unknown, 1 ok, 2 warning, 3 dead)",
		}, []string{"source"}),

		qualityScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kioskrtc_quality_score",
			Help: "Connection quality score per source (0-100)",
		}, []string{"source"}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskrtc_signaling_messages_received_total",
			Help: "Signaling messages received by type",
		}, []string{"type"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskrtc_signaling_messages_dropped_total",
			Help: "Signaling messages dropped by reason",
		}, []string{"reason"}),

		offerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskrtc_offer_requests_total",
			Help: "request_offer messages sent per source",
		}, []string{"source"}),

		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskrtc_sessions_closed_total",
			Help: "Peer sessions closed by the orchestrator",
		}, []string{"source", "reason"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskrtc_http_requests_total",
			Help: "Control API requests",
		}, []string{"method", "path", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kioskrtc_http_request_duration_seconds",
			Help:    "Control API request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "path"}),
	}
}

func (p *PrometheusCollector) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *PrometheusCollector) SetSignalingState(state domain.SignalingState) {
	p.signalingState.Set(float64(state))
}

func (p *PrometheusCollector) SetConnectionState(source domain.Identity, state domain.ConnectionState) {
	p.connectionState.WithLabelValues(string(source)).Set(float64(state))
}

func (p *PrometheusCollector) SetHeartbeatStatus(source domain.Identity, status domain.HeartbeatStatus) {
	p.heartbeatStatus.WithLabelValues(string(source)).Set(float64(status))
}

func (p *PrometheusCollector) SetQualityScore(source domain.Identity, score int) {
	p.qualityScore.WithLabelValues(string(source)).Set(float64(score))
}

func (p *PrometheusCollector) IncMessagesReceived(msgType domain.MessageType) {
	p.messagesReceived.WithLabelValues(string(msgType)).Inc()
}

func (p *PrometheusCollector) IncMessagesDropped(reason string) {
	p.messagesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) IncOfferRequests(source domain.Identity) {
	p.offerRequests.WithLabelValues(string(source)).Inc()
}

// IncSessionsClosed also drops the per-source gauges of a closed session.
func (p *PrometheusCollector) IncSessionsClosed(source domain.Identity, reason string) {
	p.sessionsClosed.WithLabelValues(string(source), reason).Inc()
	p.qualityScore.DeleteLabelValues(string(source))
}

func (p *PrometheusCollector) RecordHTTPRequest(method, path string, status int, seconds float64) {
	p.httpRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	p.httpDuration.WithLabelValues(method, path).Observe(seconds)
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
