package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	EngineErrors        *prometheus.CounterVec
	TokenRefreshFailed  *prometheus.CounterVec
	UtterancesSpoken    prometheus.Counter
	BargeIns            prometheus.Counter
	RecognitionLatency  prometheus.Histogram
	FirstTokenLatency   prometheus.Histogram
	UtteranceDuration   prometheus.Histogram
	OutboundDropped     *prometheus.CounterVec
	latencyWindow       *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live client sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and path.",
		}, []string{"direction", "path"}),
		EngineErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Speech engine errors by surface and code.",
		}, []string{"surface", "code"}),
		TokenRefreshFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_failures_total",
			Help:      "Credential refresh failures by credential kind.",
		}, []string{"kind"}),
		UtterancesSpoken: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_spoken_total",
			Help:      "Utterances synthesized to completion.",
		}),
		BargeIns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Speech output interruptions triggered by detected user speech.",
		}),
		RecognitionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recognition_latency_ms",
			Help:      "Latency from end of speech to final recognition result in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 1000, 2000},
		}),
		FirstTokenLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_first_token_latency_ms",
			Help:      "Latency to first streamed chat token in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 5000},
		}),
		UtteranceDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_ms",
			Help:      "Blocking synthesis call duration per utterance in milliseconds.",
			Buckets:   []float64{200, 500, 1000, 2000, 4000, 8000, 15000},
		}),
		OutboundDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_dropped_total",
			Help:      "Outbound duplex messages dropped because the client channel was saturated.",
		}, []string{"path"}),
		latencyWindow: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveRecognitionLatency(d time.Duration) {
	m.RecognitionLatency.Observe(float64(d.Milliseconds()))
	m.latencyWindow.Observe("stt_final", float64(d.Milliseconds()))
}

func (m *Metrics) ObserveFirstTokenLatency(d time.Duration) {
	m.FirstTokenLatency.Observe(float64(d.Milliseconds()))
	m.latencyWindow.Observe("chat_first_token", float64(d.Milliseconds()))
}

func (m *Metrics) ObserveUtteranceDuration(d time.Duration) {
	m.UtteranceDuration.Observe(float64(d.Milliseconds()))
	m.latencyWindow.Observe("utterance", float64(d.Milliseconds()))
}

// LatencySnapshot returns the rolling-window percentile view backing the perf
// endpoint.
func (m *Metrics) LatencySnapshot() LatencySnapshot {
	return m.latencyWindow.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
