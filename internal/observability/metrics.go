package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	WebhookEvents     *prometheus.CounterVec
	BackendErrors     *prometheus.CounterVec
	SpeculativeStarts *prometheus.CounterVec
	StreamEvents      *prometheus.CounterVec
	QueueDropped      prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active call sessions.",
		}),
		WebhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Carrier webhook events by endpoint.",
		}, []string{"endpoint"}),
		BackendErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Backend call failures by operation.",
		}, []string{"op"}),
		SpeculativeStarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speculative_starts_total",
			Help:      "Speculative generation attempts by outcome.",
		}, []string{"outcome"}),
		StreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Push stream connection and delivery events by kind.",
		}, []string{"kind"}),
		QueueDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Stream events dropped because a session queue was full.",
		}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
