package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the daemon.
type Metrics struct {
	OpenStreams      prometheus.Gauge
	StreamReconnects *prometheus.CounterVec
	StreamFaults     *prometheus.CounterVec
	TaskEvents       *prometheus.CounterVec
	PollRequests     *prometheus.CounterVec
	TokenCommitBatch prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		OpenStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_streams",
			Help:      "Number of open task event streams.",
		}),
		StreamReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Stream reconnect attempts by outcome.",
		}, []string{"outcome"}),
		StreamFaults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_faults_total",
			Help:      "Stream faults by class.",
		}, []string{"class"}),
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		PollRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_requests_total",
			Help:      "Fallback poll requests by result.",
		}, []string{"result"}),
		TokenCommitBatch: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_commit_batch_bytes",
			Help:      "Size of committed token batches in bytes.",
			Buckets:   []float64{8, 32, 128, 512, 2048, 8192},
		}),
	}
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveCommitBatch(bytes int) {
	if m == nil {
		return
	}
	m.TokenCommitBatch.Observe(float64(bytes))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
