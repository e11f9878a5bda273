package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the daemon. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	SharingActive  prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	Samples        *prometheus.CounterVec
	FixErrors      *prometheus.CounterVec
	UplinkRequests *prometheus.CounterVec
	UplinkLatency  *prometheus.HistogramVec
	WSMessages     *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SharingActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sharing_active",
			Help:      "1 while a location sharing session is active.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sharing_events_total",
			Help:      "Sharing session events by type.",
		}, []string{"event"}),
		Samples: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_samples_total",
			Help:      "Location samples by disposition.",
		}, []string{"disposition"}),
		FixErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_fix_errors_total",
			Help:      "Position source errors by code.",
		}, []string{"code"}),
		UplinkRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uplink_requests_total",
			Help:      "Booking API requests by endpoint and result class.",
		}, []string{"endpoint", "result"}),
		UplinkLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "uplink_latency_ms",
			Help:      "Booking API request latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 400, 800, 1600, 5000},
		}, []string{"endpoint"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func (m *Metrics) SetSharingActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.SharingActive.Set(1)
		return
	}
	m.SharingActive.Set(0)
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveSample(disposition string) {
	if m == nil {
		return
	}
	m.Samples.WithLabelValues(disposition).Inc()
}

func (m *Metrics) ObserveFixError(code string) {
	if m == nil {
		return
	}
	m.FixErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveUplink(endpoint, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.UplinkRequests.WithLabelValues(endpoint, result).Inc()
	m.UplinkLatency.WithLabelValues(endpoint).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
