package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports dispatch telemetry through a Prometheus
// registry.
type PrometheusCollector struct {
	registry   *prometheus.Registry
	dispatched *prometheus.CounterVec
	failed     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewPrometheusCollector creates a collector with its own registry, with all
// metrics under the given namespace.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	registry := prometheus.NewRegistry()

	return &PrometheusCollector{
		registry: registry,
		dispatched: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_total",
			Help:      "Deliveries dispatched successfully, by channel",
		}, []string{"channel"}),
		failed: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_total",
			Help:      "Deliveries that failed dispatch, by channel and reason",
		}, []string{"channel", "reason"}),
		duration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "End to end dispatch latency, by channel",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
	}
}

// Registry returns the Prometheus registry backing the collector, for
// exposure via promhttp.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// IncDispatched counts one successfully dispatched delivery
func (c *PrometheusCollector) IncDispatched(channel string) {
	c.dispatched.WithLabelValues(channel).Inc()
}

// IncFailed counts one failed delivery by reason
func (c *PrometheusCollector) IncFailed(channel string, reason string) {
	c.failed.WithLabelValues(channel, reason).Inc()
}

// ObserveDuration records dispatch latency
func (c *PrometheusCollector) ObserveDuration(channel string, d time.Duration) {
	c.duration.WithLabelValues(channel).Observe(d.Seconds())
}
