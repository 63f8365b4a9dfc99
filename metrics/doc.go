// Package metrics provides implementations of dispatch.MetricsCollector.
//
// Two collectors ship with chanbind:
//   - SimpleCollector: in-memory counters and timing stats, readable back as
//     a Summary; suitable for tests and embedded use
//   - PrometheusCollector: per-channel counter and histogram vectors on a
//     private Prometheus registry, ready for promhttp exposure
package metrics
