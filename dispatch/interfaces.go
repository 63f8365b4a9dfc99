package dispatch

import (
	"time"
)

// Failure reasons reported to MetricsCollector.IncFailed.
const (
	FailureUnknownChannel = "unknown_channel"
	FailureValidation     = "validation"
	FailureHandler        = "handler"
	FailureRouting        = "routing"
)

// MetricsCollector receives dispatch telemetry. Implementations must be safe
// for concurrent use.
type MetricsCollector interface {
	// IncDispatched counts one successfully dispatched delivery
	IncDispatched(channel string)

	// IncFailed counts one failed delivery with its failure reason
	IncFailed(channel string, reason string)

	// ObserveDuration records how long one dispatch took end to end
	ObserveDuration(channel string, d time.Duration)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// IncDispatched does nothing
func (NoOpMetricsCollector) IncDispatched(channel string) {}

// IncFailed does nothing
func (NoOpMetricsCollector) IncFailed(channel string, reason string) {}

// ObserveDuration does nothing
func (NoOpMetricsCollector) ObserveDuration(channel string, d time.Duration) {}
