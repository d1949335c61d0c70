package billing

import "time"

// Metrics receives billing engine measurements.
type Metrics interface {
	RecordWebhook(eventType, outcome string)
	RecordWebhookError(reason string)
	RecordDedupUnavailable()
	ObserveHandler(eventType string, d time.Duration)
	RecordPaymentRecovered()
	RecordReconcileRun()
	RecordReconcileAccount(result string)
	RecordProviderError(operation string)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) RecordWebhook(string, string)         {}
func (NoopMetrics) RecordWebhookError(string)            {}
func (NoopMetrics) RecordDedupUnavailable()              {}
func (NoopMetrics) ObserveHandler(string, time.Duration) {}
func (NoopMetrics) RecordPaymentRecovered()              {}
func (NoopMetrics) RecordReconcileRun()                  {}
func (NoopMetrics) RecordReconcileAccount(string)        {}
func (NoopMetrics) RecordProviderError(string)           {}

func metricsOrNoop(m Metrics) Metrics {
	if m == nil {
		return NoopMetrics{}
	}
	return m
}
