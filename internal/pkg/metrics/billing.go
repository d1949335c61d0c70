// Package metrics exposes the billing engine's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ManuelReschke/ReceiptFox/internal/pkg/billing"
)

const (
	Namespace = "receiptfox"
	subsystem = "billing"
)

// Billing implements billing.Metrics using Prometheus.
type Billing struct {
	webhookEvents     *prometheus.CounterVec
	webhookErrors     *prometheus.CounterVec
	dedupUnavailable  prometheus.Counter
	handlerDuration   *prometheus.HistogramVec
	paymentRecovered  prometheus.Counter
	reconcileRuns     prometheus.Counter
	reconcileAccounts *prometheus.CounterVec
	providerErrors    *prometheus.CounterVec
}

var _ billing.Metrics = (*Billing)(nil)

func NewBilling(reg prometheus.Registerer) *Billing {
	factory := promauto.With(reg)

	return &Billing{
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries accepted, by event type and outcome.",
		}, []string{"type", "outcome"}),

		webhookErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "webhook_errors_total",
			Help:      "Webhook ingestion and processing errors.",
		}, []string{"reason"}),

		dedupUnavailable: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "dedup_unavailable_total",
			Help:      "Deliveries processed without replay protection because the dedup store failed.",
		}),

		handlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "handler_duration_seconds",
			Help:      "Time spent handling one event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),

		paymentRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "payment_recovered_total",
			Help:      "Accounts that moved from a failed payment back to ok.",
		}),

		reconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation passes started.",
		}),

		reconcileAccounts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "reconcile_accounts_total",
			Help:      "Accounts visited by the reconciler, by result.",
		}, []string{"result"}),

		providerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "provider_errors_total",
			Help:      "Failed payment provider API calls, by operation.",
		}, []string{"operation"}),
	}
}

func (m *Billing) RecordWebhook(eventType, outcome string) {
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Billing) RecordWebhookError(reason string) {
	m.webhookErrors.WithLabelValues(reason).Inc()
}

func (m *Billing) RecordDedupUnavailable() {
	m.dedupUnavailable.Inc()
}

func (m *Billing) ObserveHandler(eventType string, d time.Duration) {
	m.handlerDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

func (m *Billing) RecordPaymentRecovered() {
	m.paymentRecovered.Inc()
}

func (m *Billing) RecordReconcileRun() {
	m.reconcileRuns.Inc()
}

func (m *Billing) RecordReconcileAccount(result string) {
	m.reconcileAccounts.WithLabelValues(result).Inc()
}

func (m *Billing) RecordProviderError(operation string) {
	m.providerErrors.WithLabelValues(operation).Inc()
}
