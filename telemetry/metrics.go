package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/warp/copay-engine/payments"
)

const namespace = "copay"

// Metrics exports engine counters to Prometheus.
type Metrics struct {
	submitted      *prometheus.CounterVec
	replayed       prometheus.Counter
	settled        *prometheus.CounterVec
	ignored        *prometheus.CounterVec
	amountMismatch prometheus.Counter
	creditEntries  *prometheus.CounterVec
	creditAmount   *prometheus.CounterVec

	StalePending prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ payments.Metrics = (*Metrics)(nil)

// NewMetrics registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_submitted_total",
			Help:      "Payments accepted, by initial status.",
		}, []string{"status"}),
		replayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_replayed_total",
			Help:      "Submissions answered from an existing request key.",
		}),
		settled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_settled_total",
			Help:      "Payments moved to a terminal status by a webhook.",
		}, []string{"status"}),
		ignored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_ignored_total",
			Help:      "Webhooks that changed nothing, by reason.",
		}, []string{"reason"}),
		amountMismatch: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_amount_mismatch_total",
			Help:      "Webhooks whose amount differs from the payment amount.",
		}),
		creditEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_transactions_total",
			Help:      "Credit ledger entries written, by type.",
		}, []string{"type"}),
		creditAmount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_amount_dollars_total",
			Help:      "Absolute credit amount moved, by entry type.",
		}, []string{"type"}),
		StalePending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_pending_payments",
			Help:      "PENDING payments older than the sweeper threshold.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) PaymentSubmitted(status payments.PaymentStatus) {
	m.submitted.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) PaymentReplayed() { m.replayed.Inc() }

func (m *Metrics) PaymentSettled(status payments.PaymentStatus) {
	m.settled.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) WebhookIgnored(reason string) {
	m.ignored.WithLabelValues(reason).Inc()
}

func (m *Metrics) WebhookAmountMismatch() { m.amountMismatch.Inc() }

func (m *Metrics) CreditRecorded(typ payments.CreditTransactionType, amount decimal.Decimal) {
	m.creditEntries.WithLabelValues(string(typ)).Inc()
	m.creditAmount.WithLabelValues(string(typ)).Add(amount.Abs().InexactFloat64())
}
