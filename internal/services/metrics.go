package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	LedgerEntries       *prometheus.CounterVec
	DuplicatesIgnored   *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec
	ProjectionChanges   *prometheus.CounterVec
	RefundAllocations   *prometheus.CounterVec
	ReconciliationItems *prometheus.CounterVec
	LockWait            prometheus.Histogram
}

// NewMetrics creates and registers the collectors
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		LedgerEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_entries_appended_total",
				Help: "Total ledger entries appended.",
			},
			[]string{"payment_type", "status"},
		),
		DuplicatesIgnored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_webhook_duplicates_ignored_total",
				Help: "Total duplicate gateway events absorbed by idempotency.",
			},
			[]string{"gateway"},
		),
		WebhookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_webhook_ingest_duration_seconds",
				Help:    "Gateway event ingestion duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"gateway", "result"},
		),
		ProjectionChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_payment_status_changes_total",
				Help: "Total quote payment status transitions.",
			},
			[]string{"from", "to"},
		),
		RefundAllocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_refund_allocations_total",
				Help: "Total refund allocation attempts.",
			},
			[]string{"result"},
		),
		ReconciliationItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_reconciliation_items_total",
				Help: "Total reconciliation items produced.",
			},
			[]string{"match_type", "status"},
		),
		LockWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_quote_lock_wait_seconds",
				Help:    "Time spent waiting for the per-quote lock.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	registry.MustRegister(m.LedgerEntries, m.DuplicatesIgnored, m.WebhookDuration,
		m.ProjectionChanges, m.RefundAllocations, m.ReconciliationItems, m.LockWait)
	return m
}

func (m *Metrics) entryAppended(paymentType, status string) {
	if m == nil {
		return
	}
	m.LedgerEntries.WithLabelValues(paymentType, status).Inc()
}

func (m *Metrics) duplicateIgnored(gateway string) {
	if m == nil {
		return
	}
	m.DuplicatesIgnored.WithLabelValues(gateway).Inc()
}

func (m *Metrics) observeWebhook(gateway, result string, started time.Time) {
	if m == nil {
		return
	}
	m.WebhookDuration.WithLabelValues(gateway, result).Observe(time.Since(started).Seconds())
}

func (m *Metrics) statusChanged(from, to string) {
	if m == nil {
		return
	}
	m.ProjectionChanges.WithLabelValues(from, to).Inc()
}

func (m *Metrics) refundAllocation(result string) {
	if m == nil {
		return
	}
	m.RefundAllocations.WithLabelValues(result).Inc()
}

func (m *Metrics) reconciliationItem(matchType, status string) {
	if m == nil {
		return
	}
	m.ReconciliationItems.WithLabelValues(matchType, status).Inc()
}

func (m *Metrics) lockWaited(started time.Time) {
	if m == nil {
		return
	}
	m.LockWait.Observe(time.Since(started).Seconds())
}
