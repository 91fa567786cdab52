package config

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// LedgerMetrics groups the collectors exported by the worker on /metrics.
type LedgerMetrics struct {
	Registry *prometheus.Registry

	EntriesPosted            *prometheus.CounterVec
	PostingFailures          *prometheus.CounterVec
	PostingDuration          prometheus.Histogram
	Categorizations          *prometheus.CounterVec
	CategoryOverride         prometheus.Counter
	IntegrityIssues          *prometheus.CounterVec
	BalanceRepairs           prometheus.Counter
	OutboxPublished          *prometheus.CounterVec
	ReconciliationsCompleted prometheus.Counter
}

var (
	metrics     *LedgerMetrics
	metricsOnce sync.Once
)

func newLedgerMetrics() *LedgerMetrics {
	m := &LedgerMetrics{
		Registry: prometheus.NewRegistry(),
		EntriesPosted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_entries_posted_total",
				Help: "Entries posted, by entry kind",
			},
			[]string{"kind"},
		),
		PostingFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_posting_failures_total",
				Help: "Rejected or failed postings, by error class",
			},
			[]string{"class"},
		),
		PostingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_posting_duration_seconds",
				Help:    "Wall time of a posting transaction",
				Buckets: prometheus.DefBuckets,
			},
		),
		Categorizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_cashflow_categorizations_total",
				Help: "Cash-flow categorizations, by source and category",
			},
			[]string{"source", "category"},
		),
		CategoryOverride: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_cashflow_overrides_total",
				Help: "Manual cash-flow category overrides",
			},
		),
		IntegrityIssues: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_integrity_issues_total",
				Help: "Integrity issues found, by check and severity",
			},
			[]string{"check", "severity"},
		),
		BalanceRepairs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_balance_repairs_total",
				Help: "Account balances overwritten by the auditor",
			},
		),
		OutboxPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_outbox_publish_total",
				Help: "Outbox publish attempts, by outcome",
			},
			[]string{"outcome"},
		),
		ReconciliationsCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_reconciliations_completed_total",
				Help: "Completed bank reconciliation sessions",
			},
		),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EntriesPosted,
		m.PostingFailures,
		m.PostingDuration,
		m.Categorizations,
		m.CategoryOverride,
		m.IntegrityIssues,
		m.BalanceRepairs,
		m.OutboxPublished,
		m.ReconciliationsCompleted,
	)
	return m
}

func Metrics() *LedgerMetrics {
	metricsOnce.Do(func() {
		metrics = newLedgerMetrics()
	})
	return metrics
}
