package syncer

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	RunsTotal      *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	AccountSyncs   *prometheus.CounterVec
	TradesFetched  prometheus.Counter
	SnapshotsSaved prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_runs_total",
				Help: "Total sync runs by outcome.",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sync_run_duration_seconds",
				Help:    "Duration of one user's full sync run.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		AccountSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "account_reconciliations_total",
				Help: "Per-account reconciliation attempts by exchange and outcome.",
			},
			[]string{"exchange", "status"},
		),
		TradesFetched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trades_fetched_total",
				Help: "Total trades fetched from exchanges.",
			},
		),
		SnapshotsSaved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "portfolio_snapshots_total",
				Help: "Total portfolio snapshots written.",
			},
		),
	}

	registry.MustRegister(m.RunsTotal, m.RunDuration, m.AccountSyncs, m.TradesFetched, m.SnapshotsSaved)
	return m
}
