package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles reconciliation engine metrics.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	BulkPeriodsTotal *prometheus.CounterVec
	RecoveryRate     prometheus.Gauge
	Discrepancy      prometheus.Gauge
	CorrectionsTotal prometheus.Counter
	MeterFailures    prometheus.Counter
}

// New constructs and registers metrics.
func New() *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metergrid_reconciliation_runs_total",
				Help: "Total reconciliation runs by status",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "metergrid_reconciliation_run_duration_seconds",
			Help:    "Reconciliation run duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		BulkPeriodsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metergrid_bulk_periods_total",
				Help: "Total bulk reconciliation periods by outcome",
			},
			[]string{"outcome"},
		),
		RecoveryRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metergrid_recovery_rate_percent",
			Help: "Recovery rate of the last completed run",
		}),
		Discrepancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metergrid_discrepancy_kwh",
			Help: "Supply minus distribution of the last completed run",
		}),
		CorrectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metergrid_value_corrections_total",
			Help: "Total corrected channel samples",
		}),
		MeterFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metergrid_meter_failures_total",
			Help: "Total meters excluded from runs after exhausted retries",
		}),
	}
	prometheus.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.BulkPeriodsTotal,
		m.RecoveryRate,
		m.Discrepancy,
		m.CorrectionsTotal,
		m.MeterFailures,
	)
	return m
}
