package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDuplicatesRemoved = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wagerescrow",
		Subsystem: "reconciliation",
		Name:      "duplicates_removed",
		Help:      "Duplicate payout records removed in the last reconciliation run.",
	})

	reconcileExcessCredited = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wagerescrow",
		Subsystem: "reconciliation",
		Name:      "excess_credited",
		Help:      "Amount paid out by the duplicates removed in the last run, in minor units.",
	})

	reconcileUnpaidMatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wagerescrow",
		Subsystem: "reconciliation",
		Name:      "unpaid_matches",
		Help:      "Completed matches without a payout record found in the last run.",
	})

	reconcileStrandedHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wagerescrow",
		Subsystem: "reconciliation",
		Name:      "stranded_holds_released",
		Help:      "Stranded escrow holds released in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wagerescrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wagerescrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation step errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileDuplicatesRemoved,
		reconcileExcessCredited,
		reconcileUnpaidMatches,
		reconcileStrandedHolds,
		reconcileDuration,
		reconcileErrors,
	)
}
