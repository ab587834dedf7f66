package ledger

import (
	"errors"
	"time"

	"github.com/mbd888/wagerescrow/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wagerescrow",
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by type and result.",
		},
		[]string{"type", "result"},
	)

	opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wagerescrow",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(opsTotal, opDuration)
}

func observe(op string, start time.Time, err error) {
	opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	opsTotal.WithLabelValues(op, result(err)).Inc()
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrPersistence):
		return "persistence"
	default:
		return "error"
	}
}
