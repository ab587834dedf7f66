// Package metrics provides Prometheus instrumentation for the escrow service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wagerescrow"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HoldsTotal counts hold transitions by resulting status.
	HoldsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holds_total",
			Help:      "Escrow hold transitions by resulting status.",
		},
		[]string{"status"},
	)

	// MatchTransitionsTotal counts match state machine transitions.
	MatchTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_transitions_total",
			Help:      "Match transitions by target status.",
		},
		[]string{"status"},
	)

	// SettlementsTotal counts Settle calls by path and outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement attempts by path (primary, fallback, precheck) and outcome.",
		},
		[]string{"path", "outcome"},
	)

	// SettlementDuration observes end-to-end Settle latency.
	SettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "settlement_duration_seconds",
		Help:      "Time spent in Settle, including retries.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
	})

	// InvariantViolationsTotal counts detected core guarantee failures. Alert on any increase.
	InvariantViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Detected invariant violations by kind.",
		},
		[]string{"kind"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HoldsTotal,
		MatchTransitionsTotal,
		SettlementsTotal,
		SettlementDuration,
		InvariantViolationsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
