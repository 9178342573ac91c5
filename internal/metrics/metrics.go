// Package metrics provides Prometheus instrumentation for the Finomaly monitor.
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

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finomaly",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "finomaly",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ScoringRequestsTotal counts calls to the scoring service by mode,
	// endpoint, and outcome (ok, rejected, fault, short_circuit).
	ScoringRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finomaly",
			Subsystem: "scoring",
			Name:      "requests_total",
			Help:      "Total scoring service requests by mode, endpoint, and outcome.",
		},
		[]string{"mode", "endpoint", "outcome"},
	)

	// ScoringDuration observes scoring request latency.
	ScoringDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "finomaly",
			Subsystem: "scoring",
			Name:      "request_duration_seconds",
			Help:      "Scoring service request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"mode", "endpoint"},
	)

	// ScoringBreakerState is 0 while an endpoint's breaker is closed, 1 while
	// a trial call is allowed, and 2 while it is short-circuited.
	ScoringBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "finomaly",
			Subsystem: "scoring",
			Name:      "breaker_state",
			Help:      "Scoring endpoint breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"endpoint"},
	)

	// ScoringBreakerTransitionsTotal counts breaker state changes.
	ScoringBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finomaly",
			Subsystem: "scoring",
			Name:      "breaker_transitions_total",
			Help:      "Scoring endpoint breaker transitions by endpoint, from-state, and to-state.",
		},
		[]string{"endpoint", "from", "to"},
	)

	// AnalysesTotal counts completed CSV analyses by mode and result.
	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finomaly",
			Name:      "analyses_total",
			Help:      "Total CSV analyses by mode and result.",
		},
		[]string{"mode", "result"},
	)

	// TransactionsScoredTotal counts transactions leaving the scoring client
	// by result (scored, unknown, error).
	TransactionsScoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finomaly",
			Name:      "transactions_scored_total",
			Help:      "Total transactions returned by the scoring client, by result.",
		},
		[]string{"result"},
	)

	// LiveRecomputesTotal counts reconciliation recomputes.
	LiveRecomputesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "finomaly",
		Subsystem: "live",
		Name:      "recomputes_total",
		Help:      "Total live view recomputes.",
	})

	// LiveSubscriptionErrorsTotal counts document store subscription errors.
	LiveSubscriptionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finomaly",
			Subsystem: "live",
			Name:      "subscription_errors_total",
			Help:      "Total document store subscription errors by collection.",
		},
		[]string{"collection"},
	)

	// LiveTransactions tracks the size of the merged transaction view.
	LiveTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finomaly",
		Subsystem: "live",
		Name:      "transactions",
		Help:      "Number of transactions in the live view.",
	})

	// LiveAlerts tracks the number of indexed anomaly alerts.
	LiveAlerts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finomaly",
		Subsystem: "live",
		Name:      "alerts",
		Help:      "Number of anomaly alerts in the live view.",
	})

	// FeedMessagesTotal counts stream messages by topic and result.
	FeedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finomaly",
			Subsystem: "feed",
			Name:      "messages_total",
			Help:      "Total stream messages by topic and result.",
		},
		[]string{"topic", "result"},
	)

	// RateLimitedTotal counts requests rejected by a rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finomaly",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by rate limiting, by limiter.",
		},
		[]string{"limiter"},
	)

	// WebhookDeliveriesTotal counts outbound alert webhook deliveries by outcome.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finomaly",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Outbound alert webhook deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "finomaly",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finomaly", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finomaly", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finomaly", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finomaly", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finomaly", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finomaly", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ScoringRequestsTotal,
		ScoringDuration,
		ScoringBreakerState,
		ScoringBreakerTransitionsTotal,
		AnalysesTotal,
		TransactionsScoredTotal,
		LiveRecomputesTotal,
		LiveSubscriptionErrorsTotal,
		LiveTransactions,
		LiveAlerts,
		FeedMessagesTotal,
		RateLimitedTotal,
		WebhookDeliveriesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
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
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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
