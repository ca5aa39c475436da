// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TradeTransitionsTotal counts trade state transitions by operation and result.
	TradeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "trade_transitions_total",
			Help:      "Total trade state transitions by operation and result.",
		},
		[]string{"op", "result"},
	)

	// TradesByStatus tracks the count of trades entering each status.
	TradesByStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "trades_total",
			Help:      "Total trades entering each status.",
		},
		[]string{"status"},
	)

	// EscrowSettlementsTotal counts escrow terminal operations by kind.
	EscrowSettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "escrow_settlements_total",
			Help:      "Total escrow settlements by kind (release, refund, noop).",
		},
		[]string{"kind"},
	)

	// DisputesTotal counts dispute lifecycle events.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "disputes_total",
			Help:      "Total dispute lifecycle events by kind.",
		},
		[]string{"kind"},
	)

	// SchedulerScansTotal counts timeout scheduler scan cycles.
	SchedulerScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "scheduler_scans_total",
			Help:      "Total timeout scheduler scan cycles.",
		},
	)

	// SchedulerTimeoutsTotal counts forced timeouts by outcome.
	SchedulerTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "scheduler_timeouts_total",
			Help:      "Total forced timeout transitions by outcome.",
		},
		[]string{"outcome"},
	)

	// NotifierEventsTotal counts emitted notification events by type.
	NotifierEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "notifier_events_total",
			Help:      "Total notification events emitted by type.",
		},
		[]string{"type"},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TradeTransitionsTotal,
		TradesByStatus,
		EscrowSettlementsTotal,
		DisputesTotal,
		SchedulerScansTotal,
		SchedulerTimeoutsTotal,
		NotifierEventsTotal,
		WebhookDeliveriesTotal,
	)
}

// Middleware records request counts and latencies per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := statusLabel(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusLabel(code int) string {
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
