// Package metrics provides Prometheus instrumentation for giftguard.
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

const namespace = "giftguard"

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

	// --- Fraud defense ---

	// FraudChecksTotal counts request-time rule evaluations by decision.
	FraudChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fraud_checks_total",
		Help:      "Request-time fraud checks by decision (allow, block).",
	}, []string{"decision"})

	// FraudEventsTotal counts fraud events appended to the log.
	FraudEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fraud_events_total",
		Help:      "Fraud events appended to the event log.",
	})

	// RuleMatchesTotal counts blocks by the type of the matching rule.
	RuleMatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "defense_rule_matches_total",
		Help:      "Defense rule matches by rule type.",
	}, []string{"rule_type"})

	// RulesUpsertedTotal counts cluster-driven rule writes by result (created, merged).
	RulesUpsertedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "defense_rules_upserted_total",
		Help:      "Defense rule upserts by result.",
	}, []string{"result"})

	// RulesDeactivatedTotal counts rule deactivations by cause (decay, manual).
	RulesDeactivatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "defense_rules_deactivated_total",
		Help:      "Defense rule deactivations by cause.",
	}, []string{"cause"})

	// ActiveDefenseRules tracks active rules after the last cache refresh.
	ActiveDefenseRules = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "defense_rules_active",
		Help:      "Number of active defense rules.",
	})

	// ClusterScanDuration observes threat cluster scan latency.
	ClusterScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cluster_scan_duration_seconds",
		Help:      "Threat cluster scan duration in seconds.",
		Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 10},
	})

	// ClustersFoundTotal counts qualifying clusters by signature key.
	ClustersFoundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "clusters_found_total",
		Help:      "Qualifying threat clusters by signature key.",
	}, []string{"key"})

	// ReplayRunsTotal counts replay invocations by mode.
	ReplayRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replay_runs_total",
		Help:      "Threat replay runs by mode (dry_run, apply).",
	}, []string{"mode"})

	// ReplayEffectiveness records the effectiveness percentage of the last replay.
	ReplayEffectiveness = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "replay_effectiveness_percent",
		Help:      "Effectiveness percentage reported by the most recent replay.",
	})

	// BlockAlertsTotal counts block alerts by outcome (sent, throttled, dropped).
	BlockAlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "block_alerts_total",
		Help:      "defense.blocked alerts by outcome (sent, throttled, dropped).",
	}, []string{"outcome"})

	// EventBusDropped counts messages dropped because the publish queue was full.
	EventBusDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eventbus_dropped_total",
		Help:      "Event bus messages dropped on a full publish queue, by topic.",
	}, []string{"topic"})

	// --- Webhooks ---

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by result (delivered, queued, failed).",
		},
		[]string{"result"},
	)

	// WebhookAttemptDuration observes outbound POST latency.
	WebhookAttemptDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "webhook_attempt_duration_seconds",
		Help:      "Outbound webhook request duration in seconds.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// WebhookRetryClaims counts entries claimed by the retry scheduler.
	WebhookRetryClaims = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_retry_claims_total",
		Help:      "Retry queue entries claimed by the scheduler.",
	})

	// WebhookFailuresLogged counts failure log entries written.
	WebhookFailuresLogged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_failures_logged_total",
		Help:      "Failure log entries by cause (exhausted, permanent, backpressure).",
	}, []string{"cause"})

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
		FraudChecksTotal,
		FraudEventsTotal,
		RuleMatchesTotal,
		RulesUpsertedTotal,
		RulesDeactivatedTotal,
		ActiveDefenseRules,
		ClusterScanDuration,
		ClustersFoundTotal,
		ReplayRunsTotal,
		ReplayEffectiveness,
		BlockAlertsTotal,
		EventBusDropped,
		WebhookDeliveriesTotal,
		WebhookAttemptDuration,
		WebhookRetryClaims,
		WebhookFailuresLogged,
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
			c.FullPath(), // route pattern keeps label cardinality bounded
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
