// Package metrics provides Prometheus metrics for recognition, storage and
// observer notification.
package metrics

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "face_tracker"

var (
	// Classifications counts resolve-and-classify outcomes by tier.
	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Total classifications by recency tier",
		},
		[]string{"tier"}, // recent, stale, unidentified
	)

	// Accepts counts persisted acceptances.
	Accepts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepts_total",
			Help:      "Total accepted embeddings by kind",
		},
		[]string{"kind"}, // new, sighting
	)

	// Evictions counts embeddings removed by the retention cap.
	Evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Total embeddings evicted by the per-identity retention cap",
		},
	)

	// StoreErrors counts failed store operations.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total vector store errors by operation",
		},
		[]string{"op"},
	)

	// StoreDuration tracks vector store latency.
	StoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Vector store operation latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"op"},
	)

	// NotificationsDropped counts events that could not be delivered.
	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Total notification events dropped by sink",
		},
		[]string{"sink"}, // websocket, redis
	)

	// WebsocketClients tracks connected observers.
	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Number of connected websocket observers",
		},
	)

	// RateLimited counts recognition requests rejected by the device cooldown.
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total recognition requests rejected by the per-device cooldown",
		},
	)

	// DBConnectionPoolSize tracks PostgreSQL connection pool usage.
	DBConnectionPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connection_pool_size",
			Help:      "Database connection pool size by state",
		},
		[]string{"state"}, // active, idle, max
	)
)

// ObserveStoreOp records latency and, on failure, an error for operation op.
func ObserveStoreOp(op string, start time.Time, err error) {
	StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		StoreErrors.WithLabelValues(op).Inc()
	}
}

// UpdateDBPoolStats updates database connection pool metrics from sql.DBStats.
func UpdateDBPoolStats(stats sql.DBStats) {
	DBConnectionPoolSize.WithLabelValues("active").Set(float64(stats.InUse))
	DBConnectionPoolSize.WithLabelValues("idle").Set(float64(stats.Idle))
	DBConnectionPoolSize.WithLabelValues("max").Set(float64(stats.MaxOpenConnections))
}
