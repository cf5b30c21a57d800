package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// DatabaseMetrics counts and times store operations.
type DatabaseMetrics struct {
	// Counts of database operations
	databaseOperations *prometheus.CounterVec

	// Latencies of database operations.
	databaseLatencies *prometheus.HistogramVec
}

// NewDefaultDatabaseMetrics creates the collectors for store operations
// issued by the named component.
func NewDefaultDatabaseMetrics(pkg string) DatabaseMetrics {
	metrics := DatabaseMetrics{
		databaseOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_db_operations", pkg),
				Help: "How many database operations occur, partitioned by operation and status.",
			},
			[]string{"database", "operation", "status"}, // Labels.
		),
		databaseLatencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: fmt.Sprintf("%s_db_latencies", pkg),
				Help: "How long database operations take, partitioned by operation.",
			},
			[]string{"database", "operation"}, // Labels.
		),
	}
	metrics.databaseOperations = registerOnce(metrics.databaseOperations).(*prometheus.CounterVec)
	metrics.databaseLatencies = registerOnce(metrics.databaseLatencies).(*prometheus.HistogramVec)
	return metrics
}

// DatabaseOperations returns the counter for the database operation.
func (m *DatabaseMetrics) DatabaseOperations(db, operation, status string) prometheus.Counter {
	return m.databaseOperations.WithLabelValues(db, operation, status)
}

// DatabaseLatencies returns a new latency timer for the database operation.
func (m *DatabaseMetrics) DatabaseLatencies(db string, operation string) *prometheus.Timer {
	return prometheus.NewTimer(m.databaseLatencies.WithLabelValues(db, operation))
}
