// Package metrics exposes Prometheus collectors for the export engine.
// Collectors are registered once on the default registry; callers increment
// them directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsExported counts rows written to part-files, labeled by export method.
	RowsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Name:      "rows_exported_total",
		Help:      "Rows written to columnar part-files.",
	}, []string{"method"})

	// TablesCompleted counts table exports by final status.
	TablesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Name:      "tables_completed_total",
		Help:      "Table exports finished, by status.",
	}, []string{"status"})

	// ChunkRetries counts chunk retry attempts.
	ChunkRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Name:      "chunk_retries_total",
		Help:      "Chunk export retry attempts.",
	})

	// JobsActive tracks jobs currently running.
	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quarry",
		Name:      "jobs_active",
		Help:      "Jobs currently running.",
	})

	// PoolErrors counts failed source connection acquisitions.
	PoolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Name:      "pool_errors_total",
		Help:      "Failed source connection acquisitions.",
	})

	// StateQueueDepth tracks pending operations in the state write queue.
	StateQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quarry",
		Name:      "state_queue_depth",
		Help:      "Operations waiting in the state write queue.",
	})
)
