package purge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hannigan",
		Name:      "batches_scheduled_total",
		Help:      "Number of orphan batches handed to the purge scheduler.",
	})

	chunksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hannigan",
		Name:      "chunks_completed_total",
		Help:      "Number of purge chunks that completed successfully.",
	})

	chunksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hannigan",
		Name:      "chunks_failed_total",
		Help:      "Number of purge chunks that reached the terminal failed state.",
	})

	recordsDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hannigan",
		Name:      "records_destroyed_total",
		Help:      "Number of orphan records destroyed by purge tasks.",
	})
)
