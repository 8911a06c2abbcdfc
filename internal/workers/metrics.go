package workers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Worker metrics
var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_jobs_processed_total",
		Help: "Queue messages handled, by pipeline and outcome (ack, retry, dlq).",
	}, []string{"pipeline", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_job_duration_seconds",
		Help:    "Handler execution time per queue message.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	}, []string{"pipeline"})

	chunksCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_chunks_committed_total",
		Help: "Chunks promoted to their canonical key and recorded.",
	})

	assemblyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_assembly_duration_seconds",
		Help:    "Time to concatenate a session's chunks into the final blob.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	})

	assembledBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_assembled_bytes_total",
		Help: "Bytes written into assembled originals.",
	})

	videosProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_videos_processed_total",
		Help: "Post-processing outcomes (ready, failed).",
	}, []string{"status"})

	deadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_dead_lettered_total",
		Help: "Messages parked on a DLQ, by pipeline.",
	}, []string{"pipeline"})
)
