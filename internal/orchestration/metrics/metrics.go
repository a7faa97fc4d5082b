package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmitted tracks planned jobs per validation strategy
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_jobs_submitted_total",
			Help: "Total number of jobs planned",
		},
		[]string{"strategy"},
	)

	// JobsFinished tracks jobs reaching a terminal status
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	// ChunksDispatched tracks chunks moved to processing
	ChunksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_chunks_dispatched_total",
			Help: "Total number of chunks dispatched to workers",
		},
		[]string{"strategy"},
	)

	// DispatchErrors tracks enqueue failures that reverted a claim
	DispatchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_dispatch_errors_total",
			Help: "Total number of chunk enqueue failures",
		},
	)

	// ChunkTransitions tracks completion callbacks by resulting transition
	ChunkTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_chunk_transitions_total",
			Help: "Total number of applied chunk completion callbacks",
		},
		[]string{"transition", "fault_kind"},
	)

	// ChunkDuration tracks worker time per chunk attempt
	ChunkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_chunk_duration_seconds",
			Help:    "Chunk attempt duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"strategy", "outcome"},
	)

	// ImagesValidated tracks validation verdicts
	ImagesValidated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_images_validated_total",
			Help: "Total number of validated image candidates",
		},
		[]string{"strategy", "decision"},
	)

	// Downloads tracks candidate downloads by result
	Downloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_downloads_total",
			Help: "Total number of candidate downloads",
		},
		[]string{"result"},
	)

	// DownloadLatency tracks a single download including operation retries
	DownloadLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_download_latency_seconds",
			Help:    "Candidate download latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// DedupIndexEntries tracks a job's dedup index size when the index is dropped
	DedupIndexEntries = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_dedup_index_entries",
			Help:    "Images indexed per job at the time its dedup index is released",
			Buckets: prometheus.ExponentialBuckets(10, 4, 8),
		},
	)

	// DedupRemovals tracks index entries forgotten for images that were never kept
	DedupRemovals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_dedup_removals_total",
			Help: "Dedup index entries removed for dropped or discarded images",
		},
	)

	// CapacityUnitsInUse tracks weighted processing chunks
	CapacityUnitsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_capacity_units_in_use",
			Help: "Weighted concurrency units held by processing chunks",
		},
	)

	// CapacityStorageInUse tracks the in-flight temporary storage estimate
	CapacityStorageInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_capacity_storage_bytes_in_use",
			Help: "Estimated temporary storage held by processing chunks",
		},
	)

	// ProcessingChunks tracks processing chunks per strategy
	ProcessingChunks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvester_processing_chunks",
			Help: "Chunks currently in processing",
		},
		[]string{"strategy"},
	)

	// DBConnectionPoolUsage tracks open connections as a percentage of the pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)

	// JobsPruned tracks finished jobs deleted after their retention period
	JobsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_jobs_pruned_total",
			Help: "Total number of finished jobs deleted by retention",
		},
	)
)
