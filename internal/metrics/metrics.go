package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	RequestsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memfuse_requests_total",
			Help: "Total number of requests handled by the router",
		},
		[]string{"mode", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memfuse_request_duration_seconds",
			Help:    "End-to-end request handling duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 600},
		},
		[]string{"mode"},
	)

	// Retrieval metrics
	RetrievalQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memfuse_retrieval_queries_total",
			Help: "Total number of retrieval queries by stream and outcome",
		},
		[]string{"stream", "outcome"},
	)

	RetrievalItems = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memfuse_retrieval_items",
			Help:    "Number of items returned per retrieval stream",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"stream"},
	)

	// Context controller metrics
	ContextTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memfuse_context_tokens",
			Help:    "Token counts of composed prompt sections",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536},
		},
		[]string{"section"},
	)

	ContextTrims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memfuse_context_trims_total",
			Help: "Number of times a prompt section was trimmed to fit a budget",
		},
		[]string{"section"},
	)

	// Extractor metrics
	ExtractorJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memfuse_extractor_jobs_total",
			Help: "Extractor job outcomes",
		},
		[]string{"outcome"},
	)

	ExtractorFacts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memfuse_extractor_facts_total",
			Help: "Fact candidates by disposition (inserted, dup, near_dup, contradiction)",
		},
		[]string{"disposition"},
	)

	ExtractorQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memfuse_extractor_queue_depth",
			Help: "Number of pending extraction rounds",
		},
	)

	// Orchestrator metrics
	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memfuse_tasks_total",
			Help: "Task executions by path (planned, fast_path) and status",
		},
		[]string{"path", "status"},
	)

	TaskSteps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memfuse_task_steps",
			Help:    "Number of steps per executed plan",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12},
		},
		[]string{"path"},
	)

	WorkflowsReused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memfuse_workflows_reused_total",
			Help: "Total number of fast-path workflow reuses",
		},
	)

	WorkflowsDistilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memfuse_workflows_distilled_total",
			Help: "Total number of workflows distilled into procedural memory",
		},
	)

	LessonsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memfuse_lessons_total",
			Help: "Lessons recorded by status",
		},
		[]string{"status"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memfuse_embedding_requests_total",
			Help: "Embedding lookups by outcome (lru_hit, cache_hit, ok, error)",
		},
		[]string{"outcome"},
	)

	EmbeddingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memfuse_embedding_latency_seconds",
			Help:    "Latency of remote embedding calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memfuse_llm_requests_total",
			Help: "LLM completions by kind (chat, json) and outcome",
		},
		[]string{"kind", "outcome"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memfuse_llm_latency_seconds",
			Help:    "Latency of LLM completions",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	// Store metrics
	StoreQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memfuse_store_queries_total",
			Help: "Store operations by table and outcome",
		},
		[]string{"table", "outcome"},
	)

	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memfuse_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)
)
