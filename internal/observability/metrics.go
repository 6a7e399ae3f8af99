package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace is the global prefix for all metrics (bifrost_...).
const namespace = "bifrost"

// lowLatencyBuckets gives 1ms resolution for the evaluation plane, where the
// standard buckets (starting at 5ms) are too coarse for the read path.
var lowLatencyBuckets = []float64{.001, .002, .005, .010, .015, .020, .025, .030, .050, .100, .500}

var (
	// -------------------------------------------------------------------------
	// CONTROL PLANE (HTTP admin API)
	// -------------------------------------------------------------------------

	// ControlPlaneReqDuration measures control-plane HTTP handling latency.
	// Metric: bifrost_control_plane_http_handling_seconds
	ControlPlaneReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "control_plane",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests in the control plane",
		Buckets:   prometheus.DefBuckets, // admin APIs run at human speed
	}, []string{"method", "path"})

	// ControlPlaneReqTotal counts control-plane HTTP requests.
	ControlPlaneReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "control_plane",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests in the control plane",
	}, []string{"method", "path", "code"})

	// -------------------------------------------------------------------------
	// EVALUATION PLANE (hot read path)
	// -------------------------------------------------------------------------

	// EvalPlaneReqDuration measures evaluation request latency.
	EvalPlaneReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "eval_plane",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle evaluation requests",
		Buckets:   lowLatencyBuckets,
	}, []string{"method", "path"})

	// EvalPlaneReqTotal counts evaluation requests.
	EvalPlaneReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eval_plane",
		Name:      "http_requests_total",
		Help:      "Total evaluation requests",
	}, []string{"method", "path", "code"})

	// Evaluations breaks flag decisions down by reason (PINNED, ROLLOUT, ...),
	// which is the main signal for "who is this flag actually reaching".
	Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eval_plane",
		Name:      "evaluations_total",
		Help:      "Total flag evaluations by outcome reason",
	}, []string{"reason"})

	// VariantAssignments counts experiment variant lookups.
	VariantAssignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eval_plane",
		Name:      "variant_assignments_total",
		Help:      "Total experiment variant assignments",
	}, []string{"experiment"})

	// EvalCacheHits / EvalCacheMisses track the in-process flag cache.
	EvalCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eval_plane",
		Name:      "l1_cache_hits_total",
		Help:      "Total L1 cache hits (in-memory)",
	})

	EvalCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eval_plane",
		Name:      "l1_cache_misses_total",
		Help:      "Total L1 cache misses",
	})

	// EvalInvalidations counts cache invalidation events received via pub/sub.
	EvalInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eval_plane",
		Name:      "l1_invalidations_total",
		Help:      "Total cache invalidation events received via pub/sub",
	})

	// -------------------------------------------------------------------------
	// ROLLOUT CONTROLLER
	// -------------------------------------------------------------------------

	// RolloutTransitions counts state-machine outcomes per tick.
	RolloutTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rollout",
		Name:      "transitions_total",
		Help:      "Rollout state transitions by outcome (promote, hold, rollback, complete)",
	}, []string{"outcome"})

	// RolloutGateDecisions counts raw gate verdicts, including Unknown, which
	// is the canary for a flaky metrics collaborator.
	RolloutGateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rollout",
		Name:      "gate_decisions_total",
		Help:      "Metrics gate decisions by verdict",
	}, []string{"decision"})

	// RolloutPercentage exports the current exposure level per flag.
	RolloutPercentage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rollout",
		Name:      "percentage",
		Help:      "Current rollout percentage per flag",
	}, []string{"flag_key"})

	// -------------------------------------------------------------------------
	// SYNCER (Postgres -> Redis propagation)
	// -------------------------------------------------------------------------

	// SyncerJobsTotal counts sync cycles by status (success, fail).
	SyncerJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "jobs_total",
		Help:      "Total propagation cycles processed",
	}, []string{"status"})

	// SyncerCycleDuration measures end-to-end sync cycle latency.
	SyncerCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a full Postgres to Redis sync cycle",
		Buckets:   prometheus.DefBuckets,
	})

	// -------------------------------------------------------------------------
	// ANALYTICS
	// -------------------------------------------------------------------------

	// AnalyticsEvents counts conversion/exposure events by emit status.
	AnalyticsEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analytics",
		Name:      "events_total",
		Help:      "Total analytics events by emit status (ok, fail)",
	}, []string{"status"})
)
