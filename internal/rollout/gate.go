package rollout

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Decision is the outcome of a gate evaluation.
type Decision string

const (
	// Promote: all health checks passed; advance to the next stage.
	Promote Decision = "PROMOTE"

	// Hold: stay at the current percentage; re-evaluate on the next tick.
	Hold Decision = "HOLD"

	// Rollback: a threshold was breached; kill the rollout.
	Rollback Decision = "ROLLBACK"

	// Unknown: metrics were unavailable or incomplete for the window.
	// The controller treats Unknown as Hold: missing data never promotes.
	Unknown Decision = "UNKNOWN"
)

// Metric names the gate queries from the metrics collaborator.
const (
	MetricErrorRate      = "error_rate"
	MetricLatencyP95     = "latency_p95"
	MetricConversionRate = "conversion_rate"
)

// Cohort identifiers for aggregate queries.
const (
	CohortExposed  = "exposed"
	CohortBaseline = "baseline"
)

// ErrUnavailable is the sentinel a MetricsSource returns when it cannot
// produce an aggregate for the requested window. It maps to Unknown, never
// to an exception on the rollout path.
var ErrUnavailable = errors.New("metrics unavailable")

// CohortSelector identifies the population an aggregate is computed over.
type CohortSelector struct {
	FlagKey string
	Cohort  string // CohortExposed or CohortBaseline
}

// TimeWindow bounds an aggregate query.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// MetricsSource is the external metrics collaborator. The core does not
// define the query language, only this call shape and the ErrUnavailable
// sentinel.
type MetricsSource interface {
	QueryAggregate(ctx context.Context, cohort CohortSelector, metric string, window TimeWindow) (float64, error)
}

// Gate decides whether a dwelling stage may promote.
type Gate interface {
	Evaluate(ctx context.Context, schedule *Schedule, window TimeWindow) Decision
}

// MetricsGate implements Gate against a MetricsSource, applying the
// schedule's absolute thresholds in priority order:
//
//  1. error rate above MaxErrorRate          -> Rollback
//  2. p95 latency above MaxLatencyP95        -> Rollback
//  3. conversion rate below MinConversionRate -> Rollback
//  4. metrics unavailable for the window     -> Unknown
//  5. otherwise                              -> Promote
//
// Every query carries an explicit timeout; a slow collaborator degrades to
// Unknown rather than stalling the tick loop.
type MetricsGate struct {
	source  MetricsSource
	logger  *slog.Logger
	timeout time.Duration
}

// NewMetricsGate creates a gate over the given metrics source.
// A non-positive timeout defaults to 10s.
func NewMetricsGate(source MetricsSource, logger *slog.Logger, timeout time.Duration) *MetricsGate {
	if source == nil {
		panic("rollout: metrics source cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &MetricsGate{source: source, logger: logger, timeout: timeout}
}

// Evaluate runs the gate checks for the stage's dwell window.
func (g *MetricsGate) Evaluate(ctx context.Context, schedule *Schedule, window TimeWindow) Decision {
	exposed := CohortSelector{FlagKey: schedule.FlagKey, Cohort: CohortExposed}

	errorRate, err := g.query(ctx, exposed, MetricErrorRate, window)
	if err != nil {
		return g.unknown(schedule, MetricErrorRate, err)
	}
	if errorRate > schedule.Thresholds.MaxErrorRate {
		g.logBreach(schedule, MetricErrorRate, errorRate, schedule.Thresholds.MaxErrorRate, window)
		return Rollback
	}

	latency, err := g.query(ctx, exposed, MetricLatencyP95, window)
	if err != nil {
		return g.unknown(schedule, MetricLatencyP95, err)
	}
	if latency > schedule.Thresholds.MaxLatencyP95 {
		g.logBreach(schedule, MetricLatencyP95, latency, schedule.Thresholds.MaxLatencyP95, window)
		return Rollback
	}

	// Conversion checks are opt-in: a zero threshold means the rollout has
	// no conversion funnel to guard.
	if schedule.Thresholds.MinConversionRate > 0 {
		conversion, err := g.query(ctx, exposed, MetricConversionRate, window)
		if err != nil {
			return g.unknown(schedule, MetricConversionRate, err)
		}
		if conversion < schedule.Thresholds.MinConversionRate {
			g.logBreach(schedule, MetricConversionRate, conversion, schedule.Thresholds.MinConversionRate, window)
			return Rollback
		}
	}

	// Baseline read is best-effort audit context only; the decision above is
	// already made on absolute thresholds, so a baseline failure is logged
	// and ignored.
	baseline := CohortSelector{FlagKey: schedule.FlagKey, Cohort: CohortBaseline}
	if baseErr, err := g.query(ctx, baseline, MetricErrorRate, window); err == nil {
		g.logger.Debug("gate baseline context",
			slog.String("flag_key", schedule.FlagKey),
			slog.Float64("exposed_error_rate", errorRate),
			slog.Float64("baseline_error_rate", baseErr),
		)
	}

	return Promote
}

// query wraps the collaborator call with the gate timeout.
func (g *MetricsGate) query(ctx context.Context, cohort CohortSelector, metric string, window TimeWindow) (float64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	value, err := g.source.QueryAggregate(queryCtx, cohort, metric, window)
	if err != nil {
		// Timeouts degrade to the same Unknown path as an explicit
		// unavailable answer; silence is never treated as health.
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, ErrUnavailable
		}
		return 0, err
	}
	return value, nil
}

func (g *MetricsGate) unknown(schedule *Schedule, metric string, err error) Decision {
	g.logger.Warn("gate could not read metric, holding",
		slog.String("flag_key", schedule.FlagKey),
		slog.String("metric", metric),
		slog.String("error", err.Error()),
	)
	return Unknown
}

func (g *MetricsGate) logBreach(schedule *Schedule, metric string, value, limit float64, window TimeWindow) {
	g.logger.Error("gate threshold breached, rolling back",
		slog.String("flag_key", schedule.FlagKey),
		slog.String("metric", metric),
		slog.Float64("value", value),
		slog.Float64("limit", limit),
		slog.Time("window_from", window.From),
		slog.Time("window_to", window.To),
	)
}
