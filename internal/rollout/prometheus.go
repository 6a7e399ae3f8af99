package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// cohortQueries maps gate metric names to the recording rules the metrics
// collaborator is expected to maintain per (flag_key, cohort) pair. Keeping
// the PromQL behind recording rules means the gate never needs to know how a
// given service computes its error rate.
var cohortQueries = map[string]string{
	MetricErrorRate:      "bifrost:flag_error_rate:ratio",
	MetricLatencyP95:     "bifrost:flag_latency_p95:seconds",
	MetricConversionRate: "bifrost:flag_conversion_rate:ratio",
}

// PrometheusSource implements MetricsSource against a Prometheus HTTP API.
type PrometheusSource struct {
	api    promv1.API
	logger *slog.Logger
}

// NewPrometheusSource connects to the Prometheus server at baseURL.
func NewPrometheusSource(baseURL string, logger *slog.Logger) (*PrometheusSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := api.NewClient(api.Config{Address: baseURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}

	return &PrometheusSource{api: promv1.NewAPI(client), logger: logger}, nil
}

// QueryAggregate averages the cohort's recording rule over the window,
// evaluated at the window's end. Unknown metrics, empty results and backend
// failures all answer ErrUnavailable so the gate holds.
func (s *PrometheusSource) QueryAggregate(ctx context.Context, cohort CohortSelector, metric string, window TimeWindow) (float64, error) {
	rule, ok := cohortQueries[metric]
	if !ok {
		return 0, fmt.Errorf("%w: no query for metric %q", ErrUnavailable, metric)
	}

	span := window.To.Sub(window.From)
	if span <= 0 {
		span = time.Minute
	}

	query := fmt.Sprintf("avg_over_time(%s{flag_key=%q,cohort=%q}[%s])",
		rule, cohort.FlagKey, cohort.Cohort, model.Duration(span))

	value, warnings, err := s.api.Query(ctx, query, window.To)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, w := range warnings {
		s.logger.Warn("prometheus query warning",
			slog.String("query", query),
			slog.String("warning", w),
		)
	}

	vec, ok := value.(model.Vector)
	if !ok || vec.Len() == 0 {
		// No samples for the cohort in this window. Common right after a
		// stage change, before the first scrape lands.
		return 0, ErrUnavailable
	}

	return float64(vec[0].Value), nil
}
