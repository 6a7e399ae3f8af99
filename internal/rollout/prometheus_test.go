package rollout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// promHandler serves the Prometheus query API with a canned vector response
// and records the last query received.
type promHandler struct {
	value     string
	empty     bool
	lastQuery string
}

func (h *promHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.lastQuery = r.Form.Get("query")

	w.Header().Set("Content-Type", "application/json")
	if h.empty {
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[]}}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[` +
		`{"metric":{"flag_key":"new-checkout","cohort":"exposed"},"value":[1756166400,"` + h.value + `"]}]}}`))
}

func promWindow() TimeWindow {
	to := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	return TimeWindow{From: to.Add(-15 * time.Minute), To: to}
}

func TestPrometheusSource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cohort := CohortSelector{FlagKey: "new-checkout", Cohort: CohortExposed}

	t.Run("Should read the cohort aggregate from the first sample", func(t *testing.T) {
		t.Parallel()

		handler := &promHandler{value: "0.015"}
		server := httptest.NewServer(handler)
		defer server.Close()

		source, err := NewPrometheusSource(server.URL, testLogger)
		require.NoError(t, err)

		value, err := source.QueryAggregate(ctx, cohort, MetricErrorRate, promWindow())
		require.NoError(t, err)
		assert.InDelta(t, 0.015, value, 1e-9)

		assert.Contains(t, handler.lastQuery, `bifrost:flag_error_rate:ratio`)
		assert.Contains(t, handler.lastQuery, `flag_key="new-checkout"`)
		assert.Contains(t, handler.lastQuery, `cohort="exposed"`)
		assert.Contains(t, handler.lastQuery, "15m")
	})

	t.Run("Should answer ErrUnavailable on an empty result", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(&promHandler{empty: true})
		defer server.Close()

		source, err := NewPrometheusSource(server.URL, testLogger)
		require.NoError(t, err)

		_, err = source.QueryAggregate(ctx, cohort, MetricErrorRate, promWindow())
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("Should answer ErrUnavailable when the backend is down", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(&promHandler{value: "0"})
		server.Close() // refuse connections

		source, err := NewPrometheusSource(server.URL, testLogger)
		require.NoError(t, err)

		_, err = source.QueryAggregate(ctx, cohort, MetricErrorRate, promWindow())
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("Should answer ErrUnavailable for an unmapped metric", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(&promHandler{value: "0"})
		defer server.Close()

		source, err := NewPrometheusSource(server.URL, testLogger)
		require.NoError(t, err)

		_, err = source.QueryAggregate(ctx, cohort, "apdex", promWindow())
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}
