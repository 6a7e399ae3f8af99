package testsupport

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

// GetMetricValue reads a metric from the DefaultGatherer: counter and gauge
// values directly, histograms as their sample count. labels is a subset
// filter; a nil filter matches the first series of the family. Unknown
// metrics read as zero so callers can assert deltas from a cold registry.
func GetMetricValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !hasLabels(m, labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	for k, v := range want {
		found := false
		for _, pair := range m.GetLabel() {
			if pair.GetName() == k && pair.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AssertMetricDelta runs fn and asserts the metric moved by exactly delta.
// Only safe when no concurrently running test touches the same label set.
func AssertMetricDelta(t *testing.T, name string, labels map[string]string, delta float64, fn func()) {
	t.Helper()

	before := GetMetricValue(t, name, labels)
	fn()
	after := GetMetricValue(t, name, labels)

	assert.Equal(t, delta, after-before, "metric %s%v moved by %.0f, want %.0f", name, labels, after-before, delta)
}

// AssertHistogramRecorded asserts the histogram has at least one sample.
// Monotone, so it stays safe under parallel tests sharing the registry.
func AssertHistogramRecorded(t *testing.T, name string, labels map[string]string) {
	t.Helper()
	assert.Positive(t, GetMetricValue(t, name, labels), "histogram %s%v recorded no samples", name, labels)
}
