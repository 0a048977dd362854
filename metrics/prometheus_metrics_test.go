package metrics

import (
	"testing"
)

func TestRegisterWithLabels(t *testing.T) {
	metrics := NewPrometheusMetrics()

	metrics.RegisterWithLabels("test_metric1", "Counter", "Test metric with labels", []string{"label1", "label2"})

	if _, ok := metrics.counterVecs["test_metric1"]; !ok {
		t.Errorf("Metric 'test_metric1' was not registered")
	}
}

func TestRecordWithLabels(t *testing.T) {
	metrics := NewPrometheusMetrics()

	metrics.RegisterWithLabels("test_metric2", "Counter", "Test metric with labels", []string{"label1", "label2"})
	metrics.RecordWithLabels("test_metric2", 1.0, "value1", "value2")

	if _, ok := metrics.counterVecs["test_metric2"]; !ok {
		t.Errorf("Metric 'test_metric2' was not recorded")
	}
}

func TestHistogramCustomBuckets(t *testing.T) {
	metrics := NewPrometheusMetrics()

	metrics.SetCustomBuckets("test_metric3", []float64{1, 10, 100})
	metrics.Register("test_metric3", "Histogram", "Histogram with custom buckets")
	metrics.Record("test_metric3", 42)

	if _, ok := metrics.histograms["test_metric3"]; !ok {
		t.Errorf("Metric 'test_metric3' was not registered")
	}
	if got := metrics.bucketsFor("test_metric3"); len(got) != 3 {
		t.Errorf("Expected 3 custom buckets, got %d", len(got))
	}
}
