// Package metrics provides an abstract interface for recording and managing
// metrics within the MasStock services, plus the Prometheus implementation
// and the canonical metric names the workers and API record.
//
// Key functionalities:
//   - Register: define and set up new metrics.
//   - Record: record values for standard metrics.
//   - RegisterWithLabels: create new metrics with associated labels.
//   - RecordWithLabels: record values for labeled metrics.
//
// Usage:
//
//	m := metrics.NewPrometheusMetrics()
//	metrics.RegisterExecutionMetrics(m)
//	m.RecordWithLabels(metrics.ExecutionsTotal, 1, "completed")
package metrics

type Metrics interface {
	Register(name, metricType, help string)
	Record(name string, value float64)
	RegisterWithLabels(name, metricType, help string, labels []string)
	RecordWithLabels(name string, value float64, labelValues ...string)
}

// Canonical metric names recorded by the execution pipeline. Label sets are
// fixed by RegisterExecutionMetrics.
const (
	ExecutionsTotal     = "masstock_executions_total"
	TasksTotal          = "masstock_tasks_total"
	GenerationSeconds   = "masstock_generation_seconds"
	GenerationCostUSD   = "masstock_generation_cost_usd"
	QueueDepth          = "masstock_queue_depth"
	JobRetriesTotal     = "masstock_job_retries_total"
	RateGateWaitSeconds = "masstock_rate_gate_wait_seconds"
)

// Histogram buckets for the pipeline latencies. Generation calls run seconds
// to minutes and gate waits can last a whole rate window, so the Prometheus
// defaults (capped at 10s) would flatten both.
var (
	GenerationBuckets = []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 320}
	GateWaitBuckets   = []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120}
)

// RegisterExecutionMetrics registers the pipeline metrics on m. Callers do
// this once at startup before any Record call.
func RegisterExecutionMetrics(m Metrics) {
	m.RegisterWithLabels(ExecutionsTotal, "Counter", "Executions finished by terminal status", []string{"status"})
	m.RegisterWithLabels(TasksTotal, "Counter", "Generation tasks by model and outcome", []string{"model", "outcome"})
	m.RegisterWithLabels(GenerationSeconds, "Histogram", "Provider generation latency in seconds", []string{"model"})
	m.RegisterWithLabels(GenerationCostUSD, "Counter", "Accumulated generation cost in USD", []string{"model"})
	m.RegisterWithLabels(QueueDepth, "Gauge", "Jobs waiting per queue", []string{"queue"})
	m.Register(JobRetriesTotal, "Counter", "Job redeliveries after handler failure")
	m.RegisterWithLabels(RateGateWaitSeconds, "Histogram", "Time spent waiting on the provider rate gate", []string{"model"})
}
