// Tracks scheduler-wide performance metrics: queue size, batch
// composition, and per-request latency. A no-op implementation is the
// default (per spec.md §9); the Prometheus-backed implementation is
// wired in when a caller opts in.

package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the capability the batching loop and the Infer facade report
// through. Implementations must be safe for concurrent use.
type Metrics interface {
	ObserveQueueSize(n int)
	ObserveBatchSize(n uint32)
	ObserveBatchWeight(w uint64)
	ObserveInferenceDuration(phase string, seconds float64)
	IncCompletedRequests()
	IncErrors(kind string)
}

// NoopMetrics discards everything. It is the default so the scheduler can
// run without a metrics backend configured.
type NoopMetrics struct{}

func (NoopMetrics) ObserveQueueSize(int)                       {}
func (NoopMetrics) ObserveBatchSize(uint32)                    {}
func (NoopMetrics) ObserveBatchWeight(uint64)                  {}
func (NoopMetrics) ObserveInferenceDuration(string, float64)   {}
func (NoopMetrics) IncCompletedRequests()                      {}
func (NoopMetrics) IncErrors(string)                           {}

// PrometheusMetrics registers and updates the gauges/histograms/counters
// the original TGI router exposes (renamed to this module's vocabulary):
// queue size, current batch size/weight, inference duration, completed
// request count, and errors by kind.
type PrometheusMetrics struct {
	queueSize     prometheus.Gauge
	batchSize     prometheus.Gauge
	batchWeight   prometheus.Gauge
	inferDuration *prometheus.HistogramVec
	completed     prometheus.Counter
	errors        *prometheus.CounterVec
}

// NewPrometheusMetrics builds and registers a PrometheusMetrics against reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchsched_queue_size",
			Help: "Number of entries currently waiting for admission to a batch.",
		}),
		batchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchsched_batch_current_size",
			Help: "Number of entries in the currently running batch.",
		}),
		batchWeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchsched_batch_current_weight",
			Help: "Cost-model weight of the currently running batch.",
		}),
		inferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "batchsched_inference_duration_seconds",
			Help: "Backend call duration by phase (prefill, decode).",
		}, []string{"phase"}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchsched_requests_completed_total",
			Help: "Total number of requests that reached a terminal state.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchsched_errors_total",
			Help: "Total number of errors by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.queueSize, m.batchSize, m.batchWeight, m.inferDuration, m.completed, m.errors)
	return m
}

func (m *PrometheusMetrics) ObserveQueueSize(n int)     { m.queueSize.Set(float64(n)) }
func (m *PrometheusMetrics) ObserveBatchSize(n uint32)  { m.batchSize.Set(float64(n)) }
func (m *PrometheusMetrics) ObserveBatchWeight(w uint64) { m.batchWeight.Set(float64(w)) }

func (m *PrometheusMetrics) ObserveInferenceDuration(phase string, seconds float64) {
	m.inferDuration.WithLabelValues(phase).Observe(seconds)
}

func (m *PrometheusMetrics) IncCompletedRequests() { m.completed.Inc() }

func (m *PrometheusMetrics) IncErrors(kind string) { m.errors.WithLabelValues(kind).Inc() }
