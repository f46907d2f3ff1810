package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Host-call throughput and latency by kind and outcome code
//   - Streaming channel lifecycle (chunks, stalls, cancellations)
//   - Region population and cleanup outcomes (drained vs leaked)
//   - Extension activation results
//   - Scheduler queue depth
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	timer := prometheus.NewTimer(metrics.HostcallDuration.WithLabelValues("exec"))
//	defer timer.ObserveDuration()
type Metrics struct {
	// HostcallCounter counts host-calls by kind and outcome code.
	// Labels: kind (tool|exec|http|session|ui|events|log), code (OK|DENIED|...)
	HostcallCounter *prometheus.CounterVec

	// HostcallDuration measures handler latency in seconds.
	// Labels: kind
	// Buckets: 1ms .. 60s
	HostcallDuration *prometheus.HistogramVec

	// StreamChunks counts delivered stream chunks.
	// Labels: kind
	StreamChunks *prometheus.CounterVec

	// StreamStalls counts streams closed by the stall timer.
	// Labels: kind
	StreamStalls *prometheus.CounterVec

	// StreamCancels counts script-side stream cancellations.
	// Labels: kind
	StreamCancels *prometheus.CounterVec

	// PolicyDecisions counts capability policy evaluations.
	// Labels: capability, decision (allow|warn|deny)
	PolicyDecisions *prometheus.CounterVec

	// ActiveRegions is a gauge tracking currently open regions.
	ActiveRegions prometheus.Gauge

	// LeakedHandles counts handles abandoned at cleanup budget expiry.
	// Labels: kind (task|stream)
	LeakedHandles *prometheus.CounterVec

	// ActivationCounter counts extension activation attempts.
	// Labels: status (active|failed|skipped)
	ActivationCounter *prometheus.CounterVec

	// SchedulerQueueDepth is a gauge of the macrotask queue length.
	SchedulerQueueDepth prometheus.Gauge

	// TranspileCache counts transpile cache lookups.
	// Labels: result (hit|miss)
	TranspileCache *prometheus.CounterVec
}

// NewMetrics creates metrics registered on the default Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates metrics registered on the given registerer. Tests
// pass a private registry so parallel tests do not collide on metric names.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HostcallCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enclave_hostcalls_total",
			Help: "Host-calls by kind and outcome code",
		}, []string{"kind", "code"}),

		HostcallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enclave_hostcall_duration_seconds",
			Help:    "Host-call handler latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"kind"}),

		StreamChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enclave_stream_chunks_total",
			Help: "Stream chunks delivered to script",
		}, []string{"kind"}),

		StreamStalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enclave_stream_stalls_total",
			Help: "Streams closed by the stall timer",
		}, []string{"kind"}),

		StreamCancels: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enclave_stream_cancels_total",
			Help: "Streams cancelled from script",
		}, []string{"kind"}),

		PolicyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enclave_policy_decisions_total",
			Help: "Capability policy evaluations by decision",
		}, []string{"capability", "decision"}),

		ActiveRegions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "enclave_active_regions",
			Help: "Currently open extension regions",
		}),

		LeakedHandles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enclave_leaked_handles_total",
			Help: "Handles abandoned at cleanup budget expiry",
		}, []string{"kind"}),

		ActivationCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enclave_extension_activations_total",
			Help: "Extension activation attempts by status",
		}, []string{"status"}),

		SchedulerQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "enclave_scheduler_queue_depth",
			Help: "Macrotask queue length",
		}),

		TranspileCache: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enclave_transpile_cache_total",
			Help: "Transpile cache lookups",
		}, []string{"result"}),
	}
}
