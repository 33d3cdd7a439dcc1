package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	processorName = "processor_name"
	errorCode     = "error_code"
	handlerType   = "handler_type"
	outcome       = "outcome"
	target        = "target"
)

var (
	// ExecutionLatency is how long a processor takes to handle one message
	ExecutionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_execution_latency_seconds",
		Help:    "Message execution latency in seconds",
		Buckets: []float64{0.01, 0.1, 1, 5, 10, 60, 300},
	}, []string{processorName})

	// ExecutionErrors is the number of executions ending in a failure result
	ExecutionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_execution_error_count",
		Help: "Number of executions producing a failure result",
	}, []string{processorName, errorCode})

	// OutputDispatches counts per destination forwarding outcomes
	OutputDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_output_dispatch_count",
		Help: "Number of output dispatches by handler type and outcome",
	}, []string{handlerType, outcome})

	// VersionConflicts is the number of commits losing a version race
	VersionConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_version_conflict_count",
		Help: "Number of entity version conflicts at commit time",
	}, []string{processorName})

	// RecorderFailures counts swallowed transition persistence failures
	RecorderFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_recorder_failure_count",
		Help: "Number of transition store or stream writes that failed",
	}, []string{target})

	// DeadLetters is the number of messages shipped to the dead letter sink
	DeadLetters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_dead_letter_count",
		Help: "Number of permanently failed messages dead lettered",
	}, []string{processorName})

	// ProjectorSkippedEvents is the number of malformed events skipped by the projector
	ProjectorSkippedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exchange_projector_skipped_events_count",
		Help: "Number of malformed transition events skipped",
	})
)

func init() {
	prometheus.MustRegister(
		ExecutionLatency,
		ExecutionErrors,
		OutputDispatches,
		VersionConflicts,
		RecorderFailures,
		DeadLetters,
		ProjectorSkippedEvents,
	)
}

func Reset() {
	ExecutionLatency.Reset()
	ExecutionErrors.Reset()
	OutputDispatches.Reset()
	VersionConflicts.Reset()
	RecorderFailures.Reset()
	DeadLetters.Reset()
}
