package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful hop calls and completed runs.
	OutcomeSuccess = "success"
	// OutcomeFailure labels hop calls that returned ok=false.
	OutcomeFailure = "failure"
	// OutcomeIncomplete labels runs cut short by timeout or cancellation.
	OutcomeIncomplete = "incomplete"
)

var (
	hopCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "layerprobe",
			Name:      "hop_calls_total",
			Help:      "Protocol client calls partitioned by hop, outcome and error class.",
		},
		[]string{"hop", "outcome", "class"},
	)

	hopCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "layerprobe",
			Name:      "hop_call_seconds",
			Help:      "Protocol client call latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"hop"},
	)

	diagnosticRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "layerprobe",
			Name:      "diagnostic_runs_total",
			Help:      "Diagnostic runs partitioned by outcome and first failing layer.",
		},
		[]string{"outcome", "failed_layer"},
	)

	diagnosticRunSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "layerprobe",
			Name:      "diagnostic_run_seconds",
			Help:      "Diagnostic run duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 900},
		},
	)

	replaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "layerprobe",
			Name:      "replays_total",
			Help:      "Replay executions partitioned by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	mockLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "layerprobe",
			Name:      "mock_lookups_total",
			Help:      "Mock harness lookups partitioned by hit or miss.",
		},
		[]string{"result"},
	)
)

// Register attaches layerprobe collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		hopCallsTotal,
		hopCallSeconds,
		diagnosticRunsTotal,
		diagnosticRunSeconds,
		replaysTotal,
		mockLookupsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveHopCall records the latency and outcome of a single protocol call.
func ObserveHopCall(hop string, ok bool, class string, duration time.Duration) {
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeFailure
	}
	hopCallsTotal.WithLabelValues(hop, outcome, class).Inc()
	if duration < 0 {
		duration = 0
	}
	hopCallSeconds.WithLabelValues(hop).Observe(duration.Seconds())
}

// ObserveDiagnosticRun records a run duration, outcome label and failing layer.
func ObserveDiagnosticRun(duration time.Duration, outcome, failedLayer string) {
	if failedLayer == "" {
		failedLayer = "none"
	}
	diagnosticRunsTotal.WithLabelValues(outcome, failedLayer).Inc()
	if duration < 0 {
		duration = 0
	}
	diagnosticRunSeconds.Observe(duration.Seconds())
}

// ObserveReplay counts one replay in the given mode.
func ObserveReplay(mode string, ok bool) {
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeFailure
	}
	replaysTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveMockLookup counts a harness lookup.
func ObserveMockLookup(hit bool) {
	if hit {
		mockLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	mockLookupsTotal.WithLabelValues("miss").Inc()
}
