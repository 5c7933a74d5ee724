package regmig

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var ExecutedCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "regmig",
	Subsystem: "invoker",
	Name:      "executed_calls",
}, []string{"method", "mode"})

var PublishedArtifacts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "regmig",
	Subsystem: "declarer",
	Name:      "published_artifacts",
}, []string{"outcome"})

var MigrationRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "regmig",
	Subsystem: "migration",
	Name:      "runs",
}, []string{"outcome"})

var StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "regmig",
	Subsystem: "migration",
	Name:      "step_duration_seconds",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
}, []string{"step"})

var registerOnce sync.Once

// RegisterMetrics registers the engine collectors with the default
// registry. Safe to call from every entry point.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ExecutedCalls, PublishedArtifacts, MigrationRuns, StepDuration)
	})
}
