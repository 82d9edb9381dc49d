package engine

import (
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/cortexlab/internal/telemetry"
)

type metrics struct {
	runsStarted    metric.Int64Counter
	runsFinished   metric.Int64Counter
	stepAttempts   metric.Int64Counter
	stepDuration   metric.Float64Histogram
	eventsAppended metric.Int64Counter
}

// newMetrics registers the engine instruments on the global meter. The
// global provider delegates, so instruments created before telemetry.Init
// still export once a real provider is installed.
func newMetrics() *metrics {
	meter := telemetry.Meter("cortexlab/engine")
	m := &metrics{}
	m.runsStarted, _ = meter.Int64Counter("cortexlab.runs.started",
		metric.WithDescription("Runs admitted"))
	m.runsFinished, _ = meter.Int64Counter("cortexlab.runs.finished",
		metric.WithDescription("Runs that reached a terminal status"))
	m.stepAttempts, _ = meter.Int64Counter("cortexlab.steps.attempts",
		metric.WithDescription("Step attempts by role and outcome"))
	m.stepDuration, _ = meter.Float64Histogram("cortexlab.steps.duration",
		metric.WithDescription("Step attempt duration"),
		metric.WithUnit("ms"))
	m.eventsAppended, _ = meter.Int64Counter("cortexlab.events.appended",
		metric.WithDescription("Run events appended"))
	return m
}
