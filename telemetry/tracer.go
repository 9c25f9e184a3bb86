package telemetry

import (
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

type TracerSettings struct {
	RuntimeMetrics bool
}

// Tracer starts the Datadog tracer, primarily for runtime metric collection
func Tracer(settings TracerSettings) (stop func()) {
	var opts []tracer.StartOption
	if settings.RuntimeMetrics {
		opts = append(opts, tracer.WithRuntimeMetrics())
	}

	tracer.Start(opts...)
	return tracer.Stop
}
