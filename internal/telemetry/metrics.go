package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds the agent's metric instruments. ServiceResponseTime
// supplements the original's LocalResponseLogger, which logged every
// service call's wall-clock time to a local file for offline analysis
// (SPEC_FULL.md "Supplemented features").
type Metrics struct {
	RegisterDuration    metric.Float64Histogram
	ServiceResponseTime metric.Float64Histogram
	ServiceErrors       metric.Int64Counter
	ActiveWorkflows     metric.Int64UpDownCounter
	WorkflowTimeouts    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RegisterDuration, err = meter.Float64Histogram("dp.register_msg.duration",
		metric.WithDescription("register_msg request/response cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ServiceResponseTime, err = meter.Float64Histogram("dp.service.response_time",
		metric.WithDescription("Per-service task response time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ServiceErrors, err = meter.Int64Counter("dp.service.errors",
		metric.WithDescription("Service task failures by service name"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkflows, err = meter.Int64UpDownCounter("dp.workflow.active",
		metric.WithDescription("Number of in-flight dialog workflows"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkflowTimeouts, err = meter.Int64Counter("dp.workflow.timeouts",
		metric.WithDescription("Workflows that hit their deadline before the responder completed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
