package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the OTel metric instruments agentbridge records alongside
// the dashboard's Prometheus gauges (internal/dashboard covers point-in-time
// state; these cover durations and counters over the OTel pipeline).
type Metrics struct {
	RunDuration     metric.Float64Histogram
	EngineDuration  metric.Float64Histogram
	MalformedLines  metric.Int64Counter
	RunsTotal       metric.Int64Counter
	RunsFailedTotal metric.Int64Counter
	LeaseRenewals   metric.Int64Counter
	RunsAbandoned   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("agentbridge.run.duration",
		metric.WithDescription("Run execution duration in seconds, in_flight start to finalize"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EngineDuration, err = meter.Float64Histogram("agentbridge.engine.duration",
		metric.WithDescription("Engine CLI subprocess wall-clock duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MalformedLines, err = meter.Int64Counter("agentbridge.engine.malformed_lines",
		metric.WithDescription("Total lines a parser could not parse as JSON"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsTotal, err = meter.Int64Counter("agentbridge.runs.total",
		metric.WithDescription("Total runs finalized, any status"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFailedTotal, err = meter.Int64Counter("agentbridge.runs.failed_total",
		metric.WithDescription("Total runs finalized with a failed status"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseRenewals, err = meter.Int64Counter("agentbridge.lease.renewals_total",
		metric.WithDescription("Total job lease renewals performed"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsAbandoned, err = meter.Int64Counter("agentbridge.runs.abandoned_total",
		metric.WithDescription("Total runs reconciled as abandoned due to a stale in_flight lease"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
