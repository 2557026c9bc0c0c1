package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "planloom"

// Metrics holds all PlanLoom metric instruments. The engine records one
// invocation histogram sample per component dispatch and bumps the counters
// on the matching lifecycle transitions.
type Metrics struct {
	SessionsStarted    metric.Int64Counter
	SessionsCompleted  metric.Int64Counter
	SessionsSuspended  metric.Int64Counter
	SessionsFailed     metric.Int64Counter
	PlansCreated       metric.Int64Counter
	StepsDispatched    metric.Int64Counter
	WorkerFailures     metric.Int64Counter
	Revisions          metric.Int64Counter
	InvocationDuration metric.Float64Histogram
	SessionDuration    metric.Float64Histogram
}

// WithComponent returns a measurement option tagging a sample with the
// engine component it was recorded for.
func WithComponent(component string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("component", component))
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.SessionsStarted, err = meter.Int64Counter("planloom.sessions.started",
		metric.WithDescription("Number of sessions started"))
	if err != nil {
		return nil, err
	}

	m.SessionsCompleted, err = meter.Int64Counter("planloom.sessions.completed",
		metric.WithDescription("Number of sessions completed"))
	if err != nil {
		return nil, err
	}

	m.SessionsSuspended, err = meter.Int64Counter("planloom.sessions.suspended",
		metric.WithDescription("Number of review-gate suspensions"))
	if err != nil {
		return nil, err
	}

	m.SessionsFailed, err = meter.Int64Counter("planloom.sessions.failed",
		metric.WithDescription("Number of sessions aborted with an error"))
	if err != nil {
		return nil, err
	}

	m.PlansCreated, err = meter.Int64Counter("planloom.plans.created",
		metric.WithDescription("Number of plans synthesized, including fallbacks"))
	if err != nil {
		return nil, err
	}

	m.StepsDispatched, err = meter.Int64Counter("planloom.steps.dispatched",
		metric.WithDescription("Number of plan steps dispatched to workers"))
	if err != nil {
		return nil, err
	}

	m.WorkerFailures, err = meter.Int64Counter("planloom.workers.failures",
		metric.WithDescription("Number of worker invocations that produced nothing"))
	if err != nil {
		return nil, err
	}

	m.Revisions, err = meter.Int64Counter("planloom.reviews.revisions",
		metric.WithDescription("Number of revision rounds requested at the review gate"))
	if err != nil {
		return nil, err
	}

	m.InvocationDuration, err = meter.Float64Histogram("planloom.invocation.duration_seconds",
		metric.WithDescription("Component invocation duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.SessionDuration, err = meter.Float64Histogram("planloom.session.duration_seconds",
		metric.WithDescription("Wall-clock session duration from start to completion in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
