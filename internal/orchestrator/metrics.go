package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/specflowd/internal/orchestrator"

// engineMetrics holds the engine's OpenTelemetry instruments. With no
// global meter provider configured these are no-ops.
type engineMetrics struct {
	executionsStarted metric.Int64Counter
	transitions       metric.Int64Counter
	jobsCompleted     metric.Int64Counter
	healAttempts      metric.Int64Counter
	budgetStops       metric.Int64Counter
	jobDuration       metric.Float64Histogram
	costSpent         metric.Float64Counter
}

func newEngineMetrics() (*engineMetrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &engineMetrics{}
	var err error

	if m.executionsStarted, err = meter.Int64Counter(
		"specflow.orchestration.executions.started",
		metric.WithDescription("Orchestration executions started"),
	); err != nil {
		return nil, fmt.Errorf("failed to create executions counter: %w", err)
	}
	if m.transitions, err = meter.Int64Counter(
		"specflow.orchestration.transitions",
		metric.WithDescription("Execution status transitions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}
	if m.jobsCompleted, err = meter.Int64Counter(
		"specflow.orchestration.jobs.completed",
		metric.WithDescription("Runner jobs reaching a terminal state"),
	); err != nil {
		return nil, fmt.Errorf("failed to create jobs counter: %w", err)
	}
	if m.healAttempts, err = meter.Int64Counter(
		"specflow.orchestration.heals",
		metric.WithDescription("Heal attempts by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create heals counter: %w", err)
	}
	if m.budgetStops, err = meter.Int64Counter(
		"specflow.orchestration.budget.stops",
		metric.WithDescription("Executions halted by budget enforcement"),
	); err != nil {
		return nil, fmt.Errorf("failed to create budget counter: %w", err)
	}
	if m.jobDuration, err = meter.Float64Histogram(
		"specflow.orchestration.job.duration",
		metric.WithDescription("Runner job wall-clock duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	if m.costSpent, err = meter.Float64Counter(
		"specflow.orchestration.cost.spent",
		metric.WithDescription("USD spent on runner jobs"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cost counter: %w", err)
	}
	return m, nil
}

func (m *engineMetrics) recordJob(ctx context.Context, kind string, outcome string, seconds, cost float64) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	m.jobsCompleted.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, seconds, attrs)
	if cost > 0 {
		m.costSpent.Add(ctx, cost, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *engineMetrics) recordTransition(ctx context.Context, to Status) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to.String())))
}
