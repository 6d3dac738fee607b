package main

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stationhq/conductor/internal/router"
	"github.com/stationhq/conductor/internal/session"
	"github.com/stationhq/conductor/internal/telemetry"
	"github.com/stationhq/conductor/internal/workflow"
)

// tracedClassifier wraps the classifier call in a client span and records its
// duration.
type tracedClassifier struct {
	inner   workflow.Classifier
	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

func (c tracedClassifier) Analyze(ctx context.Context, userText string, history []session.HistoryEntry) (*router.CapabilityAnalysis, error) {
	ctx, span := telemetry.StartClientSpan(ctx, c.tracer, "classifier.analyze")
	defer span.End()
	start := time.Now()
	analysis, err := c.inner.Analyze(ctx, userText, history)
	c.metrics.ClassifyDuration.Record(ctx, time.Since(start).Seconds())
	return analysis, err
}

// tracedAgents wraps agent dispatch in a client span and records per-task
// execution duration.
type tracedAgents struct {
	inner   workflow.AgentExecutor
	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

func (a tracedAgents) Execute(ctx context.Context, task router.AssignedTask, dependencyResult string) (workflow.AgentResult, error) {
	ctx, span := telemetry.StartClientSpan(ctx, a.tracer, "agent.execute",
		telemetry.AttrAgentID.String(task.Agent), telemetry.AttrCapability.String(task.Capability))
	defer span.End()
	start := time.Now()
	res, err := a.inner.Execute(ctx, task, dependencyResult)
	a.metrics.TaskDuration.Record(ctx, time.Since(start).Seconds())
	return res, err
}
