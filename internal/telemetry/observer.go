package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/BaSui01/phaseflow/internal/ctxkeys"
	"github.com/BaSui01/phaseflow/workflow"
)

const instrumentationName = "github.com/BaSui01/phaseflow/workflow"

// SpanObserver traces every phase attempt and records OTel phase metrics.
// The span context it returns from PhaseStarted reaches the agent call, so
// HTTP agents forward the trace id.
type SpanObserver struct {
	tracer   trace.Tracer
	attempts metric.Int64Counter
	duration metric.Float64Histogram
	runs     metric.Int64Counter
}

var _ workflow.Observer = (*SpanObserver)(nil)

// NewSpanObserver creates an observer on the given providers.
func NewSpanObserver(tp trace.TracerProvider, mp metric.MeterProvider) (*SpanObserver, error) {
	meter := mp.Meter(instrumentationName)

	attempts, err := meter.Int64Counter("phaseflow.phase.attempts",
		metric.WithDescription("Phase attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create attempts counter: %w", err)
	}
	duration, err := meter.Float64Histogram("phaseflow.phase.duration",
		metric.WithDescription("Phase attempt duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	runs, err := meter.Int64Counter("phaseflow.workflow.runs",
		metric.WithDescription("Finished workflow sessions by status"))
	if err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}

	return &SpanObserver{
		tracer:   tp.Tracer(instrumentationName),
		attempts: attempts,
		duration: duration,
		runs:     runs,
	}, nil
}

// PhaseStarted opens a span for the attempt and stores its trace id in ctx.
func (o *SpanObserver) PhaseStarted(ctx context.Context, ev workflow.PhaseEvent) context.Context {
	ctx, span := o.tracer.Start(ctx, "phase "+ev.Phase,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("phaseflow.session_id", ev.SessionID),
			attribute.String("phaseflow.workflow", ev.Workflow),
			attribute.String("phaseflow.phase", ev.Key),
			attribute.String("phaseflow.agent", ev.Agent),
			attribute.Int("phaseflow.attempt", ev.Attempt),
		),
	)
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = ctxkeys.WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx
}

// PhaseFinished ends the attempt span.
func (o *SpanObserver) PhaseFinished(ctx context.Context, ev workflow.PhaseEvent) {
	outcome := ev.Outcome.String()
	attrs := metric.WithAttributes(
		attribute.String("workflow", ev.Workflow),
		attribute.String("phase", ev.Phase),
		attribute.String("outcome", outcome),
	)
	o.attempts.Add(ctx, 1, attrs)
	o.duration.Record(ctx, ev.Duration.Seconds(), attrs)

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("phaseflow.outcome", outcome))
	if ev.Err != nil {
		span.RecordError(ev.Err)
		span.SetAttributes(attribute.String("phaseflow.error_code", string(ev.Code)))
		span.SetStatus(codes.Error, ev.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// WorkflowFinished emits one span covering the whole session.
func (o *SpanObserver) WorkflowFinished(ctx context.Context, state *workflow.WorkflowState) {
	o.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", state.Workflow),
		attribute.String("status", string(state.Status)),
	))

	_, span := o.tracer.Start(ctx, "workflow "+state.Workflow,
		trace.WithTimestamp(state.StartedAt),
		trace.WithAttributes(
			attribute.String("phaseflow.session_id", state.SessionID),
			attribute.String("phaseflow.status", string(state.Status)),
			attribute.Int("phaseflow.completed_phases", len(state.CompletedPhases)),
		),
	)
	if state.Status == workflow.StatusFailed {
		span.SetAttributes(
			attribute.String("phaseflow.failed_phase", state.FailedPhase),
			attribute.String("phaseflow.error_code", string(state.FailureCode)),
		)
		span.SetStatus(codes.Error, state.FailureReason)
	}
	span.End(trace.WithTimestamp(state.FinishedAt))
}
