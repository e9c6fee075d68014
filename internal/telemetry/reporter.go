package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"instrace/internal/tracewriter"
)

// Reporter emits one span per finished trace file. With a session name
// set, all spans share a session-derived trace id so an orchestrator can
// correlate the files of one fuzzing campaign across tracer restarts.
type Reporter struct {
	tracer  trace.Tracer
	rootCtx context.Context
}

// NewReporter creates a reporter. An empty session leaves trace ids to
// the SDK.
func NewReporter(tracer trace.Tracer, session string) (*Reporter, error) {
	ctx := context.Background()
	if session != "" {
		traceID, err := SessionTraceID(session)
		if err != nil {
			return nil, err
		}
		spanID, err := SessionSpanID(session)
		if err != nil {
			return nil, err
		}
		ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		}))
	}
	return &Reporter{tracer: tracer, rootCtx: ctx}, nil
}

// Completed reports one finished trace file. It satisfies the trace
// writer's completion hook.
func (r *Reporter) Completed(c tracewriter.Completion) {
	_, span := r.tracer.Start(r.rootCtx, "trace.file",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(c.Started),
	)
	span.SetAttributes(
		attribute.Int("testcase.id", c.TestcaseID),
		attribute.String("trace.filename", c.Filename),
		attribute.Int64("trace.entries", int64(c.Entries)),
		attribute.Int64("trace.bytes", int64(c.Bytes)),
	)
	span.SetStatus(codes.Ok, "trace file complete")
	span.End(trace.WithTimestamp(c.Ended))
}
