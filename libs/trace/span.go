package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/AfshinJalili/authcore"

// Start opens a child span on the global tracer.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it. Error text is recorded as
// given; callers must not pass errors that carry secrets.
func End(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error")
	}
	span.End()
}
