package ctrlstack

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/lukastk/ctrlstack"

// startMethodSpan opens a span for one invocation using the global tracer
// provider, so spans are no-ops until the application installs one.
func startMethodSpan(ctx context.Context, m *Method) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "ctrlstack."+m.Group+"."+m.Name,
		trace.WithAttributes(
			attribute.String("ctrlstack.kind", m.Kind.String()),
			attribute.String("ctrlstack.group", m.Group),
			attribute.String("ctrlstack.method", m.Name),
			attribute.Bool("ctrlstack.async", m.Signature.Async),
		),
	)
}

func endMethodSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
