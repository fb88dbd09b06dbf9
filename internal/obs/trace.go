package obs

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/AlexKimmel/ratekeeper/internal/ratelimit"
)

// TracedBackend wraps a ratelimit.Backend with one span per transaction.
type TracedBackend struct {
	inner  ratelimit.Backend
	tracer trace.Tracer
}

// NewTracedBackend uses the global tracer provider.
func NewTracedBackend(inner ratelimit.Backend) *TracedBackend {
	return &TracedBackend{
		inner:  inner,
		tracer: otel.Tracer("ratekeeper/backend"),
	}
}

func (b *TracedBackend) Decide(ctx context.Context, tx ratelimit.Transaction) (ratelimit.Result, error) {
	ctx, span := b.tracer.Start(ctx, "backend.decide",
		trace.WithAttributes(
			attribute.String("ratelimit.resource", tx.Key.Resource),
			attribute.Int64("ratelimit.cost", tx.Cost),
			attribute.Bool("ratelimit.idempotent", tx.IdempotencyToken != ""),
		),
	)
	defer span.End()

	res, err := b.inner.Decide(ctx, tx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", res.Allowed),
		attribute.Bool("ratelimit.cached", res.Cached),
	)
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (b *TracedBackend) Close() error {
	return b.inner.Close()
}

// SetupTracing installs a tracer provider exporting to w and returns it for
// shutdown.
func SetupTracing(w io.Writer, sampleRate float64) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}

	var sampler sdktrace.Sampler
	switch {
	case sampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case sampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(sampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}
