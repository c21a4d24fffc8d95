package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig controls the optional OpenTelemetry pipeline.
type TracingConfig struct {
	Enabled     bool   // Whether tracing is enabled
	ServiceName string // Service name for traces
	ZipkinURL   string // Zipkin exporter URL
}

// SetupTracing initializes the tracer the relay hangs bus spans on.
// It returns the tracer, a cleanup that flushes the exporter, and an
// error if the Zipkin exporter cannot be built. When disabled it hands
// back a no-op tracer: zero overhead, nothing exported.
func SetupTracing(ctx context.Context, cfg TracingConfig) (trace.Tracer, func(), error) {
	if !cfg.Enabled {
		tracer := noop.NewTracerProvider().Tracer("remora-relay")
		return tracer, func() {}, nil
	}

	exporter, err := zipkin.New(cfg.ZipkinURL)
	if err != nil {
		return nil, nil, fmt.Errorf("zipkin exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("Failed to shut down tracer provider", "error", err)
		}
	}
	return tp.Tracer("remora-relay"), cleanup, nil
}

// TracedPublisher decorates a watermill publisher with one span per
// message, carrying the usual messaging attributes plus a short payload
// preview for eyeballing traces.
type TracedPublisher struct {
	inner  message.Publisher
	tracer trace.Tracer
}

// NewTracedPublisher wraps a publisher with tracing.
func NewTracedPublisher(inner message.Publisher, tracer trace.Tracer) *TracedPublisher {
	return &TracedPublisher{inner: inner, tracer: tracer}
}

// Publish opens a span per message and records any failure on it.
func (p *TracedPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		ctx := msg.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		spanCtx, span := p.tracer.Start(ctx, fmt.Sprintf("relay.publish.%s", topic),
			trace.WithAttributes(
				attribute.String("messaging.system", "watermill"),
				attribute.String("messaging.operation", "publish"),
				attribute.String("messaging.destination", topic),
				attribute.String("messaging.message_id", msg.UUID),
				attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
			),
		)
		msg.SetContext(spanCtx)

		preview := string(msg.Payload)
		if len(preview) > 100 {
			preview = preview[:100] + "..."
		}
		span.SetAttributes(attribute.String("messaging.message_payload_preview", preview))

		if err := p.inner.Publish(topic, msg); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return err
		}
		span.End()
	}
	return nil
}

// Close passes through to the wrapped publisher.
func (p *TracedPublisher) Close() error {
	return p.inner.Close()
}
