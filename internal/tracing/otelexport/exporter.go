// Package otelexport bridges flushed span batches to an OpenTelemetry
// OTLP backend (Jaeger, Grafana Tempo, Datadog). It implements the
// tracing.Exporter interface and is linked in with -tags otel.
package otelexport

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/task"
)

// Config configures the OTLP exporter.
type Config struct {
	Endpoint    string            // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            // "grpc" (default) or "http"
	Insecure    bool              // skip TLS for local dev
	ServiceName string            // OTel service name (default "vibekit")
	Headers     map[string]string // extra headers (auth tokens, etc.)
}

// Exporter converts stored span records to OTel spans and exports them
// via OTLP.
type Exporter struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New creates an OTLP exporter with the given config.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("OTLP endpoint is required")
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "vibekit"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc"
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)

	return &Exporter{
		provider: tp,
		tracer:   tp.Tracer("vibekit"),
	}, nil
}

// ExportSpans converts span records to OTel spans. Called by the
// collector during flush alongside the store batch write.
func (e *Exporter) ExportSpans(ctx context.Context, spans []task.SpanRecord) {
	if e == nil || len(spans) == 0 {
		return
	}
	for _, rec := range spans {
		e.exportSpan(ctx, rec)
	}
}

func (e *Exporter) exportSpan(ctx context.Context, rec task.SpanRecord) {
	attrs := []attribute.KeyValue{
		attribute.String("vibekit.span_type", rec.Type),
	}
	if rec.TaskID != "" {
		attrs = append(attrs, attribute.String("vibekit.task_id", rec.TaskID))
	}
	for k, v := range rec.Attrs {
		attrs = append(attrs, attr("vibekit."+k, v))
	}
	// The OTel SDK generates its own ids, so ours ride along as
	// attributes for correlation with the span table.
	attrs = append(attrs,
		attribute.String("vibekit.trace_id", rec.TraceID),
		attribute.String("vibekit.span_id", rec.ID),
	)

	parentCtx := ctx
	if rec.ParentID != "" {
		parentCtx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceIDFor(rec.TraceID),
			SpanID:     spanIDFor(rec.ParentID),
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		}))
	}

	kind := trace.SpanKindInternal
	if rec.Type == "llm.chat" {
		kind = trace.SpanKindClient
	}

	_, span := e.tracer.Start(parentCtx, rec.Name,
		trace.WithTimestamp(rec.StartedAt),
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)

	if rec.Status == "error" {
		span.SetStatus(codes.Error, "")
	} else {
		span.SetStatus(codes.Ok, "")
	}

	end := rec.EndedAt
	if end.IsZero() {
		end = rec.StartedAt
	}
	span.End(trace.WithTimestamp(end))
}

// Shutdown flushes remaining spans and shuts the provider down.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	slog.Info("otel exporter shutting down")
	return e.provider.Shutdown(ctx)
}

// attr converts one stored attribute to an OTel attribute.
func attr(key string, v interface{}) attribute.KeyValue {
	switch x := v.(type) {
	case string:
		return attribute.String(key, x)
	case bool:
		return attribute.Bool(key, x)
	case int:
		return attribute.Int(key, x)
	case int64:
		return attribute.Int64(key, x)
	case float64:
		return attribute.Float64(key, x)
	default:
		return attribute.String(key, fmt.Sprintf("%v", x))
	}
}

// traceIDFor derives a stable 16-byte OTel trace id from a task id.
func traceIDFor(s string) trace.TraceID {
	sum := sha256.Sum256([]byte(s))
	var tid trace.TraceID
	copy(tid[:], sum[:16])
	return tid
}

// spanIDFor derives a stable 8-byte OTel span id from a stored span id.
func spanIDFor(s string) trace.SpanID {
	sum := sha256.Sum256([]byte(s))
	var sid trace.SpanID
	copy(sid[:], sum[:8])
	return sid
}
