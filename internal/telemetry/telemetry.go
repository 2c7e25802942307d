// Package telemetry sets up OpenTelemetry tracing (Google Cloud Trace) and
// bridges OpenTelemetry metrics onto the Prometheus registry.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName scopes the tracer and meter used for task spans.
const InstrumentationName = "github.com/JakeFAU/harvest-engine"

// Config controls telemetry export.
type Config struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"` // enables Cloud Trace export
	Region      string  `mapstructure:"region"`
	SampleRatio float64 `mapstructure:"sample_ratio"` // 0 traces every task
}

// Provider owns the SDK providers installed as the otel globals.
type Provider struct {
	tracer *sdktrace.TracerProvider
	meter  *sdkmetric.MeterProvider
}

// Init installs global tracer and meter providers. OpenTelemetry metrics are
// exported through reg so they appear on the existing /metrics endpoint.
func Init(ctx context.Context, cfg Config, reg prometheus.Registerer) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "harvest-engine"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
	}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	if cfg.Region != "" {
		attrs = append(attrs, semconv.CloudProviderGCP, semconv.CloudRegion(cfg.Region))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.ProjectID != "" {
		exporter, err := texporter.New(texporter.WithProjectID(cfg.ProjectID))
		if err != nil {
			return nil, fmt.Errorf("failed to create google trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promExporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)
	return &Provider{tracer: tp, meter: mp}, nil
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return errors.Join(p.tracer.Shutdown(ctx), p.meter.Shutdown(ctx))
}

// TaskSpan traces one task execution and records its duration.
type TaskSpan struct {
	span  trace.Span
	start time.Time
	attrs []attribute.KeyValue
}

// StartTask opens a span for a task using the global providers, which are
// no-ops until Init runs.
func StartTask(ctx context.Context, taskID, action string) (context.Context, *TaskSpan) {
	attrs := []attribute.KeyValue{
		attribute.String("harvest.action", action),
	}
	ctx, span := otel.Tracer(InstrumentationName).Start(ctx, "harvest.task."+action,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(append(attrs, attribute.String("harvest.task_id", taskID))...),
	)
	return ctx, &TaskSpan{span: span, start: time.Now(), attrs: attrs}
}

// End closes the span, marking it failed when err is set.
func (s *TaskSpan) End(ctx context.Context, err error) {
	status := "succeeded"
	if err != nil {
		status = "failed"
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()

	hist, herr := otel.Meter(InstrumentationName).Float64Histogram("harvest.task.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time of task executions, labeled by action and status."),
	)
	if herr != nil {
		return
	}
	hist.Record(ctx, time.Since(s.start).Seconds(),
		metric.WithAttributes(append(s.attrs, attribute.String("harvest.status", status))...))
}
