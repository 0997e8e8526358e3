// Package telemetry provides the OpenTelemetry-backed implementation
// of core.Telemetry. Traces export over OTLP gRPC when an endpoint is
// configured, to stdout in development, and nowhere otherwise.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fleetwatch/fleetwatch/core"
)

// Provider implements core.Telemetry over an OTel tracer.
type Provider struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	logger   core.Logger
}

// NewProvider initializes tracing from the configuration. A disabled
// config yields a provider whose spans are no-ops.
func NewProvider(ctx context.Context, cfg core.TelemetryConfig, logger core.Logger) (*Provider, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "fleetwatch"
	}

	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(serviceName), logger: logger}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	if cfg.Endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	logger.Info("Telemetry initialized", map[string]interface{}{
		"operation": "telemetry_init",
		"endpoint":  cfg.Endpoint,
		"service":   serviceName,
	})

	return &Provider{
		tracer:   tp.Tracer(serviceName),
		provider: tp,
		logger:   logger,
	}, nil
}

// StartSpan opens a span and returns the derived context.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric logs the measurement at debug level. A full metrics
// pipeline is out of scope for this service; traces carry the load.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	fields := map[string]interface{}{
		"operation": "metric",
		"metric":    name,
		"value":     value,
	}
	for k, v := range labels {
		fields[k] = v
	}
	p.logger.Debug("Metric recorded", fields)
}

// Shutdown flushes pending spans. Safe to call on a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.provider.Shutdown(ctx)
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}
