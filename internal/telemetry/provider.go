// Package telemetry wires OpenTelemetry metrics and traces. Without a
// collector endpoint the global no-op providers stay in place.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

type Config struct {
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	Environment    string  `mapstructure:"environment"`
	CollectorURL   string  `mapstructure:"collector_url"` // host:port of an OTLP/HTTP collector
	EnableTracing  bool    `mapstructure:"enable_tracing"`
	EnableMetrics  bool    `mapstructure:"enable_metrics"`
	SamplingRatio  float64 `mapstructure:"sampling_ratio"`
}

type Provider struct {
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
	Metrics        *Metrics
}

// NewProvider installs exporters when cfg names a collector and builds the
// service metrics against the (possibly no-op) global meter.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{}
	if cfg.CollectorURL != "" && (cfg.EnableTracing || cfg.EnableMetrics) {
		res, err := resource.New(ctx, resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		))
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
		if cfg.EnableTracing {
			if p.TracerProvider, err = initTracing(ctx, res, cfg); err != nil {
				return nil, fmt.Errorf("failed to init tracing: %w", err)
			}
			otel.SetTracerProvider(p.TracerProvider)
		}
		if cfg.EnableMetrics {
			if p.MeterProvider, err = initMetrics(ctx, res, cfg); err != nil {
				return nil, fmt.Errorf("failed to init metrics: %w", err)
			}
			otel.SetMeterProvider(p.MeterProvider)
		}
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	m, err := NewMetrics(otel.Meter("arcade/" + cfg.ServiceName))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	p.Metrics = m
	return p, nil
}

func initTracing(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.CollectorURL),
		otlptracehttp.WithURLPath("/v1/traces"),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	ratio := cfg.SamplingRatio
	if ratio <= 0 {
		ratio = 1
	}
	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithBatcher(exp, trace.WithBatchTimeout(5*time.Second), trace.WithMaxExportBatchSize(512)),
		trace.WithSampler(trace.TraceIDRatioBased(ratio)),
	), nil
}

func initMetrics(ctx context.Context, res *resource.Resource, cfg Config) (*metric.MeterProvider, error) {
	exp, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.CollectorURL),
		otlpmetrichttp.WithURLPath("/v1/metrics"),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(30*time.Second))),
	), nil
}

// Shutdown flushes exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown TracerProvider: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown MeterProvider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Attribute keys.
const (
	OpKey      = attribute.Key("arcade.op")
	CodeKey    = attribute.Key("arcade.code")
	GameIDKey  = attribute.Key("arcade.game_id")
	VersionKey = attribute.Key("arcade.version")
	RoomKey    = attribute.Key("arcade.room")
)
