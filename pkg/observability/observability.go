// Package observability exports OpenTelemetry traces and metrics for shelter
// syncs, publications and API requests.
//
//	p, err := observability.New(ctx, cfg)
//	defer p.Shutdown(ctx)
//
//	ctx, done := p.TrackOperation(ctx, "sync", observability.SyncOperation(repoID, remoteID, mirror, policy)...)
//	err = run(ctx)
//	done(err)
//
// A disabled or nil Provider hands out no-op spans and drops measurements.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/ipanova/pulp-shelter"

// Config selects the collector and sampling.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the gRPC collector address, host:port.
	OTLPEndpoint string
	Insecure     bool
	// SampleRate is the fraction of traces kept, 0 to 1.
	SampleRate     float64
	ExportInterval time.Duration
}

// DefaultConfig returns a disabled configuration pointing at a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "pulp-shelter",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1,
		ExportInterval: 15 * time.Second,
	}
}

// Provider owns the trace and meter providers and the shelter instruments.
type Provider struct {
	cfg    *Config
	logger *slog.Logger
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	tracer trace.Tracer

	operations metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
	inflight   metric.Int64UpDownCounter
	units      metric.Int64Counter
}

// New builds a Provider. When cfg is disabled nothing is exported and no
// connection is attempted.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{cfg: cfg, logger: slog.Default().With("component", "observability")}
	if !cfg.Enabled {
		p.tracer = otel.Tracer(scope)
		p.logger.DebugContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}
	if err := p.startExporters(ctx, res); err != nil {
		return nil, err
	}

	meter := p.mp.Meter(scope, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.instruments(meter); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}
	p.tracer = p.tp.Tracer(scope, trace.WithInstrumentationVersion(cfg.ServiceVersion))

	p.logger.InfoContext(ctx, "telemetry exporting",
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
		"insecure", cfg.Insecure,
	)
	return p, nil
}

func (p *Provider) startExporters(ctx context.Context, res *resource.Resource) error {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return fmt.Errorf("observability: metric exporter: %w", err)
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(p.cfg.SampleRate))),
	)
	interval := p.cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(interval))),
	)

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func (p *Provider) instruments(m metric.Meter) error {
	var errs [5]error
	p.operations, errs[0] = m.Int64Counter("shelter.operations",
		metric.WithDescription("Sync, publish and API operations started"),
		metric.WithUnit("{operation}"))
	p.failures, errs[1] = m.Int64Counter("shelter.operations.failed",
		metric.WithDescription("Operations that ended with an error"),
		metric.WithUnit("{operation}"))
	p.duration, errs[2] = m.Float64Histogram("shelter.operation.duration",
		metric.WithDescription("Operation wall time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300))
	p.inflight, errs[3] = m.Int64UpDownCounter("shelter.operations.active",
		metric.WithDescription("Operations currently running"),
		metric.WithUnit("{operation}"))
	p.units, errs[4] = m.Int64Counter("shelter.sync.units",
		metric.WithDescription("Content units changed by syncs, by change"),
		metric.WithUnit("{unit}"))
	return errors.Join(errs[:]...)
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.WarnContext(ctx, "telemetry shutdown", "error", err)
	}
	return nil
}

// Tracer returns the shelter tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(scope)
	}
	return p.tracer
}

// TrackOperation starts a span named name and counts the operation. The
// returned func ends both and must be called exactly once.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	set := metric.WithAttributes(attrs...)
	if p.operations != nil {
		p.operations.Add(ctx, 1, set)
		p.inflight.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if p.operations == nil {
			return
		}
		p.inflight.Add(ctx, -1, set)
		p.duration.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			p.failures.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
		}
	}
}

// RecordUnits counts the units a sync added, removed or failed on.
func (p *Provider) RecordUnits(ctx context.Context, added, removed, failed int, attrs ...attribute.KeyValue) {
	if p == nil || p.units == nil {
		return
	}
	for change, n := range map[string]int{"added": added, "removed": removed, "failed": failed} {
		if n > 0 {
			p.units.Add(ctx, int64(n), metric.WithAttributes(append(attrs, AttrUnitChange.String(change))...))
		}
	}
}
