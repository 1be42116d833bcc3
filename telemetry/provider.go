package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// DefaultExportInterval is how often the stdout exporter flushes.
const DefaultExportInterval = time.Minute

// ProviderConfig selects how metrics are collected and exported.
type ProviderConfig struct {
	Enabled bool

	// Exporter is "stdout" (periodic JSON dump) or "none" (collect only,
	// for callers that attach their own reader).
	Exporter string
	Interval time.Duration

	ServiceName string

	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer io.Writer
}

// Provider owns the meter provider behind the engine's Metrics.
type Provider struct {
	MeterProvider metric.MeterProvider
	Metrics       *Metrics
	shutdown      func(context.Context) error
}

// InitProvider builds an SDK meter provider and installs it as the otel
// global. Extra readers are attached alongside the configured exporter.
// When cfg.Enabled is false the provider is a noop.
func InitProvider(ctx context.Context, cfg ProviderConfig, readers ...sdkmetric.Reader) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			MeterProvider: noop.NewMeterProvider(),
			Metrics:       Noop(),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "points-engine"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	switch cfg.Exporter {
	case "stdout", "":
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		interval := cfg.Interval
		if interval <= 0 {
			interval = DefaultExportInterval
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	case "none":
	default:
		return nil, fmt.Errorf("unknown metrics exporter: %s (supported: stdout, none)", cfg.Exporter)
	}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("create instruments: %w", err)
	}
	return &Provider{MeterProvider: mp, Metrics: m, shutdown: mp.Shutdown}, nil
}

// Shutdown flushes pending metrics and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
