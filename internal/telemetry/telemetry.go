// Package telemetry owns the checkout counters and pipeline spans. Exporters
// are only started when an OTLP endpoint is configured; otherwise the
// instruments are backed by no-op providers.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "kasirinaja/terminal"

type Config struct {
	ServiceName  string
	Environment  string
	StoreID      string
	TerminalID   string
	OTLPEndpoint string
	Insecure     bool
}

type Telemetry struct {
	tracer    trace.Tracer
	checkouts metric.Int64Counter
	warnings  metric.Int64Counter
	syncItems metric.Int64Counter

	shutdown []func(context.Context) error
}

// Nop returns instruments that record nothing.
func Nop() *Telemetry {
	t, _ := NewWithProviders(tracenoop.NewTracerProvider(), noop.NewMeterProvider())
	return t
}

func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.OTLPEndpoint == "" {
		return Nop(), nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("pos.store_id", cfg.StoreID),
			attribute.String("pos.terminal_id", cfg.TerminalID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	t, err := NewWithProviders(tp, mp)
	if err != nil {
		return nil, err
	}
	t.shutdown = append(t.shutdown, tp.Shutdown, mp.Shutdown)
	return t, nil
}

func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	meter := mp.Meter(instrumentationName)
	t := &Telemetry{tracer: tp.Tracer(instrumentationName)}

	var err error
	if t.checkouts, err = meter.Int64Counter("pos_checkout_total",
		metric.WithDescription("Checkouts by outcome"),
		metric.WithUnit("{checkout}"),
	); err != nil {
		return nil, err
	}
	if t.warnings, err = meter.Int64Counter("pos_checkout_warnings_total",
		metric.WithDescription("Non-blocking warnings surfaced by checkouts"),
		metric.WithUnit("{warning}"),
	); err != nil {
		return nil, err
	}
	if t.syncItems, err = meter.Int64Counter("pos_sync_items_total",
		metric.WithDescription("Sync queue dispatch attempts by result"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	var first error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// StartStage opens a span for one checkout pipeline state.
func (t *Telemetry) StartStage(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "checkout."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

func (t *Telemetry) CheckoutFinished(ctx context.Context, outcome string, warnings int) {
	t.checkouts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if warnings > 0 {
		t.warnings.Add(ctx, int64(warnings))
	}
}

func (t *Telemetry) SyncResult(ctx context.Context, result string) {
	t.syncItems.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
