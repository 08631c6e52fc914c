// Package observability wires OpenTelemetry traces and metrics for the gate.
//
// A disabled or nil Provider is safe to call. Its tracer and meter fall back
// to the global providers, which are no-ops unless a test installs its own.
package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

const scopeName = "helmgate"

// Config configures the exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	SampleRate     float64
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Enabled        bool
	// Insecure dials the collector in plaintext. Development only.
	Insecure bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// DefaultConfig returns defaults for a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "helmgate",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        true,
	}
}

// instruments holds every metric the gate emits.
type instruments struct {
	operations metric.Int64Counter
	failures   metric.Int64Counter
	latency    metric.Float64Histogram
	inFlight   metric.Int64UpDownCounter
	decisions  metric.Int64Counter
	receipts   metric.Int64Counter
	halts      metric.Int64Counter
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in  instruments
		err error
	)
	counter := func(dst *metric.Int64Counter, name, desc, unit string) {
		if err == nil {
			*dst, err = m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		}
	}
	counter(&in.operations, "helmgate.operations.total", "Tracked operations started", "{operation}")
	counter(&in.failures, "helmgate.operations.failed", "Tracked operations that returned an error", "{operation}")
	counter(&in.decisions, "helmgate.decisions.total", "Arbiter decisions by kind", "{decision}")
	counter(&in.receipts, "helmgate.receipts.total", "Gateway receipts by result and reason", "{receipt}")
	counter(&in.halts, "helmgate.gateway.halts", "Fatal conditions that halted the gateway", "{halt}")
	if err != nil {
		return nil, err
	}
	if in.latency, err = m.Float64Histogram("helmgate.operations.duration",
		metric.WithDescription("Tracked operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30),
	); err != nil {
		return nil, err
	}
	if in.inFlight, err = m.Int64UpDownCounter("helmgate.operations.active",
		metric.WithDescription("Tracked operations in flight"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	return &in, nil
}

// Provider owns the SDK providers and the gate's instruments.
type Provider struct {
	config *Config
	logger *slog.Logger

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	inst           *instruments
}

// New builds a Provider. With Enabled false no exporter is started.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{config: config, logger: slog.Default().With("component", "observability")}

	if config.Enabled {
		if err := p.startExporters(ctx); err != nil {
			return nil, err
		}
	} else {
		p.logger.InfoContext(ctx, "observability disabled")
	}

	inst, err := newInstruments(p.Meter())
	if err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}
	p.inst = inst
	return p, nil
}

func (p *Provider) startExporters(ctx context.Context) error {
	cfg := p.config
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return fmt.Errorf("observability: resource: %w", err)
	}
	creds, err := p.transportCredentials()
	if err != nil {
		return err
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if creds == nil {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	} else {
		traceOpts = append(traceOpts, otlptracegrpc.WithTLSCredentials(creds))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithTLSCredentials(creds))
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	)
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(interval))),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p.tracer = p.tracerProvider.Tracer(scopeName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = p.meterProvider.Meter(scopeName, metric.WithInstrumentationVersion(cfg.ServiceVersion))

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"endpoint", cfg.OTLPEndpoint,
		"insecure", creds == nil,
	)
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

// transportCredentials returns nil for a plaintext collector. Without any
// files configured it uses TLS with the system roots.
func (p *Provider) transportCredentials() (credentials.TransportCredentials, error) {
	cfg := p.config
	if cfg.Insecure {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("observability: client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("observability: CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("observability: CA bundle %s has no certificates", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return credentials.NewTLS(tlsCfg), nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(scopeName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(scopeName)
	}
	return p.meter
}

func (p *Provider) instruments() *instruments {
	if p == nil {
		return nil
	}
	return p.inst
}

// RecordDecision counts one arbiter decision.
func (p *Provider) RecordDecision(ctx context.Context, kind string) {
	if in := p.instruments(); in != nil {
		in.decisions.Add(ctx, 1, metric.WithAttributes(AttrDecisionKind.String(kind)))
	}
}

// RecordReceipt counts one ledgered receipt.
func (p *Provider) RecordReceipt(ctx context.Context, result, reason string) {
	if in := p.instruments(); in != nil {
		in.receipts.Add(ctx, 1, metric.WithAttributes(
			AttrReceiptResult.String(result),
			AttrReceiptReason.String(reason),
		))
	}
}

// RecordHalt counts a fatal gateway halt.
func (p *Provider) RecordHalt(ctx context.Context, cause string) {
	if in := p.instruments(); in != nil {
		in.halts.Add(ctx, 1, metric.WithAttributes(AttrHaltCause.String(cause)))
	}
}

// TrackOperation opens a span and counts the operation. Call the returned
// func exactly once with the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	// Span attributes may be per-request; metric attributes stay low cardinality.
	opAttrs := metric.WithAttributes(AttrOperation.String(name))

	in := p.instruments()
	if in != nil {
		in.operations.Add(ctx, 1, opAttrs)
		in.inFlight.Add(ctx, 1, opAttrs)
	}
	return ctx, func(err error) {
		if in != nil {
			in.inFlight.Add(ctx, -1, opAttrs)
			in.latency.Record(ctx, time.Since(start).Seconds(), opAttrs)
			if err != nil {
				in.failures.Add(ctx, 1, opAttrs)
			}
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
