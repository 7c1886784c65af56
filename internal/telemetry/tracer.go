// Package telemetry sets up OpenTelemetry tracing for the security pipeline.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nosytlabs/secpipe/logging"
)

// TracerName is the instrumentation name used by the pipeline
const TracerName = "github.com/nosytlabs/secpipe"

// TracerConfig holds OpenTelemetry tracer configuration
type TracerConfig struct {
	ServiceName    string            `json:"service_name" yaml:"service_name"`
	ServiceVersion string            `json:"service_version" yaml:"service_version"`
	Environment    string            `json:"environment" yaml:"environment"`
	Enabled        bool              `json:"enabled" yaml:"enabled"`
	SamplingRatio  float64           `json:"sampling_ratio" yaml:"sampling_ratio" validate:"gte=0,lte=1"`
	ExporterType   string            `json:"exporter_type" yaml:"exporter_type" validate:"omitempty,oneof=jaeger otlp stdout noop"`
	JaegerEndpoint string            `json:"jaeger_endpoint" yaml:"jaeger_endpoint"` // e.g., "http://localhost:14268/api/traces"
	OTLPEndpoint   string            `json:"otlp_endpoint" yaml:"otlp_endpoint"`     // host:port, e.g., "localhost:4318"
	Headers        map[string]string `json:"headers" yaml:"headers"`
	BatchTimeout   time.Duration     `json:"batch_timeout" yaml:"batch_timeout"`
	BatchSize      int               `json:"batch_size" yaml:"batch_size"`
	ExportTimeout  time.Duration     `json:"export_timeout" yaml:"export_timeout"`
	Attributes     map[string]string `json:"attributes" yaml:"attributes"`
}

// DefaultTracerConfig returns a disabled tracer configuration
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		ServiceName:    "secpipe",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Enabled:        false,
		SamplingRatio:  1.0,
		ExporterType:   "noop",
		BatchTimeout:   5 * time.Second,
		BatchSize:      512,
		ExportTimeout:  30 * time.Second,
		Headers:        make(map[string]string),
		Attributes:     make(map[string]string),
	}
}

// TracerManager manages OpenTelemetry tracing setup and cleanup
type TracerManager struct {
	config   TracerConfig
	logger   logging.Logger
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerManager creates a new tracer manager
func NewTracerManager(config TracerConfig, logger logging.Logger) *TracerManager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &TracerManager{
		config: config,
		logger: logger.WithComponent("telemetry"),
	}
}

// Initialize sets up the tracer provider. When tracing is disabled a noop tracer is used.
func (tm *TracerManager) Initialize(ctx context.Context) error {
	if !tm.config.Enabled {
		tm.tracer = noop.NewTracerProvider().Tracer(TracerName)
		return nil
	}

	res, err := tm.createResource()
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := tm.createExporter(ctx)
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}

	var batchOpts []sdktrace.BatchSpanProcessorOption
	if tm.config.BatchTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(tm.config.BatchTimeout))
	}
	if tm.config.BatchSize > 0 {
		batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(tm.config.BatchSize))
	}
	if tm.config.ExportTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithExportTimeout(tm.config.ExportTimeout))
	}
	bsp := sdktrace.NewBatchSpanProcessor(exporter, batchOpts...)

	sampler := sdktrace.AlwaysSample()
	if tm.config.SamplingRatio < 1.0 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tm.config.SamplingRatio))
	}

	tm.provider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tm.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tm.tracer = tm.provider.Tracer(
		TracerName,
		trace.WithInstrumentationVersion(tm.config.ServiceVersion),
	)

	tm.logger.Info("tracer initialized",
		logging.String("exporter", tm.config.ExporterType),
		logging.Float64("sampling_ratio", tm.config.SamplingRatio))
	return nil
}

// Shutdown flushes and stops the tracer provider
func (tm *TracerManager) Shutdown(ctx context.Context) error {
	if tm.provider != nil {
		return tm.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the configured tracer, or a noop tracer before Initialize
func (tm *TracerManager) Tracer() trace.Tracer {
	if tm.tracer == nil {
		return noop.NewTracerProvider().Tracer(TracerName)
	}
	return tm.tracer
}

func (tm *TracerManager) createResource() (*resource.Resource, error) {
	attributes := []attribute.KeyValue{
		semconv.ServiceName(tm.config.ServiceName),
		semconv.ServiceVersion(tm.config.ServiceVersion),
		semconv.DeploymentEnvironment(tm.config.Environment),
	}

	for key, value := range tm.config.Attributes {
		attributes = append(attributes, attribute.String(key, value))
	}

	if hostname, err := os.Hostname(); err == nil {
		attributes = append(attributes, semconv.HostName(hostname))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attributes...), nil
}

func (tm *TracerManager) createExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch tm.config.ExporterType {
	case "jaeger":
		endpoint := tm.config.JaegerEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:14268/api/traces"
		}
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	case "otlp":
		endpoint := tm.config.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		options := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		}
		if len(tm.config.Headers) > 0 {
			options = append(options, otlptracehttp.WithHeaders(tm.config.Headers))
		}
		return otlptrace.New(ctx, otlptracehttp.NewClient(options...))
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithoutTimestamps())
	case "noop", "":
		return noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", tm.config.ExporterType)
	}
}

type noopExporter struct{}

func (noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (noopExporter) Shutdown(context.Context) error                             { return nil }

// SpanAttributeBuilder helps build span attributes consistently
type SpanAttributeBuilder struct {
	attributes []attribute.KeyValue
}

// NewSpanAttributeBuilder creates a new span attribute builder
func NewSpanAttributeBuilder() *SpanAttributeBuilder {
	return &SpanAttributeBuilder{}
}

func (b *SpanAttributeBuilder) String(key, value string) *SpanAttributeBuilder {
	b.attributes = append(b.attributes, attribute.String(key, value))
	return b
}

func (b *SpanAttributeBuilder) Int(key string, value int) *SpanAttributeBuilder {
	b.attributes = append(b.attributes, attribute.Int(key, value))
	return b
}

func (b *SpanAttributeBuilder) Bool(key string, value bool) *SpanAttributeBuilder {
	b.attributes = append(b.attributes, attribute.Bool(key, value))
	return b
}

// Request adds the HTTP attributes recorded for every pipeline span
func (b *SpanAttributeBuilder) Request(method, path, clientIP string) *SpanAttributeBuilder {
	b.attributes = append(b.attributes,
		semconv.HTTPMethod(method),
		attribute.String("http.path", path),
		semconv.NetSockPeerAddr(clientIP),
	)
	return b
}

// RequestID adds the pipeline request identifier
func (b *SpanAttributeBuilder) RequestID(id string) *SpanAttributeBuilder {
	return b.String("security.request_id", id)
}

// Security adds the outcome of the security checks
func (b *SpanAttributeBuilder) Security(riskLevel string, riskScore, threatCount int) *SpanAttributeBuilder {
	b.attributes = append(b.attributes,
		attribute.String("security.risk_level", riskLevel),
		attribute.Int("security.risk_score", riskScore),
		attribute.Int("security.threat_count", threatCount),
	)
	return b
}

// Rejection adds the stage that blocked the request
func (b *SpanAttributeBuilder) Rejection(stage string, status int) *SpanAttributeBuilder {
	b.attributes = append(b.attributes,
		attribute.Bool("security.blocked", true),
		attribute.String("security.stage", stage),
		semconv.HTTPStatusCode(status),
	)
	return b
}

// Build returns the built attributes
func (b *SpanAttributeBuilder) Build() []attribute.KeyValue {
	return b.attributes
}

// StartSpan starts a new span with attributes
func StartSpan(ctx context.Context, tracer trace.Tracer, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// RecordError records an error in the span and sets status
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span with attributes
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
