package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
	rwtracing "github.com/gxo-labs/runway/pkg/runway/v1/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding/gzip"
)

const (
	defaultServiceName  = "runway"
	defaultGRPCEndpoint = "localhost:4317"
	defaultHTTPEndpoint = "localhost:4318"
	defaultTimeout      = 10 * time.Second
)

// Config selects and configures the span exporter. A disabled config yields
// a no-op provider.
type Config struct {
	Enabled     bool
	Protocol    string // "grpc" (default) or "http"
	Endpoint    string
	Insecure    bool
	Compression string
	Headers     map[string]string
	Timeout     time.Duration
	ServiceName string
	// SampleRatio in (0,1] enables ratio-based sampling. Zero samples all.
	SampleRatio float64
}

// OtelTracerProvider implements tracing.TracerProvider with the OpenTelemetry
// SDK, or with the official no-op provider when tracing is off.
type OtelTracerProvider struct {
	provider    trace.TracerProvider
	sdkProvider *sdktrace.TracerProvider
	log         rwlog.Logger
}

// NewNoOpProvider returns a provider that records nothing.
func NewNoOpProvider() *OtelTracerProvider {
	return &OtelTracerProvider{provider: noop.NewTracerProvider()}
}

// NewSDKProvider wraps an existing SDK provider, e.g. one backed by a span
// recorder in tests.
func NewSDKProvider(tp *sdktrace.TracerProvider) *OtelTracerProvider {
	return &OtelTracerProvider{provider: tp, sdkProvider: tp}
}

// NewProvider builds a provider from cfg. Exporter failures fall back to a
// no-op provider with a warning instead of failing engine startup.
func NewProvider(ctx context.Context, cfg Config, log rwlog.Logger) *OtelTracerProvider {
	if !cfg.Enabled {
		return NewNoOpProvider()
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
		resource.WithProcess(), resource.WithOS(), resource.WithHost(),
	)
	if err != nil {
		if log != nil {
			log.Warnf("failed to detect OTel resource, using default: %v", err)
		}
		res = resource.Default()
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		if log != nil {
			log.Warnf("failed to create OTLP exporter, tracing disabled: %v", err)
		}
		return NewNoOpProvider()
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	sdkTP := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	if log != nil {
		log.Infof("OpenTelemetry tracing enabled (protocol: %s, endpoint: %s)", protocolOf(cfg), cfg.Endpoint)
	}
	return &OtelTracerProvider{provider: sdkTP, sdkProvider: sdkTP, log: log}
}

// ConfigFromEnv reads the standard OTEL_* variables. Tracing is enabled when
// an endpoint is set and OTEL_SDK_DISABLED is not "true".
func ConfigFromEnv() Config {
	cfg := Config{
		Protocol:    strings.ToLower(os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL")),
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:    isTrue(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")) || isTrue(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_INSECURE")),
		Compression: os.Getenv("OTEL_EXPORTER_OTLP_COMPRESSION"),
		Headers:     parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:     parseTimeout(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT"), defaultTimeout),
		ServiceName: os.Getenv("OTEL_SERVICE_NAME"),
	}
	cfg.Enabled = cfg.Endpoint != "" && !isTrue(os.Getenv("OTEL_SDK_DISABLED"))
	return cfg
}

func protocolOf(cfg Config) string {
	if cfg.Protocol == "" {
		return "grpc"
	}
	return cfg.Protocol
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	switch protocolOf(cfg) {
	case "grpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultGRPCEndpoint
		}
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithHeaders(cfg.Headers),
			otlptracegrpc.WithTimeout(timeout),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
		}
		if strings.EqualFold(cfg.Compression, "gzip") {
			opts = append(opts, otlptracegrpc.WithCompressor(gzip.Name))
		}
		return otlptracegrpc.New(ctx, opts...)

	case "http", "http/protobuf":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultHTTPEndpoint
		}
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithURLPath("/v1/traces"),
			otlptracehttp.WithHeaders(cfg.Headers),
			otlptracehttp.WithTimeout(timeout),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if strings.EqualFold(cfg.Compression, "gzip") {
			opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
		}
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", cfg.Protocol)
	}
}

// GetTracer returns a tracer from the wrapped provider.
func (p *OtelTracerProvider) GetTracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if p.provider == nil {
		return noop.NewTracerProvider().Tracer(name, opts...)
	}
	return p.provider.Tracer(name, opts...)
}

// Shutdown flushes and stops the SDK provider and its exporter.
func (p *OtelTracerProvider) Shutdown(ctx context.Context) error {
	if p.sdkProvider == nil {
		return nil
	}
	if err := p.sdkProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

// IsEffectivelyNoOp reports whether spans are discarded, letting callers
// skip span bookkeeping entirely.
func (p *OtelTracerProvider) IsEffectivelyNoOp() bool {
	return p.sdkProvider == nil
}

func parseHeaders(headerStr string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(headerStr, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 && strings.TrimSpace(kv[0]) != "" {
			headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return headers
}

// parseTimeout accepts integer milliseconds (the OTLP convention) or a Go
// duration string.
func parseTimeout(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	return fallback
}

func isTrue(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

var _ rwtracing.TracerProvider = (*OtelTracerProvider)(nil)
