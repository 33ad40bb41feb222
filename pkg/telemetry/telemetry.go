// Package telemetry wires OpenTelemetry tracing and metrics for capability
// calls, tool invocations and streams, masking secrets before they reach a
// span attribute.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/cexll/genbridge"

// DefaultMask replaces matched secrets.
const DefaultMask = "***"

var defaultPatterns = []string{
	`sk-[A-Za-z0-9_\-]{8,}`,
	`(?i)bearer\s+[A-Za-z0-9._\-]+`,
	`AIza[0-9A-Za-z_\-]{20,}`,
}

// FilterConfig lists extra regular expressions whose matches are masked.
type FilterConfig struct {
	Mask     string
	Patterns []string
}

// Config configures a Manager. Without TracerProvider and Endpoint the
// global providers are used.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is an OTLP/HTTP collector address such as "localhost:4318".
	Endpoint string
	Insecure bool

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Filter         FilterConfig
}

// Manager owns the tracer, meter instruments and secret filter.
type Manager struct {
	tracer   trace.Tracer
	owned    *sdktrace.TracerProvider
	filter   *Filter
	tools    metric.Int64Counter
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewManager builds a Manager. When cfg.Endpoint is set an OTLP/HTTP exporter
// is started and flushed by Shutdown.
func NewManager(cfg Config) (*Manager, error) {
	filter, err := NewFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}
	m := &Manager{filter: filter}

	tp := cfg.TracerProvider
	if tp == nil && cfg.Endpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
		}
		res := resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		)
		m.owned = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
		tp = m.owned
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	m.tracer = tp.Tracer(instrumentationName)

	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	if m.tools, err = meter.Int64Counter("genbridge.tool.calls"); err != nil {
		return nil, err
	}
	if m.requests, err = meter.Int64Counter("genbridge.generation.requests"); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("genbridge.generation.duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// StartSpan opens a span on the manager's tracer.
func (m *Manager) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, opts...)
}

// SanitizeAttributes masks secrets in string attributes.
func (m *Manager) SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, kv := range attrs {
		if kv.Value.Type() == attribute.STRING {
			kv = attribute.String(string(kv.Key), m.filter.Mask(kv.Value.AsString()))
		}
		out[i] = kv
	}
	return out
}

// MaskText applies the secret filter to s.
func (m *Manager) MaskText(s string) string { return m.filter.Mask(s) }

// ToolData describes one tool invocation.
type ToolData struct {
	Session string
	Name    string
	Error   error
}

// RecordToolCall counts a tool invocation.
func (m *Manager) RecordToolCall(ctx context.Context, d ToolData) {
	m.tools.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool.name", d.Name),
		attribute.Bool("tool.error", d.Error != nil),
	))
}

// RequestData describes one generation request.
type RequestData struct {
	Kind     string
	Provider string
	Duration time.Duration
	Error    error
}

// RecordRequest counts a generation request and its latency.
func (m *Manager) RecordRequest(ctx context.Context, d RequestData) {
	attrs := metric.WithAttributes(
		attribute.String("request.kind", d.Kind),
		attribute.String("llm.provider", d.Provider),
		attribute.Bool("request.error", d.Error != nil),
	)
	m.requests.Add(ctx, 1, attrs)
	m.latency.Record(ctx, d.Duration.Seconds(), attrs)
}

// Shutdown flushes an exporter started by NewManager.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil || m.owned == nil {
		return nil
	}
	return m.owned.Shutdown(ctx)
}

var (
	defaultMu  sync.RWMutex
	defaultMgr *Manager
	fallback   = sync.OnceValue(func() *Manager {
		m, err := NewManager(Config{})
		if err != nil {
			panic(err)
		}
		return m
	})
)

// SetDefault installs m for the package-level helpers. nil restores the
// global-provider fallback.
func SetDefault(m *Manager) {
	defaultMu.Lock()
	defaultMgr = m
	defaultMu.Unlock()
}

// Default returns the installed manager or a fallback bound to the global
// OpenTelemetry providers.
func Default() *Manager {
	defaultMu.RLock()
	m := defaultMgr
	defaultMu.RUnlock()
	if m != nil {
		return m
	}
	return fallback()
}

// StartSpan opens a span on the default manager.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Default().StartSpan(ctx, name, opts...)
}

// SanitizeAttributes masks secrets using the default manager.
func SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	return Default().SanitizeAttributes(attrs...)
}

// EndSpan records err (if any) and ends span. Cancellation is not an error.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Filter masks secrets in free text.
type Filter struct {
	mask     string
	patterns []*regexp.Regexp
}

// NewFilter compiles the default secret patterns plus cfg.Patterns.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	f := &Filter{mask: cfg.Mask}
	if f.mask == "" {
		f.mask = DefaultMask
	}
	for _, p := range append(append([]string(nil), defaultPatterns...), cfg.Patterns...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("telemetry: filter pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Mask replaces every match with the mask.
func (f *Filter) Mask(s string) string {
	for _, re := range f.patterns {
		s = re.ReplaceAllString(s, f.mask)
	}
	return s
}
