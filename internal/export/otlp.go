package export

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/hubenschmidt/voicetrace/internal/trace"
)

const scopeName = "github.com/hubenschmidt/voicetrace"

// OTLP ships finished spans over the OpenTelemetry protocol. Spans are
// converted into SDK read-only spans and handed to an OTel span exporter,
// normally the OTLP/gRPC one.
type OTLP struct {
	exp   sdktrace.SpanExporter
	res   *resource.Resource
	scope instrumentation.Scope
}

// OTLPConfig configures the gRPC exporter.
type OTLPConfig struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// NewOTLP dials an OTLP/gRPC collector.
func NewOTLP(ctx context.Context, cfg OTLPConfig) (*OTLP, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	return NewOTLPWithSpanExporter(exp, cfg.ServiceName), nil
}

// NewOTLPWithSpanExporter wraps an existing OTel span exporter.
func NewOTLPWithSpanExporter(exp sdktrace.SpanExporter, serviceName string) *OTLP {
	if serviceName == "" {
		serviceName = "voicetrace"
	}
	return &OTLP{
		exp:   exp,
		res:   resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
		scope: instrumentation.Scope{Name: scopeName},
	}
}

func (o *OTLP) Export(ctx context.Context, s trace.Span) error {
	return o.ExportBatch(ctx, []trace.Span{s})
}

func (o *OTLP) ExportBatch(ctx context.Context, spans []trace.Span) error {
	if len(spans) == 0 {
		return nil
	}
	ro := make([]sdktrace.ReadOnlySpan, 0, len(spans))
	for _, s := range spans {
		ro = append(ro, o.convert(s))
	}
	if err := o.exp.ExportSpans(ctx, ro); err != nil {
		return fmt.Errorf("otlp export: %w", err)
	}
	return nil
}

// Close flushes and shuts the underlying exporter down.
func (o *OTLP) Close(ctx context.Context) error {
	return o.exp.Shutdown(ctx)
}

func (o *OTLP) convert(s trace.Span) sdktrace.ReadOnlySpan {
	traceID, err := oteltrace.TraceIDFromHex(s.TraceID)
	if err != nil {
		traceID, _ = oteltrace.TraceIDFromHex(trace.NewTraceID())
	}
	spanID, err := oteltrace.SpanIDFromHex(s.SpanID)
	if err != nil {
		spanID, _ = oteltrace.SpanIDFromHex(trace.NewSpanID())
	}

	stub := tracetest.SpanStub{
		Name: s.Name,
		SpanContext: oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: oteltrace.FlagsSampled,
		}),
		SpanKind:             oteltrace.SpanKindInternal,
		StartTime:            s.StartTime,
		EndTime:              s.StartTime,
		Attributes:           otelAttributes(s.Attributes),
		Resource:             o.res,
		InstrumentationScope: o.scope,
	}
	if s.EndTime != nil {
		stub.EndTime = *s.EndTime
	}
	if parentID, err := oteltrace.SpanIDFromHex(s.ParentSpanID); err == nil {
		stub.Parent = oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     parentID,
			TraceFlags: oteltrace.FlagsSampled,
		})
	}
	msg, failed := s.Attributes.Str(trace.AttrError)
	if !failed {
		msg, failed = s.Attributes.Str(trace.AttrStageError)
	}
	if failed {
		stub.Status = sdktrace.Status{Code: codes.Error, Description: msg}
	}
	return stub.Snapshot()
}

func otelAttributes(attrs trace.Attributes) []attribute.KeyValue {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, k := range keys {
		switch x := attrs[k].(type) {
		case nil:
		case string:
			out = append(out, attribute.String(k, x))
		case bool:
			out = append(out, attribute.Bool(k, x))
		case int64:
			out = append(out, attribute.Int64(k, x))
		case int:
			out = append(out, attribute.Int(k, x))
		case float64:
			out = append(out, attribute.Float64(k, x))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(x)))
		}
	}
	return out
}
