// OpenTelemetry tracing for queue traffic.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with relay span helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include prompts and payload sizes in spans
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// Debug reports whether spans carry prompt text.
func (t *Tracer) Debug() bool { return t.debug }

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// MessageAttrs identifies the message a span is about.
type MessageAttrs struct {
	Queue         string
	MessageID     string
	CorrelationID string
	TaskKind      string
	Priority      int
	RetryCount    int
	Group         string
}

func (m MessageAttrs) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.destination.name", m.Queue),
		attribute.String("messaging.message.id", m.MessageID),
		attribute.String("relay.correlation_id", m.CorrelationID),
		attribute.String("relay.task_kind", m.TaskKind),
		attribute.Int("relay.priority", m.Priority),
		attribute.Int("relay.retry_count", m.RetryCount),
	}
	if m.Group != "" {
		attrs = append(attrs, attribute.String("messaging.consumer.group.name", m.Group))
	}
	return attrs
}

// StartPublishSpan starts a producer span for one publish call.
func (t *Tracer) StartPublishSpan(ctx context.Context, m MessageAttrs) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "publish "+m.Queue, trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(m.attributes()...)
	return ctx, span
}

// StartDeliverSpan starts a consumer span around one handler invocation.
func (t *Tracer) StartDeliverSpan(ctx context.Context, m MessageAttrs) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "deliver "+m.Queue, trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(m.attributes()...)
	return ctx, span
}

// StartRouteSpan starts a span for one router decision.
func (t *Tracer) StartRouteSpan(ctx context.Context, m MessageAttrs) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "route", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(m.attributes()...)
	return ctx, span
}

// StartFinalizeSpan starts a span for workflow finalization.
func (t *Tracer) StartFinalizeSpan(ctx context.Context, workflowID, correlationID string, tasks int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "workflow.finalize", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("relay.workflow_id", workflowID),
		attribute.String("relay.correlation_id", correlationID),
		attribute.Int("relay.task_count", tasks),
	)
	return ctx, span
}

// LLMSpanOptions contains options for completion spans.
type LLMSpanOptions struct {
	Model     string
	Provider  string
	TokensIn  int
	TokensOut int
	Prompt    string // Only included if debug=true
}

// StartLLMSpan starts a span for a completion call.
func (t *Tracer) StartLLMSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
}

// EndLLMSpan ends a completion span with attributes.
func (t *Tracer) EndLLMSpan(span trace.Span, opts LLMSpanOptions, err error) {
	span.SetAttributes(
		attribute.String("llm.model", opts.Model),
		attribute.String("llm.provider", opts.Provider),
		attribute.Int("llm.tokens.input", opts.TokensIn),
		attribute.Int("llm.tokens.output", opts.TokensOut),
	)
	if t.debug && opts.Prompt != "" {
		span.SetAttributes(attribute.String("llm.prompt", truncate(opts.Prompt, 4000)))
	}
	EndSpan(span, err)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Outcome tags a deliver span with what happened to the message.
func Outcome(outcome string) attribute.KeyValue {
	return attribute.String("relay.outcome", outcome)
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
