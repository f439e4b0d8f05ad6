package llm

import (
	"context"

	"github.com/vinayprograms/relay/telemetry"
)

// TracingCompleter wraps a Completer with a client span per call.
type TracingCompleter struct {
	completer    Completer
	providerName string
}

// WithTracing wraps c with tracing instrumentation.
func WithTracing(c Completer, providerName string) Completer {
	return &TracingCompleter{
		completer:    c,
		providerName: providerName,
	}
}

// Complete implements Completer with tracing.
func (tc *TracingCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartLLMSpan(ctx, "llm.complete")

	resp, err := tc.completer.Complete(ctx, req)

	opts := telemetry.LLMSpanOptions{Provider: tc.providerName}
	if resp != nil {
		opts.Model = resp.Model
		opts.TokensIn = resp.InputTokens
		opts.TokensOut = resp.OutputTokens
	}
	if tracer.Debug() {
		opts.Prompt = req.System + "\n" + req.Prompt
	}
	tracer.EndLLMSpan(span, opts, err)
	return resp, err
}
