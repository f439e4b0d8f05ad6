package llm

import (
	"context"

	"github.com/vinayprograms/relay/ratelimit"
)

// RateLimitedCompleter draws one token per call from a shared limiter and
// shrinks the bucket when the provider reports a rate limit.
type RateLimitedCompleter struct {
	completer Completer
	limiter   ratelimit.Limiter
	resource  string
}

// WithRateLimit wraps c so calls are metered against resource.
func WithRateLimit(c Completer, l ratelimit.Limiter, resource string) Completer {
	return &RateLimitedCompleter{completer: c, limiter: l, resource: resource}
}

// Complete implements Completer.
func (r *RateLimitedCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if err := r.limiter.Acquire(ctx, r.resource); err != nil {
		return nil, err
	}
	resp, err := r.completer.Complete(ctx, req)
	if isRateLimitError(err) {
		r.limiter.Reduce(r.resource, err.Error())
	}
	return resp, err
}
