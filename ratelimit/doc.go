// Package ratelimit keeps token buckets for shared upstream resources, such
// as an LLM provider's request quota, so every worker in a process draws from
// one budget.
//
//	limiter := ratelimit.NewMemoryLimiter()
//	limiter.SetCapacity("anthropic", 50, time.Minute)
//	if err := limiter.Acquire(ctx, "anthropic"); err != nil {
//		return err
//	}
//
// Reduce shrinks a bucket by a quarter when the upstream pushes back with a
// rate-limit response.
package ratelimit
