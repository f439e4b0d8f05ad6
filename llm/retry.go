package llm

import (
	"context"
	"strings"
	"time"

	"github.com/vinayprograms/relay/errors"
)

const (
	defaultMaxRetries  = 5
	defaultInitBackoff = time.Second
	defaultMaxBackoff  = 60 * time.Second
	backoffFactor      = 2.0
)

func (r RetryConfig) effective() (maxRetries int, initBackoff, maxBackoff time.Duration) {
	maxRetries = r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	initBackoff = r.InitBackoff
	if initBackoff <= 0 {
		initBackoff = defaultInitBackoff
	}
	maxBackoff = r.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return
}

// withRetry runs call until it succeeds, fails fatally, or retries run out.
// Failures come back tagged so that queue consumers can decide requeue.
func withRetry[T any](ctx context.Context, retry RetryConfig, provider string, call func(context.Context) (T, error)) (T, error) {
	maxRetries, backoff, maxBackoff := retry.effective()
	var zero T
	for attempt := 0; ; attempt++ {
		resp, err := call(ctx)
		if err == nil {
			return resp, nil
		}
		if isBillingError(err) {
			return zero, errors.WrapWithCode(err, errors.ErrCodeProcessing, provider+" billing/payment error (fatal)")
		}
		if !isRetryableError(err) {
			return zero, errors.WrapWithCode(err, errors.ErrCodeProcessing, provider+" request failed")
		}
		if attempt == maxRetries {
			return zero, errors.WrapWithCode(err, errors.ErrCodeUnavailable, provider+" request failed after retries")
		}

		select {
		case <-ctx.Done():
			return zero, errors.Wrap(ctx.Err(), provider+" request canceled")
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// isRateLimitError checks if the error is a rate limit error.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "overloaded")
}

// isServerError checks if the error is a transient server error (5xx).
func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range []string{"500", "502", "503", "504", "internal server error", "bad gateway",
		"service unavailable", "gateway timeout", "temporarily unavailable"} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

func isRetryableError(err error) bool {
	return isRateLimitError(err) || isServerError(err)
}

// isBillingError checks if the error is a billing/payment/quota error (fatal, no retry).
func isBillingError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range []string{"billing", "payment", "credits", "quota exceeded", "insufficient", "402", "subscription"} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
