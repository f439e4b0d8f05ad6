package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vinayprograms/relay/errors"
	"github.com/vinayprograms/relay/ratelimit"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"complete", Config{Provider: "anthropic", Model: "m", APIKey: "k", MaxTokens: 100}, false},
		{"no provider", Config{Model: "m", APIKey: "k", MaxTokens: 100}, true},
		{"no model", Config{Provider: "openai", APIKey: "k", MaxTokens: 100}, true},
		{"no key", Config{Provider: "openai", Model: "m", MaxTokens: 100}, true},
		{"no max tokens", Config{Provider: "openai", Model: "m", APIKey: "k"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "carrier-pigeon", Model: "m", APIKey: "k", MaxTokens: 10})
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("New() = %v, want INVALID_INPUT", err)
	}
}

func TestNew_OpenAI(t *testing.T) {
	c, err := New(Config{Provider: "OpenAI", Model: "gpt-4o-mini", APIKey: "k", MaxTokens: 10})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if _, ok := c.(*TracingCompleter); !ok {
		t.Errorf("New() = %T, want *TracingCompleter", c)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err       string
		retryable bool
		billing   bool
	}{
		{"429 Too Many Requests", true, false},
		{"model overloaded", true, false},
		{"503 service unavailable", true, false},
		{"402 payment required", false, true},
		{"invalid request: bad model", false, false},
	}
	for _, tt := range tests {
		err := fmt.Errorf("%s", tt.err)
		if got := isRetryableError(err); got != tt.retryable {
			t.Errorf("isRetryableError(%q) = %v, want %v", tt.err, got, tt.retryable)
		}
		if got := isBillingError(err); got != tt.billing {
			t.Errorf("isBillingError(%q) = %v, want %v", tt.err, got, tt.billing)
		}
	}
}

func TestWithRetry(t *testing.T) {
	retry := RetryConfig{MaxRetries: 2, InitBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	t.Run("recovers from rate limit", func(t *testing.T) {
		calls := 0
		got, err := withRetry(context.Background(), retry, "test", func(ctx context.Context) (string, error) {
			calls++
			if calls < 2 {
				return "", fmt.Errorf("429 rate limit")
			}
			return "ok", nil
		})
		if err != nil || got != "ok" || calls != 2 {
			t.Errorf("withRetry() = %q, %v after %d calls", got, err, calls)
		}
	})

	t.Run("gives up as unavailable", func(t *testing.T) {
		calls := 0
		_, err := withRetry(context.Background(), retry, "test", func(ctx context.Context) (string, error) {
			calls++
			return "", fmt.Errorf("502 bad gateway")
		})
		if !errors.Is(err, errors.ErrCodeUnavailable) || !errors.IsRetryable(err) {
			t.Errorf("withRetry() = %v, want retryable UNAVAILABLE", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("fatal errors are not retried", func(t *testing.T) {
		calls := 0
		_, err := withRetry(context.Background(), retry, "test", func(ctx context.Context) (string, error) {
			calls++
			return "", fmt.Errorf("insufficient credits")
		})
		if calls != 1 || errors.IsRetryable(err) {
			t.Errorf("calls = %d, err = %v", calls, err)
		}
	})
}

func TestMockCompleter(t *testing.T) {
	m := NewMockCompleter("hello")
	resp, err := m.Complete(context.Background(), CompletionRequest{Prompt: "hi", Temperature: 0.3})
	if err != nil || resp.Text != "hello" {
		t.Fatalf("Complete() = %+v, %v", resp, err)
	}
	m.SetError(fmt.Errorf("boom"))
	if _, err := m.Complete(context.Background(), CompletionRequest{}); err == nil {
		t.Error("Complete() after SetError = nil")
	}
	if m.CallCount() != 2 || m.Requests()[0].Temperature != 0.3 {
		t.Errorf("recorded requests = %+v", m.Requests())
	}
}

func TestWithTracing_PassesThrough(t *testing.T) {
	c := WithTracing(NewMockCompleter("traced"), "mock")
	resp, err := c.Complete(context.Background(), CompletionRequest{Prompt: "p"})
	if err != nil || resp.Text != "traced" {
		t.Errorf("Complete() = %+v, %v", resp, err)
	}
}

func TestRateLimitedCompleter(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()
	limiter.SetCapacity("openai", 4, time.Hour)

	mock := NewMockCompleter("ok")
	c := WithRateLimit(mock, limiter, "openai")
	ctx := context.Background()

	if _, err := c.Complete(ctx, CompletionRequest{Prompt: "a"}); err != nil {
		t.Fatalf("Complete() = %v", err)
	}
	if got := limiter.Capacity("openai").Available; got != 3 {
		t.Errorf("available = %d, want 3", got)
	}

	mock.SetError(fmt.Errorf("429 Too Many Requests"))
	c.Complete(ctx, CompletionRequest{Prompt: "b"})
	if got := limiter.Capacity("openai").Total; got != 3 {
		t.Errorf("total after rate limit = %d, want 3", got)
	}

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	for i := 0; i < 2; i++ {
		c.Complete(ctx, CompletionRequest{})
	}
	if _, err := c.Complete(short, CompletionRequest{}); err == nil {
		t.Error("Complete() on exhausted bucket succeeded")
	}
}
