// Package llm provides the text completion capability used by the workflow
// decomposer and synthesizer, with adapters for hosted model providers.
package llm

import (
	"context"
	"strings"
	"time"

	"github.com/vinayprograms/relay/errors"
)

// CompletionRequest is a single-turn completion.
type CompletionRequest struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Completion is the provider's answer.
type Completion struct {
	Text         string `json:"text"`
	StopReason   string `json:"stop_reason"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// Completer completes text.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (*Completion, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	return f(ctx, req)
}

// Config selects and configures a provider.
type Config struct {
	Provider  string      `json:"provider"` // anthropic, openai, google
	Model     string      `json:"model"`
	APIKey    string      `json:"api_key"`
	MaxTokens int         `json:"max_tokens"`
	BaseURL   string      `json:"base_url"` // Custom API endpoint (OpenAI-compatible gateways)
	Retry     RetryConfig `json:"retry"`
}

// RetryConfig holds retry settings for provider calls.
type RetryConfig struct {
	MaxRetries  int           `json:"max_retries"`  // default 5
	MaxBackoff  time.Duration `json:"max_backoff"`  // default 60s
	InitBackoff time.Duration `json:"init_backoff"` // default 1s
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return errors.New(errors.ErrCodeInvalidInput, "provider is required")
	}
	if c.Model == "" {
		return errors.New(errors.ErrCodeInvalidInput, "model is required")
	}
	if c.APIKey == "" {
		return errors.New(errors.ErrCodeInvalidInput, "api key is required")
	}
	if c.MaxTokens == 0 {
		return errors.New(errors.ErrCodeInvalidInput, "max_tokens is required")
	}
	return nil
}

// New builds the configured provider, wrapped with tracing.
func New(cfg Config) (Completer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		c   Completer
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		c, err = NewAnthropicCompleter(cfg)
	case "openai":
		c, err = NewOpenAICompleter(cfg)
	case "google", "gemini":
		c, err = NewGoogleCompleter(context.Background(), cfg)
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return WithTracing(c, strings.ToLower(cfg.Provider)), nil
}
