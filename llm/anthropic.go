package llm

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/vinayprograms/relay/errors"
)

// AnthropicCompleter completes text with the Anthropic Messages API.
type AnthropicCompleter struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	retry     RetryConfig
}

// NewAnthropicCompleter creates an Anthropic completer.
func NewAnthropicCompleter(cfg Config) (*AnthropicCompleter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "api_key is required for anthropic")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicCompleter{
		client:    &client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		retry:     cfg.Retry,
	}, nil
}

// Complete implements Completer.
func (p *AnthropicCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	maxTokens := int64(p.maxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := withRetry(ctx, p.retry, "anthropic", func(ctx context.Context) (*anthropic.Message, error) {
		return p.client.Messages.New(ctx, params)
	})
	if err != nil {
		return nil, err
	}

	result := &Completion{
		StopReason:   string(resp.StopReason),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Model:        string(resp.Model),
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			result.Text += block.Text
		}
	}
	return result, nil
}
