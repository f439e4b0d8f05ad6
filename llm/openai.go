package llm

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/vinayprograms/relay/errors"
)

// OpenAICompleter completes text with the OpenAI chat completions API or
// any compatible endpoint set through BaseURL.
type OpenAICompleter struct {
	client    *openai.Client
	model     string
	maxTokens int
	retry     RetryConfig
}

// NewOpenAICompleter creates an OpenAI completer.
func NewOpenAICompleter(cfg Config) (*OpenAICompleter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "api_key is required for openai")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAICompleter{
		client:    &client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		retry:     cfg.Retry,
	}, nil
}

// Complete implements Completer.
func (p *OpenAICompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	maxTokens := int64(p.maxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    messages,
		MaxTokens:   openai.Int(maxTokens),
		Temperature: openai.Float(req.Temperature),
	}

	resp, err := withRetry(ctx, p.retry, "openai", func(ctx context.Context) (*openai.ChatCompletion, error) {
		return p.client.Chat.Completions.New(ctx, params)
	})
	if err != nil {
		return nil, err
	}

	result := &Completion{
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	if len(resp.Choices) > 0 {
		result.Text = resp.Choices[0].Message.Content
		result.StopReason = string(resp.Choices[0].FinishReason)
	}
	return result, nil
}
