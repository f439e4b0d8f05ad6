package llm

import (
	"context"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/vinayprograms/relay/errors"
)

// GoogleCompleter completes text with the Gemini API.
type GoogleCompleter struct {
	client    *genai.Client
	modelName string
	maxTokens int
	retry     RetryConfig
}

// NewGoogleCompleter creates a Gemini completer.
func NewGoogleCompleter(ctx context.Context, cfg Config) (*GoogleCompleter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "api_key is required for google")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create google client")
	}
	return &GoogleCompleter{
		client:    client,
		modelName: cfg.Model,
		maxTokens: cfg.MaxTokens,
		retry:     cfg.Retry,
	}, nil
}

// Close closes the underlying client.
func (p *GoogleCompleter) Close() error {
	return p.client.Close()
}

// Complete implements Completer. Each call configures its own model handle
// so concurrent calls with different settings do not interfere.
func (p *GoogleCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	model := p.client.GenerativeModel(p.modelName)
	maxTokens := int32(p.maxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int32(req.MaxTokens)
	}
	model.SetMaxOutputTokens(maxTokens)
	model.SetTemperature(float32(req.Temperature))
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}

	resp, err := withRetry(ctx, p.retry, "google", func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		return model.GenerateContent(ctx, genai.Text(req.Prompt))
	})
	if err != nil {
		return nil, err
	}

	result := &Completion{Model: p.modelName}
	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		if candidate.FinishReason != 0 {
			result.StopReason = candidate.FinishReason.String()
		}
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if text, ok := part.(genai.Text); ok {
					result.Text += string(text)
				}
			}
		}
	}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result, nil
}
