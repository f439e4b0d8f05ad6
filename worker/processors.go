package worker

import (
	"context"
	"encoding/json"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
	"github.com/vinayprograms/relay/llm"
)

// Echo returns the task's input_data unchanged.
func Echo() Processor {
	return ProcessorFunc(func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		in, _ := payload["input_data"].(map[string]interface{})
		return map[string]interface{}{"echo": envelope.CloneMap(in)}, nil
	})
}

type prompt struct {
	system      string
	instruction string
	outputKey   string
	temperature float64
	maxTokens   int
}

var prompts = map[envelope.TaskKind]prompt{
	envelope.KindExtraction: {
		system:      "You extract the key facts, entities and figures from the given input. Be exhaustive and literal.",
		instruction: "Extract the important information from the following input:",
		outputKey:   "extracted_text",
		temperature: 0.2,
		maxTokens:   1000,
	},
	envelope.KindSummarization: {
		system:      "You are a concise summarization assistant. Provide clear, accurate summaries.",
		instruction: "Summarize the following text:",
		outputKey:   "summary",
		temperature: 0.5,
		maxTokens:   500,
	},
	envelope.KindAnalysis: {
		system:      "You analyze data and produce concrete insights with supporting evidence.",
		instruction: "Analyze the following input and list your findings:",
		outputKey:   "analysis",
		temperature: 0.4,
		maxTokens:   1000,
	},
	envelope.KindFactCheck: {
		system:      "You verify claims. For each claim state whether it is supported, refuted or unverifiable and why.",
		instruction: "Check the following claims:",
		outputKey:   "verdict",
		temperature: 0.1,
		maxTokens:   800,
	},
	envelope.KindCustom: {
		system:      "You are a careful assistant completing a task in a larger workflow.",
		instruction: "Complete the following task:",
		outputKey:   "output",
		temperature: 0.5,
		maxTokens:   1000,
	},
}

// LLMProcessor completes a kind-specific prompt over the task's input_data.
type LLMProcessor struct {
	kind      envelope.TaskKind
	completer llm.Completer
}

// NewLLMProcessor creates a processor for kind.
func NewLLMProcessor(kind envelope.TaskKind, c llm.Completer) *LLMProcessor {
	return &LLMProcessor{kind: kind, completer: c}
}

// Process implements Processor.
func (p *LLMProcessor) Process(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	pr, ok := prompts[p.kind]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "no prompt for task kind %s", p.kind)
	}
	input, err := inputText(payload)
	if err != nil {
		return nil, err
	}
	resp, err := p.completer.Complete(ctx, llm.CompletionRequest{
		System:      pr.system,
		Prompt:      pr.instruction + "\n\n" + input,
		Temperature: pr.temperature,
		MaxTokens:   pr.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		pr.outputKey:   resp.Text,
		"input_length": len(input),
		"model":        resp.Model,
		"tokens_used":  resp.InputTokens + resp.OutputTokens,
	}, nil
}

// inputText prefers input_data.text, then extracted_text, then the whole
// input_data as JSON.
func inputText(payload map[string]interface{}) (string, error) {
	in, ok := payload["input_data"].(map[string]interface{})
	if !ok {
		if s, ok := payload["input_data"].(string); ok {
			return s, nil
		}
		return "", errors.New(errors.ErrCodeInvalidInput, "task has no input_data")
	}
	for _, key := range []string{"text", "extracted_text", "request"} {
		if s, ok := in[key].(string); ok && s != "" {
			return s, nil
		}
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "encoding input_data")
	}
	return string(data), nil
}
