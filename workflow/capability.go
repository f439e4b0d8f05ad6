package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
	"github.com/vinayprograms/relay/llm"
)

// Decomposer turns a request into an ordered list of tasks.
type Decomposer interface {
	Decompose(ctx context.Context, request string) ([]envelope.TaskDefinition, error)
}

// Synthesizer combines settled task outputs into one answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, request string, results []map[string]interface{}) (string, error)
}

// FallbackTasks is the decomposition used when no decomposer is set or it
// fails: a single extraction task wrapping the raw request.
func FallbackTasks(request string) []envelope.TaskDefinition {
	t := envelope.NewTaskDefinition(envelope.KindExtraction, map[string]interface{}{"request": request})
	t.Requirements["description"] = "Process user request"
	return []envelope.TaskDefinition{t}
}

// fallbackSynthesis is the final result when synthesis fails.
func fallbackSynthesis(results []map[string]interface{}, err error) map[string]interface{} {
	return map[string]interface{}{
		"synthesis":          "Error synthesizing results",
		"individual_results": toInterfaces(results),
		"error":              err.Error(),
	}
}

func toInterfaces(results []map[string]interface{}) []interface{} {
	out := make([]interface{}, len(results))
	for i, r := range results {
		out[i] = r
	}
	return out
}

const decomposeSystem = `You are a workflow planner for a distributed task system.
Given a user request, break it down into a sequence of tasks. Each task should be one of:
- EXTRACTION: Extract text or data from documents
- SUMMARIZATION: Summarize text content
- ANALYSIS: Analyze data and generate insights
- FACT_CHECK: Verify facts and claims

Respond with only a JSON array of tasks in this format:
[
  {"task_type": "EXTRACTION", "input_data": {"document_url": "..."}, "description": "..."},
  {"task_type": "SUMMARIZATION", "input_data": {"text": "..."}, "description": "..."}
]`

const synthesizeSystem = `You are synthesizing results from multiple workers into a coherent final response.
Combine the outputs logically and provide a comprehensive answer to the original user request.`

// LLMDecomposer asks a completer for a JSON task list.
type LLMDecomposer struct {
	Completer   llm.Completer
	Temperature float64
	MaxTokens   int
}

// NewLLMDecomposer uses temperature 0.3 and 1000 tokens.
func NewLLMDecomposer(c llm.Completer) *LLMDecomposer {
	return &LLMDecomposer{Completer: c, Temperature: 0.3, MaxTokens: 1000}
}

type taskSpec struct {
	TaskType    string                 `json:"task_type"`
	InputData   map[string]interface{} `json:"input_data"`
	Description string                 `json:"description"`
}

// Decompose implements Decomposer.
func (d *LLMDecomposer) Decompose(ctx context.Context, request string) ([]envelope.TaskDefinition, error) {
	resp, err := d.Completer.Complete(ctx, llm.CompletionRequest{
		System:      decomposeSystem,
		Prompt:      "User request: " + request + "\n\nBreak this down into executable tasks:",
		Temperature: d.Temperature,
		MaxTokens:   d.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return ParseTasks(resp.Text)
}

// ParseTasks decodes a JSON task array, tolerating a surrounding markdown
// code fence. Every task must name a known kind.
func ParseTasks(text string) ([]envelope.TaskDefinition, error) {
	var specs []taskSpec
	if err := json.Unmarshal([]byte(stripFence(text)), &specs); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeDecode, "parsing task list")
	}
	if len(specs) == 0 {
		return nil, errors.New(errors.ErrCodeDecode, "empty task list")
	}
	tasks := make([]envelope.TaskDefinition, 0, len(specs))
	for _, s := range specs {
		kind, ok := envelope.ParseTaskKind(s.TaskType)
		if !ok {
			return nil, errors.New(errors.ErrCodeDecode, "unknown task kind "+s.TaskType)
		}
		t := envelope.NewTaskDefinition(kind, s.InputData)
		t.Requirements["description"] = s.Description
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}

// LLMSynthesizer asks a completer to merge results.
type LLMSynthesizer struct {
	Completer   llm.Completer
	Temperature float64
	MaxTokens   int
}

// NewLLMSynthesizer uses temperature 0.5 and 2000 tokens.
func NewLLMSynthesizer(c llm.Completer) *LLMSynthesizer {
	return &LLMSynthesizer{Completer: c, Temperature: 0.5, MaxTokens: 2000}
}

// Synthesize implements Synthesizer.
func (s *LLMSynthesizer) Synthesize(ctx context.Context, request string, results []map[string]interface{}) (string, error) {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrCodeInternal, "encoding results")
	}
	prompt := "Task results:\n" + string(data) + "\n\nProvide a synthesized final response:"
	if request != "" {
		prompt = "Original request: " + request + "\n\n" + prompt
	}
	resp, err := s.Completer.Complete(ctx, llm.CompletionRequest{
		System:      synthesizeSystem,
		Prompt:      prompt,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// synthesize runs s, falling back on error. A nil synthesizer yields the
// raw result list.
func synthesize(ctx context.Context, s Synthesizer, request string, results []map[string]interface{}, now time.Time) (map[string]interface{}, error) {
	if s == nil {
		return map[string]interface{}{
			"individual_results": toInterfaces(results),
			"timestamp":          now.UTC().Format(time.RFC3339Nano),
		}, nil
	}
	text, err := s.Synthesize(ctx, request, results)
	if err != nil {
		return fallbackSynthesis(results, err), err
	}
	return map[string]interface{}{
		"synthesis":          text,
		"individual_results": toInterfaces(results),
		"timestamp":          now.UTC().Format(time.RFC3339Nano),
	}, nil
}
