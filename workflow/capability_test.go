package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/llm"
)

func TestParseTasks(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantKinds []envelope.TaskKind
		wantErr   bool
	}{
		{
			name:      "plain array",
			text:      `[{"task_type":"EXTRACTION","input_data":{"url":"u"},"description":"d"},{"task_type":"summarization","input_data":{"text":"t"}}]`,
			wantKinds: []envelope.TaskKind{envelope.KindExtraction, envelope.KindSummarization},
		},
		{
			name:      "fenced",
			text:      "```json\n[{\"task_type\":\"ANALYSIS\",\"input_data\":{}}]\n```",
			wantKinds: []envelope.TaskKind{envelope.KindAnalysis},
		},
		{name: "prose", text: "Sure! Here are the tasks.", wantErr: true},
		{name: "empty array", text: "[]", wantErr: true},
		{name: "unknown kind", text: `[{"task_type":"TRANSLATE"}]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTasks(tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTasks() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.wantKinds) {
				t.Fatalf("ParseTasks() = %d tasks, want %d", len(got), len(tt.wantKinds))
			}
			for i, k := range tt.wantKinds {
				if got[i].TaskKind != k || got[i].TaskID == "" {
					t.Errorf("task %d = %+v, want kind %s", i, got[i], k)
				}
			}
		})
	}
}

func TestFallbackTasks(t *testing.T) {
	tasks := FallbackTasks("summarize the report")
	if len(tasks) != 1 {
		t.Fatalf("FallbackTasks() = %d tasks, want 1", len(tasks))
	}
	if tasks[0].TaskKind != envelope.KindExtraction || tasks[0].InputData["request"] != "summarize the report" {
		t.Errorf("FallbackTasks() = %+v", tasks[0])
	}
}

func TestLLMDecomposer_Settings(t *testing.T) {
	m := llm.NewMockCompleter(`[{"task_type":"FACT_CHECK","input_data":{"claim":"c"}}]`)
	tasks, err := NewLLMDecomposer(m).Decompose(context.Background(), "check this")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("Decompose() = %v, %v", tasks, err)
	}
	req := m.Requests()[0]
	if req.Temperature != 0.3 || req.MaxTokens != 1000 || req.System == "" {
		t.Errorf("request = %+v", req)
	}
}

func TestSynthesize(t *testing.T) {
	results := []map[string]interface{}{{"task_id": "a", "status": "success", "output": map[string]interface{}{}}}

	m := llm.NewMockCompleter("combined answer")
	got, err := synthesize(context.Background(), NewLLMSynthesizer(m), "q", results, t0)
	if err != nil || got["synthesis"] != "combined answer" {
		t.Errorf("synthesize() = %v, %v", got, err)
	}
	if req := m.Requests()[0]; req.Temperature != 0.5 || req.MaxTokens != 2000 {
		t.Errorf("request = %+v", req)
	}

	m.SetError(fmt.Errorf("provider down"))
	got, err = synthesize(context.Background(), NewLLMSynthesizer(m), "q", results, t0)
	if err == nil {
		t.Fatal("synthesize() error = nil")
	}
	if got["synthesis"] != "Error synthesizing results" || got["error"] != "provider down" {
		t.Errorf("fallback = %v", got)
	}
	if list, _ := got["individual_results"].([]interface{}); len(list) != 1 {
		t.Errorf("individual_results = %v", got["individual_results"])
	}
}
