package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
	"github.com/vinayprograms/relay/llm"
	"github.com/vinayprograms/relay/logging"
	"github.com/vinayprograms/relay/queue"
)

type fakeBreaker struct {
	mu        sync.Mutex
	open      bool
	failures  map[string]int
	successes map[string]int
}

func newFakeBreaker() *fakeBreaker {
	return &fakeBreaker{failures: map[string]int{}, successes: map[string]int{}}
}

func (b *fakeBreaker) IsCircuitOpen(q string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *fakeBreaker) RecordFailure(q string) {
	b.mu.Lock()
	b.failures[q]++
	b.mu.Unlock()
}

func (b *fakeBreaker) RecordSuccess(q string) {
	b.mu.Lock()
	b.successes[q]++
	b.mu.Unlock()
}

func newTestWorker(t *testing.T, p Processor, opts ...Option) (*Worker, *queue.Factory) {
	t.Helper()
	ctx := context.Background()
	f, err := queue.NewFactory(ctx, queue.DefaultConfig(),
		queue.WithLogger(logging.Nop()),
		queue.WithDefaultBlock(20*time.Millisecond),
		queue.WithRetryBackoff(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewFactory() = %v", err)
	}
	t.Cleanup(func() { f.Close() })
	w, err := New(ctx, envelope.KindExtraction, p, f, append([]Option{WithID("w1"), WithLogger(logging.Nop())}, opts...)...)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return w, f
}

func taskMessage(maxRetries int) envelope.Envelope {
	def := envelope.NewTaskDefinition(envelope.KindExtraction, map[string]interface{}{"text": "hello world"})
	return envelope.New(envelope.RoleRouter, envelope.KindExtraction,
		envelope.WithMaxRetries(maxRetries),
		envelope.WithPayload(def.Payload()))
}

func results(t *testing.T, f *queue.Factory) []envelope.TaskResult {
	t.Helper()
	var out []envelope.TaskResult
	for _, env := range f.Registry().Messages(envelope.LaneResult) {
		r, err := envelope.TaskResultFromPayload(env.Payload)
		if err != nil {
			t.Fatalf("TaskResultFromPayload() = %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestWorker_Success(t *testing.T) {
	b := newFakeBreaker()
	w, f := newTestWorker(t, Echo(), WithRecorder(b))
	env := taskMessage(3)

	if err := w.Handle(context.Background(), &env); err != nil {
		t.Fatalf("Handle() = %v", err)
	}
	rs := results(t, f)
	if len(rs) != 1 {
		t.Fatalf("results = %d, want 1", len(rs))
	}
	r := rs[0]
	if r.Status != envelope.StatusSuccess || r.TaskID != env.PayloadString("task_id") || r.WorkerID != "w1" {
		t.Errorf("result = %+v", r)
	}
	if r.ProcessingTimeMs == nil {
		t.Error("processing_time_ms missing")
	}
	msg := f.Registry().Messages(envelope.LaneResult)[0]
	if msg.Header.CorrelationID != env.Header.CorrelationID || msg.Header.ActorRole != envelope.RoleWorker {
		t.Errorf("result header = %+v", msg.Header)
	}
	if b.successes["structured_task.extraction"] != 1 {
		t.Errorf("successes = %v", b.successes)
	}
	if s := w.Stats(); s.Processed != 1 || s.Succeeded != 1 || s.SuccessRate != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestWorker_PermanentFailurePublishesError(t *testing.T) {
	b := newFakeBreaker()
	w, f := newTestWorker(t, ProcessorFunc(func(ctx context.Context, p map[string]interface{}) (map[string]interface{}, error) {
		return nil, fmt.Errorf("malformed document")
	}), WithRecorder(b))
	env := taskMessage(3)

	if err := w.Handle(context.Background(), &env); err != nil {
		t.Fatalf("Handle() = %v", err)
	}
	rs := results(t, f)
	if len(rs) != 1 || rs[0].Status != envelope.StatusError {
		t.Fatalf("results = %+v", rs)
	}
	d := rs[0].ErrorDetails
	if d == nil || d.ErrorType != "PROCESSING" || d.ErrorMessage != "malformed document" || d.RetryRecommended {
		t.Errorf("error_details = %+v", d)
	}
	if b.failures["structured_task.extraction"] != 1 {
		t.Errorf("failures = %v", b.failures)
	}
}

func TestWorker_RetryableFailure(t *testing.T) {
	timeout := ProcessorFunc(func(ctx context.Context, p map[string]interface{}) (map[string]interface{}, error) {
		return nil, fmt.Errorf("upstream: %w", context.DeadlineExceeded)
	})
	w, f := newTestWorker(t, timeout)

	env := taskMessage(3)
	err := w.Handle(context.Background(), &env)
	if !errors.Is(err, errors.ErrCodeTimeout) || !errors.IsRetryable(err) {
		t.Fatalf("Handle() = %v, want retryable TIMEOUT", err)
	}
	if len(results(t, f)) != 0 {
		t.Error("retryable failure published a result")
	}

	last := taskMessage(1)
	last.Header.RetryCount = 1
	if err := w.Handle(context.Background(), &last); err != nil {
		t.Fatalf("Handle(last attempt) = %v", err)
	}
	rs := results(t, f)
	if len(rs) != 1 || rs[0].ErrorDetails == nil || !rs[0].ErrorDetails.RetryRecommended || rs[0].ErrorDetails.ErrorType != "TIMEOUT" {
		t.Errorf("final result = %+v", rs)
	}
	if s := w.Stats(); s.Retried != 1 || s.Failed != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestWorker_OpenCircuit(t *testing.T) {
	b := newFakeBreaker()
	b.open = true
	called := false
	w, _ := newTestWorker(t, ProcessorFunc(func(ctx context.Context, p map[string]interface{}) (map[string]interface{}, error) {
		called = true
		return nil, nil
	}), WithCircuitBreaker(b))

	env := taskMessage(3)
	err := w.Handle(context.Background(), &env)
	if !errors.Is(err, errors.ErrCodeCircuitOpen) || !errors.IsRetryable(err) {
		t.Errorf("Handle() = %v, want retryable CIRCUIT_OPEN", err)
	}
	if called {
		t.Error("processor ran with an open circuit")
	}
}

func TestWorker_Run(t *testing.T) {
	w, f := newTestWorker(t, Echo())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lane, _ := f.Create(ctx, envelope.TaskLane(envelope.KindExtraction))
	lane.Publish(ctx, taskMessage(3))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.Registry().Depth(envelope.LaneResult) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if d := f.Registry().Depth(envelope.LaneResult); d != 1 {
		t.Errorf("result depth = %d, want 1", d)
	}
	if w.Group() != "agent_extraction" {
		t.Errorf("Group() = %q", w.Group())
	}
}

func TestLLMProcessor(t *testing.T) {
	m := llm.NewMockCompleter("short summary")
	p := NewLLMProcessor(envelope.KindSummarization, m)
	out, err := p.Process(context.Background(), map[string]interface{}{
		"input_data": map[string]interface{}{"text": "a long text"},
	})
	if err != nil {
		t.Fatalf("Process() = %v", err)
	}
	if out["summary"] != "short summary" {
		t.Errorf("output = %v", out)
	}
	req := m.Requests()[0]
	if req.Temperature != 0.5 || req.MaxTokens != 500 {
		t.Errorf("request = %+v", req)
	}

	if _, err := p.Process(context.Background(), map[string]interface{}{}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("Process(no input) = %v", err)
	}
}

func TestWorker_OpenCircuitFinalAttemptPublishesError(t *testing.T) {
	b := newFakeBreaker()
	b.open = true
	w, f := newTestWorker(t, Echo(), WithCircuitBreaker(b))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lane, _ := f.Create(ctx, envelope.TaskLane(envelope.KindExtraction))
	env := taskMessage(1)
	lane.Publish(ctx, env)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for f.Registry().Depth(envelope.LaneResult) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}

	rs := results(t, f)
	if len(rs) != 1 || rs[0].Status != envelope.StatusError {
		t.Fatalf("results = %+v", rs)
	}
	if d := rs[0].ErrorDetails; d == nil || d.ErrorType != "CIRCUIT_OPEN" || !d.RetryRecommended {
		t.Errorf("error_details = %+v", d)
	}
	if d := f.Registry().Depth(envelope.LaneDeadLetter); d != 0 {
		t.Errorf("dead letters = %d, want 0", d)
	}
	if s := w.Stats(); s.Failed != 1 || s.Processed != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}
