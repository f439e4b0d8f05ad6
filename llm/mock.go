package llm

import (
	"context"
	"sync"
)

// MockCompleter is a Completer for tests.
type MockCompleter struct {
	mu       sync.Mutex
	response string
	err      error
	requests []CompletionRequest

	// CompleteFunc can be overridden for custom behavior
	CompleteFunc func(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// NewMockCompleter creates a mock returning response.
func NewMockCompleter(response string) *MockCompleter {
	return &MockCompleter{response: response}
}

// SetResponse sets the response text.
func (m *MockCompleter) SetResponse(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = text
}

// SetError sets an error to return.
func (m *MockCompleter) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Requests returns every request received so far.
func (m *MockCompleter) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.requests...)
}

// CallCount returns the number of Complete calls made.
func (m *MockCompleter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Complete implements Completer.
func (m *MockCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fn, text, err := m.CompleteFunc, m.response, m.err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return &Completion{Text: text, StopReason: "end_turn", Model: "mock"}, nil
}
