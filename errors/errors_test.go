package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"
)

// ============================================================================
// 1. Error creation with different codes/categories
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"timeout", ErrCodeTimeout, "read timed out", CategoryTransient},
		{"connection", ErrCodeConnection, "broker gone", CategoryTransient},
		{"validation", ErrCodeValidation, "Missing task_id", CategoryPermanent},
		{"expired", ErrCodeExpired, "ttl elapsed", CategoryPermanent},
		{"capacity", ErrCodeCapacity, "lane full", CategoryResource},
		{"circuit", ErrCodeCircuitOpen, "breaker open", CategoryResource},
		{"panic", ErrCodePanic, "boom", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeExpired, WithMessageID("m-1"), WithQueue("task"))
	if err.Error() != "message expired" {
		t.Errorf("Error() = %v, want %v", err.Error(), "message expired")
	}
	if err.MessageID() != "m-1" || err.Queue() != "task" {
		t.Errorf("MessageID/Queue = %q/%q", err.MessageID(), err.Queue())
	}
}

func TestCapacity(t *testing.T) {
	err := Capacity("task", 10)
	if err.Code() != ErrCodeCapacity {
		t.Errorf("Code() = %v, want %v", err.Code(), ErrCodeCapacity)
	}
	if err.Error() != "queue task is full (max 10)" {
		t.Errorf("Error() = %q", err.Error())
	}
}

// ============================================================================
// 2. Retryable vs non-retryable errors
// ============================================================================

func TestRetryable(t *testing.T) {
	tests := []struct {
		name      string
		code      ErrorCode
		wantRetry bool
	}{
		{"timeout is retryable", ErrCodeTimeout, true},
		{"connection is retryable", ErrCodeConnection, true},
		{"capacity is retryable", ErrCodeCapacity, true},
		{"validation is not retryable", ErrCodeValidation, false},
		{"expired is not retryable", ErrCodeExpired, false},
		{"processing is not retryable", ErrCodeProcessing, false},
		{"internal is not retryable", ErrCodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "test")
			if err.Retryable() != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", err.Retryable(), tt.wantRetry)
			}
		})
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := New(ErrCodeTimeout, "permanent timeout", WithRetryable(false))
	if err.Retryable() {
		t.Error("expected error to be non-retryable after override")
	}

	err2 := New(ErrCodePanic, "retry after panic", WithRetryable(true))
	if !err2.Retryable() {
		t.Error("expected error to be retryable after override")
	}
}

func TestShouldRequeue(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", fmt.Errorf("handler failed"), true},
		{"tagged transient", New(ErrCodeTimeout, "slow"), true},
		{"tagged permanent", Validation("bad"), false},
		{"wrapped permanent", fmt.Errorf("outer: %w", Validation("bad")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRequeue(tt.err); got != tt.want {
				t.Errorf("ShouldRequeue() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================================
// 3. Classification of library errors
// ============================================================================

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  ErrorCode
		wantRetry bool
	}{
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout, true},
		{"net timeout", timeoutErr{}, ErrCodeTimeout, true},
		{"canceled", context.Canceled, ErrCodeCanceled, false},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, ErrCodeConnection, true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), ErrCodeConnection, true},
		{"unexpected eof", io.ErrUnexpectedEOF, ErrCodeConnection, true},
		{"other", errors.New("division by zero"), ErrCodeProcessing, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Code() != tt.wantCode {
				t.Errorf("Code() = %v, want %v", got.Code(), tt.wantCode)
			}
			if got.Retryable() != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", got.Retryable(), tt.wantRetry)
			}
			if !errors.Is(got, tt.err) {
				t.Error("classified error should wrap the original")
			}
		})
	}
}

func TestClassifyPassesThroughTagged(t *testing.T) {
	orig := New(ErrCodeCircuitOpen, "open")
	if Classify(orig) != orig {
		t.Error("tagged errors should be returned unchanged")
	}
	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestDetailsOf(t *testing.T) {
	d := DetailsOf(context.DeadlineExceeded)
	if d.ErrorType != "TIMEOUT" || !d.RetryRecommended {
		t.Errorf("unexpected details: %+v", d)
	}
	d = DetailsOf(errors.New("bad input"))
	if d.ErrorType != "PROCESSING" || d.RetryRecommended || d.ErrorMessage != "bad input" {
		t.Errorf("unexpected details: %+v", d)
	}

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var m map[string]interface{}
	json.Unmarshal(data, &m)
	for _, key := range []string{"error_type", "error_message", "retry_recommended"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %s in %s", key, data)
		}
	}
	if DetailsOf(nil) != nil {
		t.Error("DetailsOf(nil) should be nil")
	}
}

// ============================================================================
// 4. Error wrapping and unwrapping
// ============================================================================

func TestWrap(t *testing.T) {
	orig := errors.New("disk full")
	wrapped := Wrap(orig, "appending entry")
	if wrapped.Code() != ErrCodeInternal {
		t.Errorf("Code() = %v, want %v", wrapped.Code(), ErrCodeInternal)
	}
	if !errors.Is(wrapped, orig) {
		t.Error("wrapped error should contain original")
	}
	if wrapped.Error() != "appending entry: disk full" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestWrapRelayError(t *testing.T) {
	orig := New(ErrCodeTimeout, "xreadgroup", WithQueue("task"), WithRetryable(false))
	wrapped := Wrap(orig, "consuming")
	if wrapped.Code() != ErrCodeTimeout {
		t.Errorf("Code() = %v, want %v", wrapped.Code(), ErrCodeTimeout)
	}
	if wrapped.Retryable() {
		t.Error("retry override should be preserved")
	}
	if wrapped.Queue() != "task" {
		t.Errorf("Queue() = %q", wrapped.Queue())
	}
}

func TestWrapContextErrors(t *testing.T) {
	if Wrap(context.DeadlineExceeded, "x").Code() != ErrCodeTimeout {
		t.Error("deadline should map to TIMEOUT")
	}
	if Wrap(context.Canceled, "x").Code() != ErrCodeCanceled {
		t.Error("cancel should map to CANCELED")
	}
	if Wrap(fmt.Errorf("op: %w", context.DeadlineExceeded), "x").Code() != ErrCodeTimeout {
		t.Error("wrapped deadline should map to TIMEOUT")
	}
}

func TestWrapWithCode(t *testing.T) {
	err := WrapWithCode(errors.New("bad json"), ErrCodeDecode, "decoding entry")
	if err.Code() != ErrCodeDecode {
		t.Errorf("Code() = %v", err.Code())
	}
	if WrapWithCode(nil, ErrCodeDecode, "x") != nil {
		t.Error("nil in, nil out")
	}
}

// ============================================================================
// 5. JSON serialization/deserialization roundtrip
// ============================================================================

func TestJSONRoundtrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	original := New(ErrCodeValidation, "Missing task_id",
		WithMetadata("field", "task_id"),
		WithQueue("task"),
		WithMessageID("m-42"),
		WithTimestamp(ts),
	)

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var restored Error
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if restored.Code() != original.Code() {
		t.Errorf("Code mismatch: %v vs %v", restored.Code(), original.Code())
	}
	if restored.Category() != original.Category() {
		t.Errorf("Category mismatch: %v vs %v", restored.Category(), original.Category())
	}
	if restored.Queue() != "task" || restored.MessageID() != "m-42" {
		t.Errorf("Queue/MessageID mismatch: %q %q", restored.Queue(), restored.MessageID())
	}
	if restored.Retryable() != original.Retryable() {
		t.Errorf("Retryable mismatch")
	}
	if restored.Metadata()["field"] != "task_id" {
		t.Error("Metadata not preserved")
	}
	if !restored.Timestamp().Equal(ts) {
		t.Errorf("Timestamp mismatch: %v vs %v", restored.Timestamp(), ts)
	}
}

func TestMetadataImmutability(t *testing.T) {
	err := New(ErrCodeInternal, "x", WithMetadata("k", "v"))
	md := err.Metadata()
	md["k"] = "changed"
	if err.Metadata()["k"] != "v" {
		t.Error("Metadata() should return a copy")
	}
}

// ============================================================================
// 6. Inspection helpers
// ============================================================================

func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", NotFound("no such message"))
	if !Is(err, ErrCodeNotFound) {
		t.Error("Is() should see through wrapping")
	}
	if Is(err, ErrCodeTimeout) {
		t.Error("Is() should not match other codes")
	}
	if Is(errors.New("plain"), ErrCodeNotFound) {
		t.Error("Is() on plain error should be false")
	}
}

func TestCodeAndAs(t *testing.T) {
	if Code(Closed("task")) != ErrCodeClosed {
		t.Error("Code() mismatch")
	}
	if Code(errors.New("plain")) != "" {
		t.Error("Code() of plain error should be empty")
	}
	if AsRelayError(errors.New("plain")) != nil {
		t.Error("AsRelayError on plain error should be nil")
	}
	if AsRelayError(New(ErrCodeTimeout, "x")) == nil {
		t.Error("AsRelayError should find tagged error")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are not tagged retryable")
	}
}

// ============================================================================
// 7. Panic recovery
// ============================================================================

func TestRecoverPanic(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"error", errors.New("nil map write"), "nil map write"},
		{"string", "index out of range", "index out of range"},
		{"other", 42, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RecoverPanic(tt.value)
			if err.Code() != ErrCodePanic {
				t.Errorf("Code() = %v", err.Code())
			}
			if err.Error() != tt.want {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.want)
			}
		})
	}
	if RecoverPanic(nil) != nil {
		t.Error("RecoverPanic(nil) should be nil")
	}
}
