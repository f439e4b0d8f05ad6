package errors

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// RelayError is implemented by every structured error in relay.
type RelayError interface {
	error
	Code() ErrorCode
	Category() ErrorCategory
	// Retryable reports whether the message may succeed on redelivery.
	Retryable() bool
	Metadata() map[string]string
	Unwrap() error
}

// Error is a tagged failure computed once where it happens. Consumers read
// the code and the retryable flag instead of matching on message text.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil: derived from category
	at        time.Time
	queue     string
	messageID string
}

var (
	_ RelayError       = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

func (e *Error) Error() string {
	if e.cause == nil {
		return e.message
	}
	return e.message + ": " + e.cause.Error()
}

func (e *Error) Code() ErrorCode { return e.code }
func (e *Error) Category() ErrorCategory { return e.category }
func (e *Error) Unwrap() error { return e.cause }

// Timestamp is when the failure was recorded.
func (e *Error) Timestamp() time.Time { return e.at }

// Queue is the lane the failure happened on, if known.
func (e *Error) Queue() string { return e.queue }

// MessageID is the envelope the failure relates to, if known.
func (e *Error) MessageID() string { return e.messageID }

func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy.
func (e *Error) Metadata() map[string]string {
	out := make(map[string]string, len(e.metadata))
	maps.Copy(out, e.metadata)
	return out
}

// wireError is the JSON form carried in logs and dead-letter annotations.
type wireError struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	At        time.Time         `json:"timestamp,omitzero"`
	Queue     string            `json:"queue,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	w := wireError{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		At:        e.at,
		Queue:     e.queue,
		MessageID: e.messageID,
	}
	if e.cause != nil {
		w.Cause = e.cause.Error()
	}
	return json.Marshal(w)
}

// UnmarshalJSON restores an error. The cause comes back as plain text and
// the retryable flag is pinned to the encoded value.
func (e *Error) UnmarshalJSON(data []byte) error {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Error{
		code:      w.Code,
		category:  w.Category,
		message:   w.Message,
		metadata:  w.Metadata,
		retryable: &w.Retryable,
		at:        w.At,
		queue:     w.Queue,
		messageID: w.MessageID,
	}
	if w.Cause != "" {
		e.cause = textError(w.Cause)
	}
	return nil
}

type textError string

func (t textError) Error() string { return string(t) }

// Option configures an Error.
type Option func(*Error)

// WithRetryable pins the retryable flag regardless of category.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

func WithQueue(name string) Option {
	return func(e *Error) { e.queue = name }
}

func WithMessageID(id string) Option {
	return func(e *Error) { e.messageID = id }
}

func WithTimestamp(t time.Time) Option {
	return func(e *Error) { e.at = t }
}

func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates an Error whose category follows from code.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:     code,
		category: code.DefaultCategory(),
		message:  message,
		at:       time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode uses the code's description as the message.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Capacity reports a bounded lane that cannot take another message.
func Capacity(queue string, size int) *Error {
	return New(ErrCodeCapacity, fmt.Sprintf("queue %s is full (max %d)", queue, size), WithQueue(queue))
}

// Closed reports an operation on a closed queue.
func Closed(queue string) *Error {
	return New(ErrCodeClosed, fmt.Sprintf("queue %s is closed", queue), WithQueue(queue))
}

func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

func Validation(message string, opts ...Option) *Error {
	return New(ErrCodeValidation, message, opts...)
}
