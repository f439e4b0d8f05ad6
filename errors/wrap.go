package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a RelayError, the wrapper keeps its code and retry flag.
// Otherwise the error is classified first.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var relayErr *Error
	if errors.As(err, &relayErr) {
		wrapped := &Error{
			code:      relayErr.code,
			category:  relayErr.category,
			message:   message,
			cause:     err,
			metadata:  relayErr.Metadata(),
			retryable: relayErr.retryable,
			at:        relayErr.at,
			queue:     relayErr.queue,
			messageID: relayErr.messageID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	code := classifyCode(err)
	if code == ErrCodeProcessing {
		code = ErrCodeInternal
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsRelayError extracts a RelayError from an error chain.
// Returns nil if none is found.
func AsRelayError(err error) RelayError {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.code == code
	}
	return false
}

// IsRetryable checks if the error is tagged retryable.
func IsRetryable(err error) bool {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Retryable()
	}
	return false
}

// Code extracts the error code from an error, if available.
func Code(err error) ErrorCode {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.code
	}
	return ""
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Classify tags err with a code and retry flag. Structured errors pass through
// unchanged. Timeouts and connection failures are retryable; anything else is
// a non-retryable processing failure.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr
	}
	return New(classifyCode(err), err.Error(), WithCause(err))
}

func classifyCode(err error) ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return ErrCodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrCodeCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrCodeTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrCodeConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return ErrCodeConnection
	}
	return ErrCodeProcessing
}

// ShouldRequeue reports whether a handler failure may be redelivered.
// Untagged handler errors count as retryable; tagged ones use their flag.
func ShouldRequeue(err error) bool {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Retryable()
	}
	return true
}

// Details is the structured error block carried by failed task results.
type Details struct {
	ErrorType        string `json:"error_type"`
	ErrorMessage     string `json:"error_message"`
	RetryRecommended bool   `json:"retry_recommended"`
}

// DetailsOf classifies err and renders it as a Details block.
func DetailsOf(err error) *Details {
	if err == nil {
		return nil
	}
	tagged := Classify(err)
	return &Details{
		ErrorType:        tagged.Code().String(),
		ErrorMessage:     err.Error(),
		RetryRecommended: tagged.Retryable(),
	}
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
