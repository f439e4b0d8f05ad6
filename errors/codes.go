package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how a failed delivery is handled.
const (
	// CategoryTransient indicates temporary failures where a redelivery may succeed.
	// Examples: broker timeouts, dropped connections.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where a redelivery will not help.
	// Examples: malformed payloads, expired messages, unknown correlation ids.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion.
	// Examples: a bounded lane is full, a circuit is open.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeConnection  ErrorCode = "CONNECTION"  // Broker or peer connection failed
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Backend temporarily unavailable

	// Permanent errors
	ErrCodeValidation         ErrorCode = "VALIDATION"          // Task payload failed validation
	ErrCodeExpired            ErrorCode = "EXPIRED"             // Message TTL elapsed before processing
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"           // Unknown message or lane
	ErrCodeDecode             ErrorCode = "DECODE"              // Wire entry could not be decoded
	ErrCodeProtocol           ErrorCode = "PROTOCOL"            // Message violates the workflow protocol
	ErrCodeUnknownCorrelation ErrorCode = "UNKNOWN_CORRELATION" // Result for a workflow never seen
	ErrCodeProcessing         ErrorCode = "PROCESSING"          // Task processor failed
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"       // Bad argument or configuration
	ErrCodeClosed             ErrorCode = "CLOSED"              // Queue already closed
	ErrCodeCanceled           ErrorCode = "CANCELED"            // Operation was canceled

	// Resource errors
	ErrCodeCapacity    ErrorCode = "CAPACITY"     // Bounded lane is full
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN" // Lane breaker is open

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeConnection, ErrCodeUnavailable:
		return CategoryTransient

	case ErrCodeValidation, ErrCodeExpired, ErrCodeNotFound, ErrCodeDecode,
		ErrCodeProtocol, ErrCodeUnknownCorrelation, ErrCodeProcessing,
		ErrCodeInvalidInput, ErrCodeClosed, ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeCapacity, ErrCodeCircuitOpen:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:            "operation timed out",
	ErrCodeConnection:         "connection failed",
	ErrCodeUnavailable:        "backend temporarily unavailable",
	ErrCodeValidation:         "payload validation failed",
	ErrCodeExpired:            "message expired",
	ErrCodeNotFound:           "not found",
	ErrCodeDecode:             "malformed wire entry",
	ErrCodeProtocol:           "protocol violation",
	ErrCodeUnknownCorrelation: "unknown correlation id",
	ErrCodeProcessing:         "task processing failed",
	ErrCodeInvalidInput:       "invalid input provided",
	ErrCodeClosed:             "queue closed",
	ErrCodeCanceled:           "operation canceled",
	ErrCodeCapacity:           "queue at capacity",
	ErrCodeCircuitOpen:        "circuit open",
	ErrCodeInternal:           "internal error",
	ErrCodePanic:              "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
