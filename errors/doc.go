// Package errors provides the structured failure taxonomy used by relay.
//
// Every failure that crosses a consumption loop carries a code, a category
// and an explicit retryable flag computed where the failure happened. Queue
// backends read that flag to decide between requeue and dead-lettering
// instead of inspecting error types at the call site.
//
// # Categories
//
//   - Transient: timeouts and dropped connections; redelivery may succeed.
//   - Permanent: validation, expiry, decode and protocol failures.
//   - Resource: full lanes and open circuits.
//   - Internal: bugs and recovered panics.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeValidation, "Missing task_id")
//	if errors.IsRetryable(err) {
//	    // requeue
//	}
//
// Errors raised by libraries are tagged once with Classify:
//
//	tagged := errors.Classify(err)
//	details := errors.DetailsOf(err) // error_type, error_message, retry_recommended
package errors
