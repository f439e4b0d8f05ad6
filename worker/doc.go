// Package worker runs a task processor against one per-kind lane.
//
// A Worker consumes structured_task.<kind> with group agent_<kind>, calls
// its Processor with the task payload, and publishes a TaskResult to the
// result lane. Failures the processor marks retryable are returned to the
// queue while the envelope can still retry; any other failure, and the
// last retryable one, become an error result carrying error_details.
package worker
