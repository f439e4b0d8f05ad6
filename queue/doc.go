// Package queue implements the lane contract shared by every relay
// component and the backends behind it.
//
// # Delivery guarantees
//
// All backends deliver at least once. Ack is the only way a message leaves
// its lane for good. Nack with requeue resubmits a copy with an incremented
// retry count while the envelope can still retry, and dead-letters it
// otherwise. Expired messages are dead-lettered and acked before the handler
// sees them. A handler error is treated as Nack(requeue) where requeue is the
// error's retryable tag (untagged errors count as retryable).
//
// # Ordering
//
// MemoryQueue delivers by priority (10 first), FIFO among equal priorities.
// RedisQueue and JetStreamQueue deliver in log order per consumer group and
// never reorder by priority.
//
// # Shutdown
//
// A message dequeued from a MemoryQueue but not yet acked when the consume
// context is canceled stays in the lane's side table and is not redelivered
// (see Registry.InFlight). The log backends keep it pending and redeliver it
// to the same consumer name after restart.
package queue
