package queue

import (
	"context"
	"sync/atomic"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
	"github.com/vinayprograms/relay/telemetry"
)

// MemoryQueue is a single-process lane backed by a Registry.
type MemoryQueue struct {
	name   string
	reg    *Registry
	lane   *memLane
	dlq    *memLane
	opts   options
	closed atomic.Bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue opens the named lane in the registry given with
// WithRegistry, or in a private registry when none is given.
func NewMemoryQueue(name string, opts ...Option) *MemoryQueue {
	o := buildOptions("queue.memory", opts)
	if o.registry == nil {
		o.registry = NewRegistry()
	}
	return &MemoryQueue{
		name: name,
		reg:  o.registry,
		lane: o.registry.lane(name, o.maxSize),
		dlq:  o.registry.lane(envelope.LaneDeadLetter, o.maxSize),
		opts: o,
	}
}

// Name returns the lane name.
func (q *MemoryQueue) Name() string { return q.name }

// Publish stores a copy of env and enqueues it by priority. A full lane
// fails synchronously with a CAPACITY error.
func (q *MemoryQueue) Publish(ctx context.Context, env envelope.Envelope, opts ...PublishOption) (string, error) {
	if q.closed.Load() {
		return "", errors.Closed(q.name)
	}
	stored := env.Clone()
	buildPublishOptions(opts).apply(&stored)
	if stored.Header.EnqueueTS.IsZero() {
		stored.Header.EnqueueTS = q.opts.now().UTC()
	}
	if err := stored.Validate(); err != nil {
		return "", err
	}

	_, span := q.opts.tracer.StartPublishSpan(ctx, attrsFor(q.name, "", stored))
	err := q.lane.push(stored, stored.Header.Priority)
	telemetry.EndSpan(span, err)
	if err != nil {
		return "", err
	}
	q.opts.logger.Published(q.name, stored.Header.MessageID, stored.Header.Priority)
	return stored.Header.MessageID, nil
}

// Consume polls the lane, waiting up to the block duration per poll. The
// group option is ignored: all consumers of a lane compete.
func (q *MemoryQueue) Consume(ctx context.Context, h Handler, opts ...ConsumeOption) error {
	co := buildConsumeOptions(q.opts.block, opts)
	stop := func() bool { return q.closed.Load() }
	q.opts.logger.Info("consumer started", map[string]interface{}{"queue": q.name, "group": co.group})
	for {
		if ctx.Err() != nil || stop() {
			return nil
		}
		env, ok := q.lane.pop(ctx, co.block, stop)
		if !ok {
			continue
		}
		if err := deliver(ctx, q, &q.opts, co.group, env, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.opts.logger.Error("consume loop error", map[string]interface{}{
				"queue": q.name,
				"error": err.Error(),
			})
			if !sleepCtx(ctx, q.opts.backoff) {
				return nil
			}
		}
	}
}

// Ack removes the side table record.
func (q *MemoryQueue) Ack(ctx context.Context, messageID string) error {
	if !q.lane.ack(messageID) {
		return errors.NotFound("unknown message "+messageID, errors.WithQueue(q.name), errors.WithMessageID(messageID))
	}
	return nil
}

// Nack resubmits the stored copy with an incremented retry count (which
// restarts its TTL window) or dead-letters it.
func (q *MemoryQueue) Nack(ctx context.Context, messageID string, requeue bool) error {
	env, ok := q.lane.take(messageID)
	if !ok {
		return errors.NotFound("unknown message "+messageID, errors.WithQueue(q.name), errors.WithMessageID(messageID))
	}
	if !requeue || !env.CanRetry() {
		return q.deadLetter(ctx, env, nackReason(env, requeue))
	}
	env.IncrementRetryAt(q.opts.now())
	if err := q.lane.push(env, env.Header.Priority); err != nil {
		return q.deadLetter(ctx, env, ReasonCapacity)
	}
	q.opts.logger.Requeued(q.name, messageID, env.Header.RetryCount)
	return nil
}

// Depth returns the number of queued (not yet dequeued) messages.
func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	return q.lane.len(), nil
}

// MoveToDLQ enqueues a copy of env on the dead-letter lane.
func (q *MemoryQueue) MoveToDLQ(ctx context.Context, env envelope.Envelope) error {
	return q.deadLetter(ctx, env, manualReason(env))
}

func (q *MemoryQueue) deadLetter(ctx context.Context, env envelope.Envelope, reason string) error {
	dead := annotateDeadLetter(env, q.name, reason, q.opts.now())
	if err := q.dlq.push(dead, envelope.MinPriority); err != nil {
		q.opts.logger.Error("dead-letter lane full", map[string]interface{}{
			"queue":      q.name,
			"message_id": env.Header.MessageID,
			"reason":     reason,
		})
		return err
	}
	q.opts.logger.DeadLettered(q.name, env.Header.MessageID, reason)
	return nil
}

// Close stops this instance's consumers. The lane stays in the registry.
func (q *MemoryQueue) Close() error {
	if q.closed.CompareAndSwap(false, true) {
		q.lane.wake()
	}
	return nil
}
