package queue

import (
	"context"
	"time"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
	"github.com/vinayprograms/relay/telemetry"
)

// DeadLetterKey is the payload key holding dead-letter provenance.
const DeadLetterKey = "dead_letter"

// settler is the backend surface the shared delivery path drives.
type settler interface {
	Name() string
	Ack(ctx context.Context, messageID string) error
	Nack(ctx context.Context, messageID string, requeue bool) error
	deadLetter(ctx context.Context, env envelope.Envelope, reason string) error
}

// deliver runs one message through expiry check, handler and ack/nack.
// env is the consumer's copy; the backend keeps its own record for nack.
func deliver(ctx context.Context, q settler, o *options, group string, env envelope.Envelope, h Handler) error {
	now := o.now()
	env.MarkProcessing(now)
	id := env.Header.MessageID

	ctx, span := o.tracer.StartDeliverSpan(ctx, attrsFor(q.Name(), group, env))
	o.logger.Delivered(q.Name(), group, id)

	// Dead letters keep their original TTL; they never expire again.
	if q.Name() != envelope.LaneDeadLetter && env.IsExpiredAt(now) {
		o.logger.Expired(q.Name(), id, env.Age(now))
		if err := q.deadLetter(ctx, env, ReasonExpired); err != nil {
			telemetry.EndSpan(span, err, telemetry.Outcome("dlq_failed"))
			return err
		}
		err := q.Ack(ctx, id)
		telemetry.EndSpan(span, err, telemetry.Outcome("expired"))
		return err
	}

	canRetry := env.CanRetry()
	herr := invoke(ctx, h, &env)
	if herr == nil {
		err := q.Ack(ctx, id)
		telemetry.EndSpan(span, err, telemetry.Outcome("acked"))
		return err
	}

	if ctx.Err() != nil {
		// Shutdown mid-delivery: leave the message unsettled.
		o.logger.Warn("delivery interrupted", map[string]interface{}{
			"queue":      q.Name(),
			"message_id": id,
			"error":      herr.Error(),
		})
		telemetry.EndSpan(span, herr, telemetry.Outcome("interrupted"))
		return nil
	}

	requeue := errors.ShouldRequeue(herr)
	o.logger.Warn("handler failed", map[string]interface{}{
		"queue":      q.Name(),
		"message_id": id,
		"requeue":    requeue,
		"code":       errors.Classify(herr).Code(),
		"error":      herr.Error(),
	})
	err := q.Nack(ctx, id, requeue)
	outcome := "dead_lettered"
	if requeue && canRetry {
		outcome = "requeued"
	}
	telemetry.EndSpan(span, herr, telemetry.Outcome(outcome))
	return err
}

func invoke(ctx context.Context, h Handler, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(errors.RecoverPanic(r), "handler panic", errors.WithRetryable(true))
		}
	}()
	return h(ctx, env)
}

func attrsFor(queue, group string, env envelope.Envelope) telemetry.MessageAttrs {
	return telemetry.MessageAttrs{
		Queue:         queue,
		MessageID:     env.Header.MessageID,
		CorrelationID: env.Header.CorrelationID,
		TaskKind:      string(env.Header.TaskKind),
		Priority:      env.Header.Priority,
		RetryCount:    env.Header.RetryCount,
		Group:         group,
	}
}

// nackReason names why Nack dead-letters instead of requeueing.
func nackReason(env envelope.Envelope, requeue bool) string {
	if requeue && !env.CanRetry() {
		return ReasonRetriesExhausted
	}
	return ReasonRejected
}

// manualReason is the reason recorded for explicit MoveToDLQ calls.
func manualReason(env envelope.Envelope) string {
	if _, ok := env.Payload["validation_errors"]; ok {
		return ReasonValidation
	}
	return ReasonManual
}

// annotateDeadLetter returns a copy of env carrying provenance.
func annotateDeadLetter(env envelope.Envelope, origin, reason string, now time.Time) envelope.Envelope {
	c := env.Clone()
	c.Payload[DeadLetterKey] = map[string]interface{}{
		"original_queue": origin,
		"failed_at":      now.UTC().Format(time.RFC3339Nano),
		"reason":         reason,
	}
	return c
}

// DeadLetterInfo is the provenance attached to a dead-lettered envelope.
type DeadLetterInfo struct {
	OriginalQueue string
	FailedAt      time.Time
	Reason        string
}

// DeadLetterInfoOf reads the provenance block from a dead-lettered envelope.
func DeadLetterInfoOf(env envelope.Envelope) (DeadLetterInfo, bool) {
	block, ok := env.Payload[DeadLetterKey].(map[string]interface{})
	if !ok {
		return DeadLetterInfo{}, false
	}
	info := DeadLetterInfo{}
	info.OriginalQueue, _ = block["original_queue"].(string)
	info.Reason, _ = block["reason"].(string)
	if s, ok := block["failed_at"].(string); ok {
		info.FailedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	return info, true
}
