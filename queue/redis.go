package queue

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
	"github.com/vinayprograms/relay/telemetry"
)

// Stream entry fields.
const (
	fieldData          = "data"
	fieldPriority      = "priority"
	fieldMessageID     = "message_id"
	fieldOriginalQueue = "original_queue"
	fieldFailedAt      = "failed_at"
	fieldError         = "error"
	fieldTraceParent   = "traceparent"
	// fieldGroup marks a retry copy that only the named group delivers.
	fieldGroup = "group"
)

// RedisOptions configures a RedisQueue.
type RedisOptions struct {
	// Prefix namespaces stream keys: <prefix>:stream:<queue>.
	Prefix string

	// MaxLen trims each stream to roughly this many entries on append. Zero
	// disables trimming.
	MaxLen int64

	// ClaimMinIdle lets a consumer take over entries another member of its
	// group left pending for at least this long. Zero disables claiming.
	ClaimMinIdle time.Duration

	// AckDelete removes entries on ack instead of only acknowledging them
	// for the group. Other groups that have not read the entry lose it.
	AckDelete bool

	// BatchSize is the COUNT per XREADGROUP.
	BatchSize int64
}

// DefaultRedisOptions returns the defaults used by the factory.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Prefix:    "relay",
		MaxLen:    100000,
		BatchSize: 10,
	}
}

type redisInflight struct {
	streamID string
	env      envelope.Envelope
}

// RedisQueue is a lane on a Redis stream with consumer groups. Delivery is
// in log order; priority is stored as a field but never reorders entries.
// One instance serves a single consumer group.
type RedisQueue struct {
	name   string
	client redis.UniversalClient
	cfg    RedisOptions
	opts   options

	stream    string
	dlqStream string

	mu       sync.Mutex
	group    string
	inflight map[string]redisInflight
	closed   atomic.Bool
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue opens the named lane on client.
func NewRedisQueue(name string, client redis.UniversalClient, cfg RedisOptions, opts ...Option) *RedisQueue {
	if cfg.Prefix == "" {
		cfg.Prefix = "relay"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &RedisQueue{
		name:      name,
		client:    client,
		cfg:       cfg,
		opts:      buildOptions("queue.redis", opts),
		stream:    streamKey(cfg.Prefix, name),
		dlqStream: streamKey(cfg.Prefix, envelope.LaneDeadLetter),
		inflight:  make(map[string]redisInflight),
	}
}

func streamKey(prefix, name string) string {
	return prefix + ":stream:" + name
}

// Name returns the lane name.
func (q *RedisQueue) Name() string { return q.name }

// StreamKey returns the Redis key backing this lane.
func (q *RedisQueue) StreamKey() string { return q.stream }

// Publish appends the envelope as one stream entry.
func (q *RedisQueue) Publish(ctx context.Context, env envelope.Envelope, opts ...PublishOption) (string, error) {
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

	ctx, span := q.opts.tracer.StartPublishSpan(ctx, attrsFor(q.name, "", stored))
	_, err := q.append(ctx, q.stream, stored, nil)
	telemetry.EndSpan(span, err)
	if err != nil {
		return "", err
	}
	q.opts.logger.Published(q.name, stored.Header.MessageID, stored.Header.Priority)
	return stored.Header.MessageID, nil
}

func (q *RedisQueue) append(ctx context.Context, stream string, env envelope.Envelope, extra map[string]interface{}) (string, error) {
	data, err := envelope.Marshal(env)
	if err != nil {
		return "", err
	}
	values := map[string]interface{}{
		fieldData:      string(data),
		fieldPriority:  strconv.Itoa(env.Header.Priority),
		fieldMessageID: env.Header.MessageID,
	}
	carrier := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, carrier)
	if tp := carrier.Get(fieldTraceParent); tp != "" {
		values[fieldTraceParent] = tp
	}
	for k, v := range extra {
		values[k] = v
	}
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if q.cfg.MaxLen > 0 {
		args.MaxLen = q.cfg.MaxLen
		args.Approx = true
	}
	id, err := q.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", errors.Wrap(err, "xadd "+stream, errors.WithQueue(q.name), errors.WithMessageID(env.Header.MessageID))
	}
	return id, nil
}

// Consume joins the consumer group (creating it at the start of the stream
// if needed), replays this member's pending entries, claims entries idle
// members left behind, then blocks on new entries.
func (q *RedisQueue) Consume(ctx context.Context, h Handler, opts ...ConsumeOption) error {
	co := buildConsumeOptions(q.opts.block, opts)
	if co.group == "" {
		co.group = q.name + "_group"
	}
	if co.consumer == "" {
		co.consumer = defaultConsumerName()
	}
	if err := q.bindGroup(co.group); err != nil {
		return err
	}
	if err := q.ensureGroup(ctx, co.group); err != nil {
		return err
	}
	q.opts.logger.Info("consumer started", map[string]interface{}{
		"queue":    q.name,
		"group":    co.group,
		"consumer": co.consumer,
	})

	if err := q.replayPending(ctx, co, h); err != nil && ctx.Err() == nil {
		q.opts.logger.Error("pending replay failed", map[string]interface{}{"queue": q.name, "error": err.Error()})
	}
	if q.cfg.ClaimMinIdle > 0 {
		if err := q.claimIdle(ctx, co, h); err != nil && ctx.Err() == nil {
			q.opts.logger.Error("claim failed", map[string]interface{}{"queue": q.name, "error": err.Error()})
		}
	}

	for {
		if ctx.Err() != nil || q.closed.Load() {
			return nil
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    co.group,
			Consumer: co.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.cfg.BatchSize,
			Block:    co.block,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
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
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				q.handleEntry(ctx, co.group, msg, h)
			}
		}
	}
}

func (q *RedisQueue) bindGroup(group string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.group != "" && q.group != group {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("queue %s already consumes as group %s", q.name, q.group), errors.WithQueue(q.name))
	}
	q.group = group
	return nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.Wrap(err, "creating consumer group "+group, errors.WithQueue(q.name))
	}
	return nil
}

// replayPending re-delivers entries read by this consumer but never acked,
// e.g. after a crash.
func (q *RedisQueue) replayPending(ctx context.Context, co consumeOptions, h Handler) error {
	cursor := "0"
	for ctx.Err() == nil {
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    co.group,
			Consumer: co.consumer,
			Streams:  []string{q.stream, cursor},
			Count:    100,
			Block:    -1,
		}).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		n := 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				n++
				cursor = msg.ID
				q.handleEntry(ctx, co.group, msg, h)
			}
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

func (q *RedisQueue) claimIdle(ctx context.Context, co consumeOptions, h Handler) error {
	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    co.group,
			Consumer: co.consumer,
			MinIdle:  q.cfg.ClaimMinIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			q.handleEntry(ctx, co.group, msg, h)
		}
		if next == "0-0" || next == "" {
			return nil
		}
		start = next
	}
	return nil
}

func (q *RedisQueue) handleEntry(ctx context.Context, group string, msg redis.XMessage, h Handler) {
	data, _ := msg.Values[fieldData].(string)
	if data == "" {
		// Trimmed or deleted while pending.
		q.client.XAck(ctx, q.stream, group, msg.ID)
		return
	}
	if owner, _ := msg.Values[fieldGroup].(string); owner != "" && owner != group {
		// Another group's retry; this group already saw the message.
		q.client.XAck(ctx, q.stream, group, msg.ID)
		return
	}
	env, err := envelope.Unmarshal([]byte(data))
	if err != nil {
		q.deadLetterRaw(ctx, group, msg, err)
		return
	}
	if tp, ok := msg.Values[fieldTraceParent].(string); ok {
		ctx = telemetry.ExtractContext(ctx, telemetry.MapCarrier{fieldTraceParent: tp})
	}

	q.mu.Lock()
	q.inflight[env.Header.MessageID] = redisInflight{streamID: msg.ID, env: env.Clone()}
	q.mu.Unlock()

	if err := deliver(ctx, q, &q.opts, group, env, h); err != nil && ctx.Err() == nil {
		q.opts.logger.Error("delivery failed", map[string]interface{}{
			"queue":      q.name,
			"message_id": env.Header.MessageID,
			"error":      err.Error(),
		})
		sleepCtx(ctx, q.opts.backoff)
	}
}

func (q *RedisQueue) deadLetterRaw(ctx context.Context, group string, msg redis.XMessage, cause error) {
	values := map[string]interface{}{
		fieldData:          msg.Values[fieldData],
		fieldOriginalQueue: q.name,
		fieldFailedAt:      q.opts.now().UTC().Format(time.RFC3339Nano),
		fieldError:         cause.Error(),
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Err(); err != nil {
		q.opts.logger.Error("dead-lettering undecodable entry failed", map[string]interface{}{
			"queue":     q.name,
			"stream_id": msg.ID,
			"error":     err.Error(),
		})
		return
	}
	q.client.XAck(ctx, q.stream, group, msg.ID)
	q.opts.logger.DeadLettered(q.name, msg.ID, ReasonDecode)
}

func (q *RedisQueue) takeInflight(messageID string) (redisInflight, string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.inflight[messageID]
	if !ok {
		return redisInflight{}, "", errors.NotFound("unknown message "+messageID,
			errors.WithQueue(q.name), errors.WithMessageID(messageID))
	}
	delete(q.inflight, messageID)
	return entry, q.group, nil
}

func (q *RedisQueue) settle(ctx context.Context, group, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, group, streamID).Err(); err != nil {
		return errors.Wrap(err, "xack "+streamID, errors.WithQueue(q.name))
	}
	if q.cfg.AckDelete {
		if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
			return errors.Wrap(err, "xdel "+streamID, errors.WithQueue(q.name))
		}
	}
	return nil
}

// Ack acknowledges the entry for this consumer group. The entry stays in
// the stream for other groups unless AckDelete is set.
func (q *RedisQueue) Ack(ctx context.Context, messageID string) error {
	entry, group, err := q.takeInflight(messageID)
	if err != nil {
		return err
	}
	return q.settle(ctx, group, entry.streamID)
}

// Nack appends an incremented copy (requeue with retries left) or a
// dead-letter entry, then acknowledges the original entry. The copy is
// tagged with this group so other groups skip it.
func (q *RedisQueue) Nack(ctx context.Context, messageID string, requeue bool) error {
	entry, group, err := q.takeInflight(messageID)
	if err != nil {
		return err
	}
	env := entry.env
	if requeue && env.CanRetry() {
		env.IncrementRetryAt(q.opts.now())
		if _, err := q.append(ctx, q.stream, env, map[string]interface{}{fieldGroup: group}); err != nil {
			return err
		}
		q.opts.logger.Requeued(q.name, messageID, env.Header.RetryCount)
	} else if err := q.deadLetter(ctx, env, nackReason(env, requeue)); err != nil {
		return err
	}
	return q.settle(ctx, group, entry.streamID)
}

// Depth returns the entries not yet acknowledged: undelivered lag plus
// pending. With several groups the slowest one counts. Before any group
// exists it is the stream length.
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	groups, err := q.client.XInfoGroups(ctx, q.stream).Result()
	if err != nil && !strings.Contains(err.Error(), "no such key") {
		return 0, errors.Wrap(err, "xinfo groups "+q.stream, errors.WithQueue(q.name))
	}
	q.mu.Lock()
	bound := q.group
	q.mu.Unlock()

	depth, seen := 0, false
	for _, g := range groups {
		if bound != "" && g.Name != bound {
			continue
		}
		lag := g.Lag
		if lag < 0 {
			// Redis cannot derive lag after deletions; count past the cursor.
			n, err := q.countAfter(ctx, g.LastDeliveredID)
			if err != nil {
				return 0, err
			}
			lag = n
		}
		depth = max(depth, int(g.Pending+lag))
		seen = true
	}
	if seen {
		return depth, nil
	}
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, errors.Wrap(err, "xlen "+q.stream, errors.WithQueue(q.name))
	}
	return int(n), nil
}

func (q *RedisQueue) countAfter(ctx context.Context, id string) (int64, error) {
	msgs, err := q.client.XRange(ctx, q.stream, "("+id, "+").Result()
	if err != nil {
		return 0, errors.Wrap(err, "xrange "+q.stream, errors.WithQueue(q.name))
	}
	return int64(len(msgs)), nil
}

// MoveToDLQ appends env to the dead-letter stream with provenance fields.
func (q *RedisQueue) MoveToDLQ(ctx context.Context, env envelope.Envelope) error {
	return q.deadLetter(ctx, env, manualReason(env))
}

func (q *RedisQueue) deadLetter(ctx context.Context, env envelope.Envelope, reason string) error {
	now := q.opts.now()
	dead := annotateDeadLetter(env, q.name, reason, now)
	_, err := q.append(ctx, q.dlqStream, dead, map[string]interface{}{
		fieldOriginalQueue: q.name,
		fieldFailedAt:      now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	q.opts.logger.DeadLettered(q.name, env.Header.MessageID, reason)
	return nil
}

// Close stops consumption. The client belongs to the caller.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("consumer-%s-%d", host, os.Getpid())
}
