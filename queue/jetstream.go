package queue

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
	"github.com/vinayprograms/relay/telemetry"
)

// Message headers set on JetStream publishes.
const (
	headerPriority      = "Relay-Priority"
	headerMessageID     = "Relay-Message-Id"
	headerOriginalQueue = "Relay-Original-Queue"
	headerFailedAt      = "Relay-Failed-At"
	// headerGroup marks a retry copy that only the named durable delivers.
	headerGroup = "Relay-Group"
)

// JetStreamOptions configures a JetStreamQueue.
type JetStreamOptions struct {
	// Prefix namespaces subjects (<prefix>.<queue>) and stream names.
	Prefix string

	// MaxMsgs bounds each stream. Zero means unlimited.
	MaxMsgs int64

	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration

	// BatchSize is the number of messages per fetch.
	BatchSize int

	// Duplicates is the publish de-duplication window.
	Duplicates time.Duration
}

// DefaultJetStreamOptions returns the defaults used by the factory.
func DefaultJetStreamOptions() JetStreamOptions {
	return JetStreamOptions{
		Prefix:     "relay",
		MaxMsgs:    100000,
		AckWait:    30 * time.Second,
		BatchSize:  10,
		Duplicates: 2 * time.Minute,
	}
}

// JetStreamQueue is a lane on a JetStream stream. Durable consumers play
// the role of consumer groups: each durable sees the whole stream and its
// pull subscribers compete. Delivery is in stream order.
type JetStreamQueue struct {
	name string
	js   jetstream.JetStream
	cfg  JetStreamOptions
	opts options

	stream     string
	subject    string
	dlqStream  string
	dlqSubject string

	mu       sync.Mutex
	inflight map[string]jsInflight
	closed   atomic.Bool
}

type jsInflight struct {
	msg   jetstream.Msg
	env   envelope.Envelope
	group string
}

var _ Queue = (*JetStreamQueue)(nil)

// NewJetStreamQueue creates (or updates) the lane's stream and the shared
// dead-letter stream.
func NewJetStreamQueue(ctx context.Context, name string, js jetstream.JetStream, cfg JetStreamOptions, opts ...Option) (*JetStreamQueue, error) {
	def := DefaultJetStreamOptions()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = def.AckWait
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Duplicates <= 0 {
		cfg.Duplicates = def.Duplicates
	}
	q := &JetStreamQueue{
		name:       name,
		js:         js,
		cfg:        cfg,
		opts:       buildOptions("queue.jetstream", opts),
		stream:     streamName(cfg.Prefix, name),
		subject:    cfg.Prefix + "." + name,
		dlqStream:  streamName(cfg.Prefix, envelope.LaneDeadLetter),
		dlqSubject: cfg.Prefix + "." + envelope.LaneDeadLetter,
		inflight:   make(map[string]jsInflight),
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, s := range [][2]string{{q.stream, q.subject}, {q.dlqStream, q.dlqSubject}} {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       s[0],
			Subjects:   []string{s[1]},
			Retention:  jetstream.LimitsPolicy,
			Storage:    jetstream.FileStorage,
			MaxMsgs:    maxMsgs(cfg.MaxMsgs),
			Duplicates: cfg.Duplicates,
		})
		if err != nil {
			return nil, errors.Wrap(err, "creating stream "+s[0], errors.WithQueue(name))
		}
	}
	return q, nil
}

func maxMsgs(n int64) int64 {
	if n <= 0 {
		return -1
	}
	return n
}

// streamName maps a lane to a valid stream name, e.g. RELAY_STRUCTURED_TASK_EXTRACTION.
func streamName(prefix, name string) string {
	return strings.ToUpper(sanitizeName(prefix + "_" + name))
}

func sanitizeName(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "-", "_").Replace(s)
}

// Name returns the lane name.
func (q *JetStreamQueue) Name() string { return q.name }

// Publish appends the envelope. The message id doubles as the JetStream
// de-duplication id, suffixed with the retry count (and the owning group
// for retry copies) so retries are not suppressed.
func (q *JetStreamQueue) Publish(ctx context.Context, env envelope.Envelope, opts ...PublishOption) (string, error) {
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
	err := q.publish(ctx, q.subject, stored, nil)
	telemetry.EndSpan(span, err)
	if err != nil {
		return "", err
	}
	q.opts.logger.Published(q.name, stored.Header.MessageID, stored.Header.Priority)
	return stored.Header.MessageID, nil
}

func (q *JetStreamQueue) publish(ctx context.Context, subject string, env envelope.Envelope, extra nats.Header) error {
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	msg.Header.Set(headerPriority, strconv.Itoa(env.Header.Priority))
	msg.Header.Set(headerMessageID, env.Header.MessageID)
	for k, vs := range extra {
		for _, v := range vs {
			msg.Header.Add(k, v)
		}
	}
	carrier := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, carrier)
	for k, v := range carrier {
		msg.Header.Set(k, v)
	}

	dedupID := env.Header.MessageID + "-" + strconv.Itoa(env.Header.RetryCount)
	if g := extra.Get(headerGroup); g != "" {
		dedupID += "-" + g
	}
	if subject == q.dlqSubject {
		dedupID = "dlq-" + dedupID
	}
	if _, err := q.js.PublishMsg(ctx, msg, jetstream.WithMsgID(dedupID)); err != nil {
		return errors.Wrap(err, "publishing to "+subject, errors.WithQueue(q.name), errors.WithMessageID(env.Header.MessageID))
	}
	return nil
}

// Consume binds a durable consumer named after the group and fetches
// batches until ctx is canceled or the queue is closed.
func (q *JetStreamQueue) Consume(ctx context.Context, h Handler, opts ...ConsumeOption) error {
	co := buildConsumeOptions(q.opts.block, opts)
	if co.group == "" {
		co.group = q.name + "_group"
	}
	cons, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       sanitizeName(co.group),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    -1,
	})
	if err != nil {
		return errors.Wrap(err, "creating consumer "+co.group, errors.WithQueue(q.name))
	}
	q.opts.logger.Info("consumer started", map[string]interface{}{"queue": q.name, "group": co.group})

	for {
		if ctx.Err() != nil || q.closed.Load() {
			return nil
		}
		batch, err := cons.Fetch(q.cfg.BatchSize, jetstream.FetchMaxWait(co.block))
		if err == nil {
			for msg := range batch.Messages() {
				if ctx.Err() != nil || q.closed.Load() {
					// Left unacked; redelivered after AckWait.
					continue
				}
				q.handleMsg(ctx, co.group, msg, h)
			}
			err = batch.Error()
		}
		if err != nil && !isFetchTimeout(err) {
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

func isFetchTimeout(err error) bool {
	return stderrors.Is(err, nats.ErrTimeout) || stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(err, jetstream.ErrNoMessages)
}

func (q *JetStreamQueue) handleMsg(ctx context.Context, group string, msg jetstream.Msg, h Handler) {
	if owner := msg.Headers().Get(headerGroup); owner != "" && owner != group {
		// Another durable's retry; this one already saw the message.
		msg.Ack()
		return
	}
	env, err := envelope.Unmarshal(msg.Data())
	if err != nil {
		hdr := nats.Header{}
		hdr.Set(headerOriginalQueue, q.name)
		hdr.Set(headerFailedAt, q.opts.now().UTC().Format(time.RFC3339Nano))
		raw := &nats.Msg{Subject: q.dlqSubject, Data: msg.Data(), Header: hdr}
		if _, perr := q.js.PublishMsg(ctx, raw); perr != nil {
			q.opts.logger.Error("dead-lettering undecodable message failed", map[string]interface{}{
				"queue": q.name,
				"error": perr.Error(),
			})
			return
		}
		msg.Ack()
		q.opts.logger.DeadLettered(q.name, "", ReasonDecode)
		return
	}
	ctx = telemetry.ExtractContext(ctx, headerCarrier(msg.Headers()))

	id := env.Header.MessageID
	q.mu.Lock()
	q.inflight[id] = jsInflight{msg: msg, env: env.Clone(), group: group}
	q.mu.Unlock()

	if err := deliver(ctx, q, &q.opts, group, env, h); err != nil && ctx.Err() == nil {
		q.opts.logger.Error("delivery failed", map[string]interface{}{
			"queue":      q.name,
			"message_id": id,
			"error":      err.Error(),
		})
		sleepCtx(ctx, q.opts.backoff)
	}
}

func headerCarrier(h nats.Header) telemetry.MapCarrier {
	c := telemetry.MapCarrier{}
	for k := range h {
		c[strings.ToLower(k)] = h.Get(k)
	}
	return c
}

func (q *JetStreamQueue) take(messageID string) (jsInflight, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.inflight[messageID]
	if !ok {
		return jsInflight{}, errors.NotFound("unknown message "+messageID,
			errors.WithQueue(q.name), errors.WithMessageID(messageID))
	}
	delete(q.inflight, messageID)
	return entry, nil
}

// Ack acknowledges the message for its durable consumer.
func (q *JetStreamQueue) Ack(ctx context.Context, messageID string) error {
	entry, err := q.take(messageID)
	if err != nil {
		return err
	}
	if err := entry.msg.DoubleAck(ctx); err != nil {
		return errors.Wrap(err, "ack "+messageID, errors.WithQueue(q.name))
	}
	return nil
}

// Nack publishes an incremented copy or a dead letter, then acks the
// original. The copy is tagged with the durable so others skip it.
func (q *JetStreamQueue) Nack(ctx context.Context, messageID string, requeue bool) error {
	entry, err := q.take(messageID)
	if err != nil {
		return err
	}
	env := entry.env
	if requeue && env.CanRetry() {
		env.IncrementRetryAt(q.opts.now())
		if err := q.publish(ctx, q.subject, env, nats.Header{headerGroup: []string{entry.group}}); err != nil {
			return err
		}
		q.opts.logger.Requeued(q.name, messageID, env.Header.RetryCount)
	} else if err := q.deadLetter(ctx, env, nackReason(env, requeue)); err != nil {
		return err
	}
	if err := entry.msg.DoubleAck(ctx); err != nil {
		return errors.Wrap(err, "ack "+messageID, errors.WithQueue(q.name))
	}
	return nil
}

// Depth returns the messages a durable has yet to finish: undelivered plus
// awaiting ack. With several durables the slowest one counts. Before any
// durable exists it is the stream's message count.
func (q *JetStreamQueue) Depth(ctx context.Context) (int, error) {
	s, err := q.js.Stream(ctx, q.stream)
	if err != nil {
		return 0, errors.Wrap(err, "stream "+q.stream, errors.WithQueue(q.name))
	}
	depth, seen := 0, false
	consumers := s.ListConsumers(ctx)
	for ci := range consumers.Info() {
		depth = max(depth, int(ci.NumPending)+ci.NumAckPending)
		seen = true
	}
	if err := consumers.Err(); err != nil {
		return 0, errors.Wrap(err, "listing consumers of "+q.stream, errors.WithQueue(q.name))
	}
	if seen {
		return depth, nil
	}
	info, err := s.Info(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "stream info "+q.stream, errors.WithQueue(q.name))
	}
	return int(info.State.Msgs), nil
}

// MoveToDLQ publishes env to the dead-letter stream with provenance headers.
func (q *JetStreamQueue) MoveToDLQ(ctx context.Context, env envelope.Envelope) error {
	return q.deadLetter(ctx, env, manualReason(env))
}

func (q *JetStreamQueue) deadLetter(ctx context.Context, env envelope.Envelope, reason string) error {
	now := q.opts.now()
	hdr := nats.Header{}
	hdr.Set(headerOriginalQueue, q.name)
	hdr.Set(headerFailedAt, now.UTC().Format(time.RFC3339Nano))
	if err := q.publish(ctx, q.dlqSubject, annotateDeadLetter(env, q.name, reason, now), hdr); err != nil {
		return err
	}
	q.opts.logger.DeadLettered(q.name, env.Header.MessageID, reason)
	return nil
}

// Close stops consumption. The connection belongs to the caller.
func (q *JetStreamQueue) Close() error {
	q.closed.Store(true)
	return nil
}
