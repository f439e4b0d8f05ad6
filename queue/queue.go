package queue

import (
	"context"
	"time"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/logging"
	"github.com/vinayprograms/relay/telemetry"
)

// Handler processes one delivered message. The envelope is the consumer's
// own copy.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Queue is a named lane. Every backend implements the same operations.
type Queue interface {
	// Name returns the lane name.
	Name() string

	// Publish stores a copy of env and returns its message id.
	Publish(ctx context.Context, env envelope.Envelope, opts ...PublishOption) (string, error)

	// Consume delivers messages to h until ctx is canceled or the queue is
	// closed. It returns nil on cancellation.
	Consume(ctx context.Context, h Handler, opts ...ConsumeOption) error

	// Ack permanently removes a delivered message from the lane.
	Ack(ctx context.Context, messageID string) error

	// Nack resubmits (requeue and retries left) or dead-letters a delivered message.
	Nack(ctx context.Context, messageID string, requeue bool) error

	// Depth returns the number of messages waiting in the lane.
	Depth(ctx context.Context) (int, error)

	// MoveToDLQ appends a copy of env to the dead-letter lane.
	MoveToDLQ(ctx context.Context, env envelope.Envelope) error

	// Close stops consumption. Shared connections are owned by the Factory.
	Close() error
}

// Backend selects a Queue implementation.
type Backend string

const (
	BackendMemory    Backend = "memory"
	BackendRedis     Backend = "redis"
	BackendJetStream Backend = "jetstream"
)

// Dead-letter reasons recorded in the payload's dead_letter block.
const (
	ReasonExpired          = "expired"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonRejected         = "rejected"
	ReasonValidation       = "validation"
	ReasonCapacity         = "capacity"
	ReasonDecode           = "decode"
	ReasonManual           = "manual"
)

// Defaults shared by the backends.
const (
	DefaultBlock        = time.Second
	DefaultRetryBackoff = time.Second
	DefaultMaxSize      = 10000
)

// PublishOption configures a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	priority int
}

// WithPriority overrides the envelope priority for this publish (clamped to 1..10).
func WithPriority(p int) PublishOption {
	return func(o *publishOptions) { o.priority = envelope.ClampPriority(p) }
}

func (o publishOptions) apply(env *envelope.Envelope) {
	if o.priority != 0 {
		env.Header.Priority = o.priority
	}
}

func buildPublishOptions(opts []PublishOption) publishOptions {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ConsumeOption configures a consume loop.
type ConsumeOption func(*consumeOptions)

type consumeOptions struct {
	group    string
	consumer string
	block    time.Duration
}

// WithGroup names the consumer group. Members of one group compete for
// messages; separate groups each see the whole log on the log backends.
// MemoryQueue has a single implicit group.
func WithGroup(group string) ConsumeOption {
	return func(o *consumeOptions) { o.group = group }
}

// WithConsumerName sets a stable member name within the group. Restarting
// with the same name replays that member's pending entries.
func WithConsumerName(name string) ConsumeOption {
	return func(o *consumeOptions) { o.consumer = name }
}

// WithBlock sets how long one poll waits for new messages.
func WithBlock(d time.Duration) ConsumeOption {
	return func(o *consumeOptions) { o.block = d }
}

func buildConsumeOptions(defaultBlock time.Duration, opts []ConsumeOption) consumeOptions {
	o := consumeOptions{block: defaultBlock}
	for _, opt := range opts {
		opt(&o)
	}
	if o.block <= 0 {
		o.block = DefaultBlock
	}
	return o
}

// Option configures a backend.
type Option func(*options)

type options struct {
	logger   *logging.Logger
	tracer   *telemetry.Tracer
	now      func() time.Time
	backoff  time.Duration
	block    time.Duration
	maxSize  int
	registry *Registry
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracer sets the tracer used for publish and deliver spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithClock replaces time.Now for expiry checks and retry timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRetryBackoff sets the pause after an unexpected consume loop error.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) { o.backoff = d }
}

// WithDefaultBlock sets the poll wait used when Consume gets no WithBlock.
func WithDefaultBlock(d time.Duration) Option {
	return func(o *options) { o.block = d }
}

// WithMaxSize bounds each in-memory lane.
func WithMaxSize(n int) Option {
	return func(o *options) { o.maxSize = n }
}

// WithRegistry sets the lane registry for in-memory queues.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

func buildOptions(component string, opts []Option) options {
	o := options{
		now:     time.Now,
		backoff: DefaultRetryBackoff,
		block:   DefaultBlock,
		maxSize: DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.New()
	}
	o.logger = o.logger.WithComponent(component)
	if o.tracer == nil {
		o.tracer = telemetry.GetTracer()
	}
	return o
}

// sleepCtx waits for d or until ctx is done. It reports whether the wait
// completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
