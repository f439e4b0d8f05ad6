package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
	"github.com/vinayprograms/relay/logging"
	"github.com/vinayprograms/relay/queue"
	"github.com/vinayprograms/relay/telemetry"
)

// DefaultGroup is the consumer group the router reads the task lane with.
const DefaultGroup = "router"

// Stats counts router outcomes.
type Stats struct {
	Routed       int64 `json:"routed"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Router validates, enriches and fans out task messages.
type Router struct {
	id        string
	lanes     queue.Opener
	source    queue.Queue
	table     RoutingTable
	validator *Validator
	logger    *logging.Logger
	tracer    *telemetry.Tracer
	now       func() time.Time
	group     string

	mu    sync.Mutex
	cache map[string]queue.Queue

	routed       atomic.Int64
	deadLettered atomic.Int64
}

// Option configures a Router.
type Option func(*Router)

// WithID sets the router identity stamped into enrichment blocks.
func WithID(id string) Option {
	return func(r *Router) { r.id = id }
}

// WithRoutingTable sets the per-kind overrides.
func WithRoutingTable(t RoutingTable) Option {
	return func(r *Router) { r.table = t }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

// WithClock replaces time.Now for enrichment timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithGroup overrides the consumer group.
func WithGroup(group string) Option {
	return func(r *Router) { r.group = group }
}

// New creates a Router reading from source and opening target lanes via lanes.
func New(lanes queue.Opener, source queue.Queue, opts ...Option) *Router {
	r := &Router{
		id:        "router-" + uuid.NewString()[:8],
		lanes:     lanes,
		source:    source,
		table:     RoutingTable{},
		validator: NewValidator(),
		now:       time.Now,
		group:     DefaultGroup,
		cache:     make(map[string]queue.Queue),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.New()
	}
	r.logger = r.logger.WithComponent("router")
	if r.tracer == nil {
		r.tracer = telemetry.GetTracer()
	}
	return r
}

// ID returns the router identity.
func (r *Router) ID() string { return r.id }

// Run consumes the source lane until ctx is canceled.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("router started", map[string]interface{}{
		"router_id": r.id,
		"source":    r.source.Name(),
	})
	return r.source.Consume(ctx, r.Process, queue.WithGroup(r.group))
}

// Process handles one message. Invalid messages are dead-lettered from the
// source lane and reported as handled; publish failures are returned so the
// message is retried.
func (r *Router) Process(ctx context.Context, env *envelope.Envelope) error {
	ctx, span := r.tracer.StartRouteSpan(ctx, telemetry.MessageAttrs{
		Queue:         r.source.Name(),
		MessageID:     env.Header.MessageID,
		CorrelationID: env.Header.CorrelationID,
		TaskKind:      string(env.Header.TaskKind),
		Priority:      env.Header.Priority,
		RetryCount:    env.Header.RetryCount,
	})
	log := r.logger.WithCorrelationID(env.Header.CorrelationID)
	if env.Payload == nil {
		env.Payload = make(map[string]interface{})
	}

	if problems := r.validator.Validate(*env); len(problems) > 0 {
		log.Warn("task validation failed", map[string]interface{}{
			"message_id": env.Header.MessageID,
			"errors":     problems,
		})
		env.Payload["validation_errors"] = problems
		env.Payload["validation_failed_at"] = r.now().UTC().Format(time.RFC3339Nano)
		err := r.source.MoveToDLQ(ctx, *env)
		telemetry.EndSpan(span, err, telemetry.Outcome("validation_failed"))
		if err != nil {
			return err
		}
		r.deadLettered.Add(1)
		return nil
	}

	kind, _ := envelope.ParseTaskKind(string(env.Header.TaskKind))
	r.enrich(env, kind)

	lane, err := r.lane(ctx, envelope.TaskLane(kind))
	if err != nil {
		telemetry.EndSpan(span, err)
		return err
	}
	if _, err := lane.Publish(ctx, *env); err != nil {
		telemetry.EndSpan(span, err)
		return errors.Wrap(err, "routing to "+lane.Name(), errors.WithMessageID(env.Header.MessageID))
	}
	r.routed.Add(1)
	log.Debug("task routed", map[string]interface{}{
		"message_id": env.Header.MessageID,
		"lane":       lane.Name(),
	})
	telemetry.EndSpan(span, nil, telemetry.Outcome("routed"))
	return nil
}

// enrich applies the routing rule and stamps router metadata. The lane hop
// starts a fresh TTL window since the TTL itself may have been replaced.
func (r *Router) enrich(env *envelope.Envelope, kind envelope.TaskKind) {
	env.Header.TaskKind = kind
	var routing map[string]interface{}
	if rule, ok := r.table.Lookup(kind); ok {
		rule.apply(&env.Header)
		routing = rule.Map()
	}
	env.Header.ActorRole = envelope.RoleRouter
	env.Header.EnqueueTS = time.Time{}
	env.Header.ProcessingTS = nil

	enrichment, ok := env.Payload["enrichment"].(map[string]interface{})
	if !ok {
		enrichment = make(map[string]interface{})
	}
	enrichment["router_id"] = r.id
	enrichment["enriched_at"] = r.now().UTC().Format(time.RFC3339Nano)
	enrichment["routing_config"] = routing
	env.Payload["enrichment"] = enrichment
}

// lane returns the cached lane for name, opening it on first use.
func (r *Router) lane(ctx context.Context, name string) (queue.Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.cache[name]; ok {
		return q, nil
	}
	q, err := r.lanes.Create(ctx, name)
	if err != nil {
		return nil, err
	}
	r.cache[name] = q
	r.logger.Info("opened task lane", map[string]interface{}{"lane": name})
	return q, nil
}

// Stats returns outcome counters.
func (r *Router) Stats() Stats {
	return Stats{
		Routed:       r.routed.Load(),
		DeadLettered: r.deadLettered.Load(),
	}
}

// Close closes the cached lanes. The source lane belongs to the caller.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, q := range r.cache {
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.cache, name)
	}
	return errors.Join(errs...)
}
