package workflow

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
	"github.com/vinayprograms/relay/logging"
	"github.com/vinayprograms/relay/queue"
	"github.com/vinayprograms/relay/telemetry"
)

// Consumer groups used by the two loops.
const (
	InputGroup  = "correlator_input"
	ResultGroup = "correlator_result"
)

// TaskPriority is the priority of published task messages.
const TaskPriority = 5

// FinalizeHook observes a finalized workflow. It receives a snapshot.
type FinalizeHook func(State)

// Correlator owns every workflow state. No other component mutates them.
type Correlator struct {
	input   queue.Queue
	tasks   queue.Queue
	results queue.Queue
	output  queue.Queue

	decomposer  Decomposer
	synthesizer Synthesizer
	hooks       []FinalizeHook
	outputLane  string

	logger *logging.Logger
	tracer *telemetry.Tracer
	now    func() time.Time

	mu        sync.Mutex
	workflows map[string]*State
	// unpublished holds tasks of a workflow whose publish failed, in order.
	unpublished map[string][]envelope.TaskDefinition
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithDecomposer sets the decomposition capability.
func WithDecomposer(d Decomposer) Option {
	return func(c *Correlator) { c.decomposer = d }
}

// WithSynthesizer sets the synthesis capability.
func WithSynthesizer(s Synthesizer) Option {
	return func(c *Correlator) { c.synthesizer = s }
}

// WithFinalizeHook adds a hook run after each finalize.
func WithFinalizeHook(h FinalizeHook) Option {
	return func(c *Correlator) { c.hooks = append(c.hooks, h) }
}

// WithOutputQueue publishes finalized workflows to the named lane.
func WithOutputQueue(name string) Option {
	return func(c *Correlator) { c.outputLane = name }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Correlator) { c.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Correlator) { c.tracer = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// NewCorrelator opens the input, task and result lanes (and the output lane
// when configured).
func NewCorrelator(ctx context.Context, lanes queue.Opener, opts ...Option) (*Correlator, error) {
	c := &Correlator{
		now:         time.Now,
		workflows:   make(map[string]*State),
		unpublished: make(map[string][]envelope.TaskDefinition),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.New()
	}
	c.logger = c.logger.WithComponent("correlator")
	if c.tracer == nil {
		c.tracer = telemetry.GetTracer()
	}

	var err error
	if c.input, err = lanes.Create(ctx, envelope.LaneInput); err != nil {
		return nil, err
	}
	if c.tasks, err = lanes.Create(ctx, envelope.LaneTask); err != nil {
		return nil, err
	}
	if c.results, err = lanes.Create(ctx, envelope.LaneResult); err != nil {
		return nil, err
	}
	if c.outputLane != "" {
		if c.output, err = lanes.Create(ctx, c.outputLane); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Run consumes the input and result lanes concurrently until ctx is
// canceled or either loop fails.
func (c *Correlator) Run(ctx context.Context) error {
	c.logger.Info("correlator started")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.input.Consume(ctx, c.HandleInput, queue.WithGroup(InputGroup))
	})
	g.Go(func() error {
		return c.results.Consume(ctx, c.HandleResult, queue.WithGroup(ResultGroup))
	})
	return g.Wait()
}

// NewRequest builds the input-lane envelope for a top-level request.
func NewRequest(request string, opts ...envelope.Option) envelope.Envelope {
	opts = append([]envelope.Option{envelope.WithPayload(map[string]interface{}{"request": request})}, opts...)
	return envelope.New(envelope.RoleUser, envelope.KindCustom, opts...)
}

// Submit publishes a top-level request to the input lane and returns its
// correlation id.
func (c *Correlator) Submit(ctx context.Context, request string, opts ...envelope.Option) (string, error) {
	env := NewRequest(request, opts...)
	if _, err := c.input.Publish(ctx, env); err != nil {
		return "", err
	}
	return env.Header.CorrelationID, nil
}

// HandleInput starts a workflow for one request. A redelivered request for
// a known correlation id only publishes the tasks an earlier attempt failed
// to publish; otherwise it is ignored.
func (c *Correlator) HandleInput(ctx context.Context, env *envelope.Envelope) error {
	cid := env.Header.CorrelationID
	log := c.logger.WithCorrelationID(cid)
	request := env.PayloadString("request")

	c.mu.Lock()
	state, seen := c.workflows[cid]
	remaining := c.unpublished[cid]
	delete(c.unpublished, cid)
	c.mu.Unlock()
	if seen {
		if len(remaining) == 0 {
			log.Info("duplicate request ignored", map[string]interface{}{"message_id": env.Header.MessageID})
			return nil
		}
		log.Info("republishing tasks", map[string]interface{}{
			"workflow_id": state.WorkflowID,
			"tasks":       len(remaining),
		})
		return c.publishTasks(ctx, log, cid, state.WorkflowID, remaining)
	}

	tasks := c.decompose(ctx, log, request)

	now := c.now()
	state = NewState(cid, now)
	state.Request = request
	for _, t := range tasks {
		state.AddPending(t.TaskID, now)
	}

	c.mu.Lock()
	if _, seen := c.workflows[cid]; seen {
		c.mu.Unlock()
		return nil
	}
	c.workflows[cid] = state
	c.mu.Unlock()

	log.Info("workflow created", map[string]interface{}{
		"workflow_id": state.WorkflowID,
		"tasks":       len(tasks),
	})
	return c.publishTasks(ctx, log, cid, state.WorkflowID, tasks)
}

// publishTasks publishes tasks in order. On failure the unpublished tail is
// kept for the next delivery of the request; published tasks stay pending.
func (c *Correlator) publishTasks(ctx context.Context, log *logging.Logger, cid, workflowID string, tasks []envelope.TaskDefinition) error {
	for i, t := range tasks {
		msg := envelope.New(envelope.RoleOrchestrator, t.TaskKind,
			envelope.WithCorrelationID(cid),
			envelope.WithContextID(workflowID),
			envelope.WithPriority(TaskPriority),
			envelope.WithPayload(t.Payload()))
		if _, err := c.tasks.Publish(ctx, msg); err != nil {
			c.mu.Lock()
			c.unpublished[cid] = append(c.unpublished[cid], tasks[i:]...)
			c.mu.Unlock()
			return errors.Wrap(err, "publishing task "+t.TaskID)
		}
		log.Debug("task published", map[string]interface{}{
			"task_id":   t.TaskID,
			"task_type": string(t.TaskKind),
		})
	}
	return nil
}

func (c *Correlator) decompose(ctx context.Context, log *logging.Logger, request string) []envelope.TaskDefinition {
	if c.decomposer == nil {
		return FallbackTasks(request)
	}
	tasks, err := c.decomposer.Decompose(ctx, request)
	if err != nil || len(tasks) == 0 {
		fields := map[string]interface{}{}
		if err != nil {
			fields["error"] = err.Error()
		}
		log.Error("decomposition failed, using fallback task", fields)
		return FallbackTasks(request)
	}
	return tasks
}

// HandleResult applies one task result. Unknown correlation ids are logged
// and dropped; results that violate the workflow protocol are logged and
// not applied. Undecodable results are rejected.
func (c *Correlator) HandleResult(ctx context.Context, env *envelope.Envelope) error {
	cid := env.Header.CorrelationID
	log := c.logger.WithCorrelationID(cid)

	result, err := envelope.TaskResultFromPayload(env.Payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	state, ok := c.workflows[cid]
	if !ok {
		c.mu.Unlock()
		log.Warn("result for unknown workflow dropped", map[string]interface{}{
			"code":    string(errors.ErrCodeUnknownCorrelation),
			"task_id": result.TaskID,
		})
		return nil
	}
	if err := state.Apply(result, c.now()); err != nil {
		c.mu.Unlock()
		log.Error("protocol violation", map[string]interface{}{
			"code":        string(errors.Code(err)),
			"workflow_id": state.WorkflowID,
			"task_id":     result.TaskID,
			"error":       err.Error(),
		})
		return nil
	}
	log.Info("task result applied", map[string]interface{}{
		"task_id": result.TaskID,
		"status":  string(result.Status),
	})
	if !state.IsComplete() {
		c.mu.Unlock()
		return nil
	}
	// Freeze under the lock so later results are rejected while
	// synthesis runs.
	state.Freeze(nil, c.now())
	summaries := state.Summaries()
	request, workflowID := state.Request, state.WorkflowID
	c.mu.Unlock()

	c.finalize(ctx, log, cid, workflowID, request, summaries)
	return nil
}

func (c *Correlator) finalize(ctx context.Context, log *logging.Logger, cid, workflowID, request string, summaries []map[string]interface{}) {
	ctx, span := c.tracer.StartFinalizeSpan(ctx, workflowID, cid, len(summaries))
	final, err := synthesize(ctx, c.synthesizer, request, summaries, c.now())
	if err != nil {
		log.Error("synthesis failed, using raw results", map[string]interface{}{"error": err.Error()})
	}

	c.mu.Lock()
	state := c.workflows[cid]
	state.Freeze(final, c.now())
	snapshot := state.Clone()
	c.mu.Unlock()

	c.logger.WorkflowFinalized(snapshot.WorkflowID, string(snapshot.Status), len(snapshot.Completed()), len(snapshot.Failed()))
	for _, h := range c.hooks {
		h(snapshot)
	}

	var perr error
	if c.output != nil {
		out := envelope.New(envelope.RoleOrchestrator, envelope.KindCustom,
			envelope.WithCorrelationID(cid),
			envelope.WithContextID(snapshot.WorkflowID),
			envelope.WithPayload(snapshot.Payload()))
		if _, perr = c.output.Publish(ctx, out); perr != nil {
			log.Error("publishing final result failed", map[string]interface{}{"error": perr.Error()})
		}
	}
	telemetry.EndSpan(span, perr, telemetry.Outcome(string(snapshot.Status)))
}

// Workflow returns a snapshot of the workflow for a correlation id.
func (c *Correlator) Workflow(correlationID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.workflows[correlationID]
	if !ok {
		return State{}, false
	}
	return s.Clone(), true
}

// Workflows lists known correlation ids in sorted order.
func (c *Correlator) Workflows() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.workflows)
}

// Close closes the lanes the correlator opened.
func (c *Correlator) Close() error {
	var errs []error
	for _, q := range []queue.Queue{c.input, c.tasks, c.results, c.output} {
		if q == nil {
			continue
		}
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
