package worker

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
	"github.com/vinayprograms/relay/logging"
	"github.com/vinayprograms/relay/queue"
)

// Processor turns a task payload into output data.
type Processor interface {
	Process(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, payload)
}

// CircuitBreaker is consulted before each task.
type CircuitBreaker interface {
	IsCircuitOpen(queue string) bool
}

// Recorder receives per-lane processing outcomes.
type Recorder interface {
	RecordFailure(queue string)
	RecordSuccess(queue string)
}

// Stats counts worker outcomes.
type Stats struct {
	WorkerID    string  `json:"worker_id"`
	TaskKind    string  `json:"task_type"`
	Processed   int64   `json:"tasks_processed"`
	Succeeded   int64   `json:"tasks_succeeded"`
	Failed      int64   `json:"tasks_failed"`
	Retried     int64   `json:"tasks_retried"`
	SuccessRate float64 `json:"success_rate"`
}

// Worker processes one task kind.
type Worker struct {
	id        string
	kind      envelope.TaskKind
	processor Processor
	tasks     queue.Queue
	results   queue.Queue
	breaker   CircuitBreaker
	recorder  Recorder
	logger    *logging.Logger
	now       func() time.Time

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

// WithID sets the worker identity recorded in results.
func WithID(id string) Option {
	return func(w *Worker) { w.id = id }
}

// WithCircuitBreaker sets the breaker consulted before processing.
func WithCircuitBreaker(b CircuitBreaker) Option {
	return func(w *Worker) { w.breaker = b }
}

// WithRecorder sets where outcomes are reported.
func WithRecorder(r Recorder) Option {
	return func(w *Worker) { w.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New opens the kind's task lane and the result lane.
func New(ctx context.Context, kind envelope.TaskKind, p Processor, lanes queue.Opener, opts ...Option) (*Worker, error) {
	w := &Worker{
		id:        "worker-" + strings.ToLower(string(kind)) + "-" + uuid.NewString()[:8],
		kind:      kind,
		processor: p,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logging.New()
	}
	w.logger = w.logger.WithComponent("worker." + strings.ToLower(string(kind)))

	var err error
	if w.tasks, err = lanes.Create(ctx, envelope.TaskLane(kind)); err != nil {
		return nil, err
	}
	if w.results, err = lanes.Create(ctx, envelope.LaneResult); err != nil {
		return nil, err
	}
	return w, nil
}

// Group is the consumer group for the kind, e.g. agent_extraction.
func (w *Worker) Group() string {
	return "agent_" + strings.ToLower(string(w.kind))
}

// Run consumes the task lane until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", map[string]interface{}{
		"worker_id": w.id,
		"lane":      w.tasks.Name(),
	})
	err := w.tasks.Consume(ctx, w.Handle, queue.WithGroup(w.Group()))
	s := w.Stats()
	w.logger.Info("worker stopped", map[string]interface{}{
		"processed": s.Processed,
		"succeeded": s.Succeeded,
		"failed":    s.Failed,
	})
	return err
}

// Handle processes one task message.
func (w *Worker) Handle(ctx context.Context, env *envelope.Envelope) error {
	lane := w.tasks.Name()
	taskID := env.PayloadString("task_id")
	if taskID == "" {
		taskID = "unknown"
	}
	log := w.logger.WithCorrelationID(env.Header.CorrelationID)

	if w.breaker != nil && w.breaker.IsCircuitOpen(lane) {
		open := errors.New(errors.ErrCodeCircuitOpen, "circuit open for "+lane,
			errors.WithQueue(lane), errors.WithRetryable(true))
		if env.CanRetry() {
			return open
		}
		w.failed.Add(1)
		log.Error("circuit open on final attempt", map[string]interface{}{"task_id": taskID})
		result := envelope.NewTaskResult(taskID, envelope.StatusError)
		result.ErrorDetails = errors.DetailsOf(open)
		return w.publish(ctx, env, result, 0)
	}

	w.processed.Add(1)
	start := w.now()
	output, err := w.processor.Process(ctx, env.Payload)
	elapsed := float64(w.now().Sub(start).Microseconds()) / 1000

	result := envelope.NewTaskResult(taskID, envelope.StatusSuccess)
	if err != nil {
		if w.recorder != nil {
			w.recorder.RecordFailure(lane)
		}
		tagged := errors.Classify(err)
		if tagged.Retryable() && env.CanRetry() {
			w.retried.Add(1)
			log.Warn("task failed, will retry", map[string]interface{}{
				"task_id":     taskID,
				"retry_count": env.Header.RetryCount,
				"error":       err.Error(),
			})
			return tagged
		}
		w.failed.Add(1)
		result.Status = envelope.StatusError
		result.ErrorDetails = errors.DetailsOf(err)
		log.Error("task failed", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
	} else {
		if w.recorder != nil {
			w.recorder.RecordSuccess(lane)
		}
		w.succeeded.Add(1)
		if output != nil {
			result.OutputData = output
		}
		log.Info("task completed", map[string]interface{}{
			"task_id":    taskID,
			"elapsed_ms": elapsed,
		})
	}
	return w.publish(ctx, env, result, elapsed)
}

// publish sends result to the result lane under the task's correlation id.
func (w *Worker) publish(ctx context.Context, env *envelope.Envelope, result envelope.TaskResult, elapsed float64) error {
	result.ProcessingTimeMs = &elapsed
	result.WorkerID = w.id
	result.Metadata["worker_id"] = w.id
	result.Metadata["task_type"] = string(w.kind)
	result.Metadata["processing_time_ms"] = elapsed
	result.Metadata["timestamp"] = w.now().UTC().Format(time.RFC3339Nano)

	payload, err := result.Payload()
	if err != nil {
		return err
	}
	msg := envelope.New(envelope.RoleWorker, w.kind,
		envelope.WithCorrelationID(env.Header.CorrelationID),
		envelope.WithContextID(env.Header.ContextID),
		envelope.WithPayload(payload))
	if _, err := w.results.Publish(ctx, msg); err != nil {
		return errors.Wrap(err, "publishing result for "+result.TaskID)
	}
	return nil
}

// Stats returns outcome counters.
func (w *Worker) Stats() Stats {
	s := Stats{
		WorkerID:  w.id,
		TaskKind:  string(w.kind),
		Processed: w.processed.Load(),
		Succeeded: w.succeeded.Load(),
		Failed:    w.failed.Load(),
		Retried:   w.retried.Load(),
	}
	if s.Processed > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Processed)
	}
	return s
}
