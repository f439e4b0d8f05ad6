package workflow

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/errors"
)

// State tracks one workflow. A task id is in exactly one of the pending,
// completed and failed sets. The zero value is not usable; use NewState.
type State struct {
	WorkflowID    string                         `json:"workflow_id"`
	CorrelationID string                         `json:"correlation_id"`
	Request       string                         `json:"request,omitempty"`
	Status        envelope.TaskStatus            `json:"status"`
	CreatedAt     time.Time                      `json:"created_at"`
	UpdatedAt     time.Time                      `json:"updated_at"`
	Results       map[string]envelope.TaskResult `json:"task_results"`
	FinalResult   map[string]interface{}         `json:"final_result,omitempty"`

	pending   map[string]struct{}
	completed map[string]struct{}
	failed    map[string]struct{}
	order     []string
	frozen    bool
}

// NewState creates a pending workflow.
func NewState(correlationID string, now time.Time) *State {
	return &State{
		WorkflowID:    uuid.New().String(),
		CorrelationID: correlationID,
		Status:        envelope.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		Results:       make(map[string]envelope.TaskResult),
		pending:       make(map[string]struct{}),
		completed:     make(map[string]struct{}),
		failed:        make(map[string]struct{}),
	}
}

// AddPending registers a task. Registering a known task is a no-op.
func (s *State) AddPending(taskID string, now time.Time) error {
	if s.frozen {
		return s.frozenErr(taskID)
	}
	if s.known(taskID) {
		return nil
	}
	s.pending[taskID] = struct{}{}
	s.order = append(s.order, taskID)
	s.Status = envelope.StatusProcessing
	s.UpdatedAt = now
	return nil
}

// Apply settles a pending task from its result: success moves it to the
// completed set, any other status to the failed set.
func (s *State) Apply(result envelope.TaskResult, now time.Time) error {
	id := result.TaskID
	if s.frozen {
		return s.frozenErr(id)
	}
	if _, ok := s.pending[id]; !ok {
		if s.known(id) {
			return errors.New(errors.ErrCodeProtocol, "task "+id+" already settled",
				errors.WithMetadata("workflow_id", s.WorkflowID))
		}
		return errors.New(errors.ErrCodeProtocol, "task "+id+" is not part of workflow",
			errors.WithMetadata("workflow_id", s.WorkflowID))
	}
	delete(s.pending, id)
	if result.Status == envelope.StatusSuccess {
		s.completed[id] = struct{}{}
	} else {
		s.failed[id] = struct{}{}
	}
	s.Results[id] = result
	s.UpdatedAt = now
	return nil
}

// Freeze makes the state terminal with the final result.
func (s *State) Freeze(final map[string]interface{}, now time.Time) {
	s.FinalResult = final
	if s.HasFailures() {
		s.Status = envelope.StatusPartial
	} else {
		s.Status = envelope.StatusSuccess
	}
	s.frozen = true
	s.UpdatedAt = now
}

func (s *State) frozenErr(taskID string) error {
	return errors.New(errors.ErrCodeProtocol, "workflow already finalized",
		errors.WithMetadata("workflow_id", s.WorkflowID),
		errors.WithMetadata("task_id", taskID))
}

func (s *State) known(id string) bool {
	_, p := s.pending[id]
	_, c := s.completed[id]
	_, f := s.failed[id]
	return p || c || f
}

// IsComplete reports whether no task is pending.
func (s *State) IsComplete() bool { return len(s.pending) == 0 }

// HasFailures reports whether any task failed.
func (s *State) HasFailures() bool { return len(s.failed) > 0 }

// Frozen reports whether the workflow was finalized.
func (s *State) Frozen() bool { return s.frozen }

// Pending returns pending task ids in registration order.
func (s *State) Pending() []string { return s.ordered(s.pending) }

// Completed returns completed task ids in registration order.
func (s *State) Completed() []string { return s.ordered(s.completed) }

// Failed returns failed task ids in registration order.
func (s *State) Failed() []string { return s.ordered(s.failed) }

func (s *State) ordered(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for _, id := range s.order {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Summaries lists the settled results as task_id/status/output maps in
// registration order.
func (s *State) Summaries() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(s.Results))
	for _, id := range s.order {
		r, ok := s.Results[id]
		if !ok {
			continue
		}
		out = append(out, map[string]interface{}{
			"task_id": id,
			"status":  string(r.Status),
			"output":  envelope.CloneMap(r.OutputData),
		})
	}
	return out
}

// Clone returns a deep copy.
func (s *State) Clone() State {
	c := *s
	c.Results = make(map[string]envelope.TaskResult, len(s.Results))
	for k, v := range s.Results {
		v.OutputData = envelope.CloneMap(v.OutputData)
		v.Metadata = envelope.CloneMap(v.Metadata)
		c.Results[k] = v
	}
	c.FinalResult = envelope.CloneMap(s.FinalResult)
	c.pending = cloneSet(s.pending)
	c.completed = cloneSet(s.completed)
	c.failed = cloneSet(s.failed)
	c.order = append([]string(nil), s.order...)
	return c
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// Payload renders the workflow for publishing.
func (s *State) Payload() map[string]interface{} {
	results := make(map[string]interface{}, len(s.Results))
	for id, r := range s.Results {
		if p, err := r.Payload(); err == nil {
			results[id] = p
		}
	}
	return map[string]interface{}{
		"workflow_id":     s.WorkflowID,
		"correlation_id":  s.CorrelationID,
		"status":          string(s.Status),
		"created_at":      s.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":      s.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"completed_tasks": s.Completed(),
		"failed_tasks":    s.Failed(),
		"task_results":    results,
		"final_result":    envelope.CloneMap(s.FinalResult),
	}
}

// sortedKeys is used for stable listings.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
