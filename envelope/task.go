package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/vinayprograms/relay/errors"
)

// TaskDefinition is one unit of work produced by decomposing a request.
type TaskDefinition struct {
	TaskID       string                 `json:"task_id"`
	TaskKind     TaskKind               `json:"task_type"`
	InputData    map[string]interface{} `json:"input_data"`
	Requirements map[string]interface{} `json:"requirements"`
	Constraints  map[string]interface{} `json:"constraints"`
}

// NewTaskDefinition creates a task with a fresh id.
func NewTaskDefinition(kind TaskKind, input map[string]interface{}) TaskDefinition {
	if input == nil {
		input = make(map[string]interface{})
	}
	return TaskDefinition{
		TaskID:       uuid.New().String(),
		TaskKind:     kind,
		InputData:    input,
		Requirements: make(map[string]interface{}),
		Constraints:  make(map[string]interface{}),
	}
}

// Payload renders the task as a message payload.
func (t TaskDefinition) Payload() map[string]interface{} {
	return map[string]interface{}{
		"task_id":      t.TaskID,
		"task_type":    string(t.TaskKind),
		"input_data":   CloneMap(t.InputData),
		"requirements": CloneMap(t.Requirements),
		"constraints":  CloneMap(t.Constraints),
	}
}

// TaskResult is a worker's terminal report for one task.
type TaskResult struct {
	ResultID         string                 `json:"result_id"`
	TaskID           string                 `json:"task_id"`
	Status           TaskStatus             `json:"status"`
	OutputData       map[string]interface{} `json:"output_data"`
	Metadata         map[string]interface{} `json:"metadata"`
	ErrorDetails     *errors.Details        `json:"error_details,omitempty"`
	ProcessingTimeMs *float64               `json:"processing_time_ms,omitempty"`
	ConfidenceScore  *float64               `json:"confidence_score,omitempty"`
	WorkerID         string                 `json:"worker_id,omitempty"`
}

// NewTaskResult creates a result with a fresh id.
func NewTaskResult(taskID string, status TaskStatus) TaskResult {
	return TaskResult{
		ResultID:   uuid.New().String(),
		TaskID:     taskID,
		Status:     status,
		OutputData: make(map[string]interface{}),
		Metadata:   make(map[string]interface{}),
	}
}

// Validate checks the result before it is published or applied.
func (r *TaskResult) Validate() error {
	if r.TaskID == "" {
		return errors.Validation("result missing task_id")
	}
	if _, ok := ParseTaskStatus(string(r.Status)); !ok {
		return errors.Validation(fmt.Sprintf("result has unknown status %q", r.Status))
	}
	if c := r.ConfidenceScore; c != nil && (*c < 0 || *c > 1) {
		return errors.Validation(fmt.Sprintf("confidence_score %v outside 0..1", *c))
	}
	return nil
}

// Payload renders the result as a message payload.
func (r TaskResult) Payload() (map[string]interface{}, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInternal, "encoding task result")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInternal, "encoding task result")
	}
	return m, nil
}

// TaskResultFromPayload decodes a result message payload. The legacy
// agent_id key is accepted as the worker id.
func TaskResultFromPayload(p map[string]interface{}) (TaskResult, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return TaskResult{}, errors.WrapWithCode(err, errors.ErrCodeDecode, "decoding task result")
	}
	var r TaskResult
	if err := json.Unmarshal(data, &r); err != nil {
		return TaskResult{}, errors.WrapWithCode(err, errors.ErrCodeDecode, "decoding task result")
	}
	if st, ok := ParseTaskStatus(string(r.Status)); ok {
		r.Status = st
	}
	if r.WorkerID == "" {
		if id, ok := p["agent_id"].(string); ok {
			r.WorkerID = id
		}
	}
	if r.OutputData == nil {
		r.OutputData = make(map[string]interface{})
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	if err := r.Validate(); err != nil {
		return TaskResult{}, err
	}
	return r, nil
}
