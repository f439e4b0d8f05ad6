package router

import (
	"github.com/go-playground/validator/v10"

	"github.com/vinayprograms/relay/envelope"
)

// Fields every task payload carries.
var baseRules = map[string]interface{}{
	"task_id":   "required",
	"task_type": "required",
}

// Extra required fields per kind. Kinds not listed have none.
var kindRules = map[envelope.TaskKind]map[string]interface{}{
	envelope.KindExtraction:    {"input_data": "required"},
	envelope.KindSummarization: {"input_data": "required"},
	envelope.KindAnalysis:      {"input_data": "required"},
}

// Validator checks task payloads.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	return &Validator{v: validator.New()}
}

// Validate returns the list of problems with env, empty when it is valid.
// Messages are ordered: payload, base fields, then kind-specific fields.
func (val *Validator) Validate(env envelope.Envelope) []string {
	var problems []string
	if len(env.Payload) == 0 {
		problems = append(problems, "Empty payload")
	}

	failed := val.v.ValidateMap(env.Payload, baseRules)
	if _, bad := failed["task_id"]; bad {
		problems = append(problems, "Missing task_id")
	}
	if _, bad := failed["task_type"]; bad {
		problems = append(problems, "Missing task_type")
	}

	kind, ok := envelope.ParseTaskKind(string(env.Header.TaskKind))
	if !ok {
		return append(problems, "Unknown task kind "+string(env.Header.TaskKind))
	}
	if rules, ok := kindRules[kind]; ok {
		if failed := val.v.ValidateMap(env.Payload, rules); len(failed) > 0 {
			problems = append(problems, string(kind)+" task missing input_data")
		}
	}
	return problems
}
