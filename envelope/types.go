package envelope

import (
	"strings"
)

// TaskKind is the domain tag carried by every message.
type TaskKind string

const (
	KindExtraction    TaskKind = "EXTRACTION"
	KindSummarization TaskKind = "SUMMARIZATION"
	KindAnalysis      TaskKind = "ANALYSIS"
	KindFactCheck     TaskKind = "FACT_CHECK"
	KindCustom        TaskKind = "CUSTOM"
)

// TaskKinds lists every known kind in declaration order.
var TaskKinds = []TaskKind{KindExtraction, KindSummarization, KindAnalysis, KindFactCheck, KindCustom}

// ParseTaskKind normalizes a plain string to a TaskKind. It accepts any case.
func ParseTaskKind(s string) (TaskKind, bool) {
	k := TaskKind(strings.ToUpper(strings.TrimSpace(s)))
	return k, k.Valid()
}

// Valid reports whether k is one of the known kinds.
func (k TaskKind) Valid() bool {
	for _, known := range TaskKinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k TaskKind) String() string { return string(k) }

// ActorRole identifies which component produced a message.
type ActorRole string

const (
	RoleUser         ActorRole = "user"
	RoleRouter       ActorRole = "router"
	RoleWorker       ActorRole = "worker"
	RoleOrchestrator ActorRole = "orchestrator"
	RoleSupervisor   ActorRole = "supervisor"
)

// Valid reports whether r is a known role.
func (r ActorRole) Valid() bool {
	switch r {
	case RoleUser, RoleRouter, RoleWorker, RoleOrchestrator, RoleSupervisor:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a task result or workflow.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusSuccess    TaskStatus = "success"
	StatusError      TaskStatus = "error"
	StatusPartial    TaskStatus = "partial"
	StatusTimeout    TaskStatus = "timeout"
)

// ParseTaskStatus accepts any case ("SUCCESS" and "success" are equal).
func ParseTaskStatus(s string) (TaskStatus, bool) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusProcessing, StatusSuccess, StatusError, StatusPartial, StatusTimeout:
		return st, true
	}
	return st, false
}

// Generic lane names.
const (
	LaneInput      = "input"
	LaneTask       = "task"
	LaneResult     = "result"
	LaneDeadLetter = "dead_letter"
)

// TaskLane returns the per-kind lane name, e.g. structured_task.extraction.
func TaskLane(kind TaskKind) string {
	return "structured_task." + strings.ToLower(string(kind))
}
