// Package logging provides leveled console output for relay components.
// Lines are written as LEVEL TIMESTAMP [component] message key=value ...
// with fields sorted by key.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes structured lines to an io.Writer.
// Loggers derived with WithComponent or WithCorrelationID share the parent's
// writer and lock.
type Logger struct {
	mu            *sync.Mutex
	output        io.Writer
	minLevel      Level
	component     string
	correlationID string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(s)) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// New creates a new Logger writing to stdout at info level.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := New()
	l.output = io.Discard
	return l
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:            l.mu,
		output:        l.output,
		minLevel:      l.minLevel,
		component:     component,
		correlationID: l.correlationID,
	}
}

// WithCorrelationID returns a new logger that tags every line with the workflow
// correlation id.
func (l *Logger) WithCorrelationID(id string) *Logger {
	return &Logger{
		mu:            l.mu,
		output:        l.output,
		minLevel:      l.minLevel,
		component:     l.component,
		correlationID: id,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	merged := make(map[string]interface{})
	if l.correlationID != "" {
		merged["correlation_id"] = l.correlationID
	}
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}
	l.output.Write([]byte(line))
}

// --- Queue and workflow events ---

// Published logs a message appended to a lane.
func (l *Logger) Published(queue, messageID string, priority int) {
	l.Debug("published", map[string]interface{}{
		"queue":      queue,
		"message_id": messageID,
		"priority":   priority,
	})
}

// Delivered logs a message handed to a consumer.
func (l *Logger) Delivered(queue, group, messageID string) {
	l.Debug("delivered", map[string]interface{}{
		"queue":      queue,
		"group":      group,
		"message_id": messageID,
	})
}

// Requeued logs a failed message resubmitted for another attempt.
func (l *Logger) Requeued(queue, messageID string, retryCount int) {
	l.Info("requeued", map[string]interface{}{
		"queue":       queue,
		"message_id":  messageID,
		"retry_count": retryCount,
	})
}

// DeadLettered logs a message moved to the dead-letter lane.
func (l *Logger) DeadLettered(queue, messageID, reason string) {
	l.Warn("dead_lettered", map[string]interface{}{
		"queue":      queue,
		"message_id": messageID,
		"reason":     reason,
	})
}

// Expired logs a message whose TTL elapsed before processing.
func (l *Logger) Expired(queue, messageID string, age time.Duration) {
	l.Warn("expired", map[string]interface{}{
		"queue":      queue,
		"message_id": messageID,
		"age":        age.String(),
	})
}

// Anomaly logs a threshold rule violation observed by the supervisor.
func (l *Logger) Anomaly(queue, kind string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["queue"] = queue
	fields["anomaly"] = kind
	l.Warn("anomaly", fields)
}

// CircuitTransition logs a breaker state change.
func (l *Logger) CircuitTransition(queue, from, to string, failures int) {
	fields := map[string]interface{}{
		"queue":    queue,
		"from":     from,
		"to":       to,
		"failures": failures,
	}
	if to == "open" {
		l.Error("circuit_transition", fields)
		return
	}
	l.Info("circuit_transition", fields)
}

// WorkflowFinalized logs the terminal state of a workflow.
func (l *Logger) WorkflowFinalized(workflowID, status string, completed, failed int) {
	l.Info("workflow_finalized", map[string]interface{}{
		"workflow_id": workflowID,
		"status":      status,
		"completed":   completed,
		"failed":      failed,
	})
}
