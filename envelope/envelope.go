package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/relay/errors"
)

// Header defaults.
const (
	DefaultPriority      = 5
	DefaultTTLMillis     = 30000
	DefaultMaxRetries    = 3
	DefaultSchemaVersion = "v1.0"

	MinPriority = 1
	MaxPriority = 10
)

// Header is the per-message control block.
type Header struct {
	MessageID     string     `json:"message_id"`
	CorrelationID string     `json:"correlation_id"`
	ContextID     string     `json:"context_id,omitempty"`
	ActorRole     ActorRole  `json:"actor_role"`
	TaskKind      TaskKind   `json:"task_type"`
	Priority      int        `json:"priority"`
	TTLMillis     int64      `json:"ttl_ms"`
	SchemaVersion string     `json:"schema_version"`
	EnqueueTS     time.Time  `json:"enqueue_ts"`
	ProcessingTS  *time.Time `json:"processing_ts,omitempty"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
}

// Envelope is a header plus an opaque payload and optional signature.
type Envelope struct {
	Header    Header                 `json:"header"`
	Payload   map[string]interface{} `json:"payload"`
	Signature string                 `json:"signature,omitempty"`
}

// Option configures a new envelope.
type Option func(*Envelope)

// WithCorrelationID joins the envelope to an existing workflow.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.Header.CorrelationID = id }
}

// WithContextID sets the external context identifier.
func WithContextID(id string) Option {
	return func(e *Envelope) { e.Header.ContextID = id }
}

// WithPriority sets the priority, clamped to 1..10.
func WithPriority(p int) Option {
	return func(e *Envelope) { e.Header.Priority = ClampPriority(p) }
}

// WithTTL sets the time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(e *Envelope) { e.Header.TTLMillis = ttl.Milliseconds() }
}

// WithMaxRetries sets the retry ceiling.
func WithMaxRetries(n int) Option {
	return func(e *Envelope) { e.Header.MaxRetries = n }
}

// WithPayload sets the payload. The map is copied.
func WithPayload(p map[string]interface{}) Option {
	return func(e *Envelope) { e.Payload = CloneMap(p) }
}

// WithClock stamps the enqueue time from now instead of time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Envelope) { e.Header.EnqueueTS = now().UTC() }
}

// New builds an envelope. Actor role and task kind are required; every other
// header field takes its default.
func New(role ActorRole, kind TaskKind, opts ...Option) Envelope {
	e := Envelope{
		Header: Header{
			MessageID:     uuid.New().String(),
			CorrelationID: uuid.New().String(),
			ActorRole:     role,
			TaskKind:      kind,
			Priority:      DefaultPriority,
			TTLMillis:     DefaultTTLMillis,
			SchemaVersion: DefaultSchemaVersion,
			EnqueueTS:     time.Now().UTC(),
			MaxRetries:    DefaultMaxRetries,
		},
		Payload: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// ClampPriority forces p into the 1..10 range.
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Validate checks the header fields a queue relies on.
func (e *Envelope) Validate() error {
	h := e.Header
	switch {
	case h.MessageID == "":
		return errors.Validation("envelope missing message_id")
	case !h.ActorRole.Valid():
		return errors.Validation(fmt.Sprintf("envelope has unknown actor_role %q", h.ActorRole))
	case h.TaskKind == "":
		return errors.Validation("envelope missing task_type")
	case h.Priority < MinPriority || h.Priority > MaxPriority:
		return errors.Validation(fmt.Sprintf("priority %d out of range 1-10", h.Priority))
	case h.RetryCount < 0 || h.MaxRetries < 0:
		return errors.Validation("retry counters must be non-negative")
	}
	return nil
}

// Age is the time elapsed since the last enqueue.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.Header.EnqueueTS)
}

// IsExpired reports whether the TTL has elapsed, measured from the latest
// enqueue timestamp.
func (e *Envelope) IsExpired() bool {
	return e.IsExpiredAt(time.Now())
}

// IsExpiredAt is IsExpired against an explicit clock reading.
func (e *Envelope) IsExpiredAt(now time.Time) bool {
	if e.Header.EnqueueTS.IsZero() {
		return false
	}
	return e.Age(now).Milliseconds() > e.Header.TTLMillis
}

// CanRetry reports whether another attempt is allowed.
func (e *Envelope) CanRetry() bool {
	return e.Header.RetryCount < e.Header.MaxRetries
}

// IncrementRetry records a failed attempt and restarts the TTL window.
// Callers must check CanRetry first; the count is not capped here.
func (e *Envelope) IncrementRetry() {
	e.IncrementRetryAt(time.Now())
}

// IncrementRetryAt is IncrementRetry against an explicit clock reading.
func (e *Envelope) IncrementRetryAt(now time.Time) {
	e.Header.RetryCount++
	e.Header.EnqueueTS = now.UTC()
	e.Header.ProcessingTS = nil
}

// MarkProcessing stamps the processing-start time.
func (e *Envelope) MarkProcessing(now time.Time) {
	ts := now.UTC()
	e.Header.ProcessingTS = &ts
}

// Clone returns a deep copy. Queues store clones so that later mutation of
// the caller's envelope has no effect on the stored message.
func (e Envelope) Clone() Envelope {
	c := e
	if e.Header.ProcessingTS != nil {
		ts := *e.Header.ProcessingTS
		c.Header.ProcessingTS = &ts
	}
	c.Payload = CloneMap(e.Payload)
	return c
}

// String returns a short description for logs.
func (e Envelope) String() string {
	return fmt.Sprintf("%s(%s p=%d retry=%d/%d)", e.Header.MessageID, e.Header.TaskKind,
		e.Header.Priority, e.Header.RetryCount, e.Header.MaxRetries)
}

// PayloadString returns payload[key] when it is a string.
func (e *Envelope) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// CloneMap deep-copies a decoded JSON object.
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return make(map[string]interface{})
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(t))
		for i, item := range t {
			out[i] = CloneMap(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	default:
		return v
	}
}
