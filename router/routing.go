package router

import (
	"github.com/vinayprograms/relay/envelope"
)

// Rule holds per-kind overrides. Zero values leave the header unchanged.
type Rule struct {
	TimeoutMillis int64 `toml:"timeout_ms" validate:"gte=0"`
	MaxRetries    *int  `toml:"max_retries" validate:"omitempty,gte=0"`
	Priority      int   `toml:"priority" validate:"omitempty,min=1,max=10"`
}

// Map renders the rule the way it is recorded in the enrichment block.
func (r Rule) Map() map[string]interface{} {
	m := make(map[string]interface{}, 3)
	if r.TimeoutMillis > 0 {
		m["timeout_ms"] = r.TimeoutMillis
	}
	if r.MaxRetries != nil {
		m["max_retries"] = *r.MaxRetries
	}
	if r.Priority > 0 {
		m["priority"] = r.Priority
	}
	return m
}

// apply overwrites the header fields the rule sets.
func (r Rule) apply(h *envelope.Header) {
	if r.TimeoutMillis > 0 {
		h.TTLMillis = r.TimeoutMillis
	}
	if r.MaxRetries != nil {
		h.MaxRetries = *r.MaxRetries
	}
	if r.Priority > 0 {
		h.Priority = envelope.ClampPriority(r.Priority)
	}
}

// RoutingTable maps task kinds to their rules.
type RoutingTable map[envelope.TaskKind]Rule

// Lookup returns the rule for kind.
func (t RoutingTable) Lookup(kind envelope.TaskKind) (Rule, bool) {
	r, ok := t[kind]
	return r, ok
}

// Retries is a helper for building rules with an explicit retry count.
func Retries(n int) *int { return &n }
