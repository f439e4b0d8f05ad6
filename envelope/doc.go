// Package envelope defines the unit of transfer between relay components.
//
// An Envelope is a Header plus an opaque payload mapping. Envelopes are
// values: queues store a deep copy on publish, so mutating an envelope after
// publishing it never affects the stored message.
//
// The wire form is a JSON document with two top-level keys:
//
//	{"header": {"message_id": "...", "task_type": "EXTRACTION", ...},
//	 "payload": {...}}
//
// Timestamps are RFC 3339 with nanoseconds; task kinds and actor roles use
// their canonical string tags.
package envelope
