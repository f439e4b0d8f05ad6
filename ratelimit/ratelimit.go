package ratelimit

import (
	"context"
	"time"

	"github.com/vinayprograms/relay/errors"
)

// Errors returned by limiters.
var (
	ErrClosed          = errors.New(errors.ErrCodeClosed, "limiter closed")
	ErrResourceUnknown = errors.New(errors.ErrCodeNotFound, "unknown resource")
)

// Limiter hands out tokens per named resource.
type Limiter interface {
	// Acquire blocks until a token is available or ctx ends.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire takes a token without blocking.
	TryAcquire(resource string) bool

	// SetCapacity sets capacity tokens per window. A non-positive value
	// removes the bucket.
	SetCapacity(resource string, capacity int, window time.Duration)

	// Reduce lowers the resource's capacity after upstream pushback.
	Reduce(resource, reason string)

	// Capacity returns the bucket's state, or nil for unknown resources.
	Capacity(resource string) *Capacity

	Close() error
}

// Capacity describes one bucket.
type Capacity struct {
	Resource  string
	Available int
	Total     int
	Window    time.Duration
}
