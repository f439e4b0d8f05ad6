package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/relay/errors"
)

// reduceFactor is applied to a bucket's capacity by Reduce.
const reduceFactor = 0.75

type bucket struct {
	capacity   int
	available  int
	window     time.Duration
	lastRefill time.Time
}

// refill adds the tokens earned since the last refill.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	add := int(float64(b.capacity) * float64(elapsed) / float64(b.window))
	if add <= 0 {
		return
	}
	b.available += add
	if b.available > b.capacity {
		b.available = b.capacity
	}
	b.lastRefill = now
}

// untilNext is how long until one more token is earned.
func (b *bucket) untilNext(now time.Time) time.Duration {
	per := b.window / time.Duration(b.capacity)
	wait := b.lastRefill.Add(per).Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// MemoryLimiter is a process-local Limiter. It is safe for concurrent use.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	done    chan struct{}
	now     func() time.Time
}

// NewMemoryLimiter creates an empty limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// SetCapacity configures a bucket. Buckets start full.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}
	if b, ok := m.buckets[resource]; ok {
		b.capacity = capacity
		b.window = window
		if b.available > capacity {
			b.available = capacity
		}
		return
	}
	m.buckets[resource] = &bucket{capacity: capacity, available: capacity, window: window, lastRefill: m.now()}
}

// Capacity returns the bucket's state after refilling.
func (m *MemoryLimiter) Capacity(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[resource]
	if !ok {
		return nil
	}
	b.refill(m.now())
	return &Capacity{Resource: resource, Available: b.available, Total: b.capacity, Window: b.window}
}

// TryAcquire takes a token if one is available.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	ok, _, _ := m.take(resource)
	return ok
}

// take returns whether a token was taken, otherwise how long to wait.
func (m *MemoryLimiter) take(resource string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, 0, ErrClosed
	}
	b, ok := m.buckets[resource]
	if !ok {
		return false, 0, ErrResourceUnknown
	}
	now := m.now()
	b.refill(now)
	if b.available > 0 {
		b.available--
		return true, 0, nil
	}
	return false, b.untilNext(now), nil
}

// Acquire waits for a token.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	for {
		ok, wait, err := m.take(resource)
		if err != nil {
			return errors.Wrap(err, "acquiring "+resource)
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "waiting for "+resource)
		case <-m.done:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

// Reduce cuts the bucket's capacity by a quarter, keeping at least one.
func (m *MemoryLimiter) Reduce(resource, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[resource]
	if !ok {
		return
	}
	c := int(float64(b.capacity) * reduceFactor)
	if c < 1 {
		c = 1
	}
	b.capacity = c
	if b.available > c {
		b.available = c
	}
}

// Close wakes all waiters with ErrClosed.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	close(m.done)
	return nil
}

var _ Limiter = (*MemoryLimiter)(nil)
