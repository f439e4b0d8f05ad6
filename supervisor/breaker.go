package supervisor

import "time"

// BreakerStatus is one of the three breaker states.
type BreakerStatus string

const (
	StatusClosed   BreakerStatus = "closed"
	StatusOpen     BreakerStatus = "open"
	StatusHalfOpen BreakerStatus = "half_open"
)

// BreakerState is a snapshot of one lane's breaker.
type BreakerState struct {
	Status       BreakerStatus `json:"status"`
	FailureCount int           `json:"failure_count"`
	OpenUntil    time.Time     `json:"open_until,omitempty"`
}

type breaker struct {
	status    BreakerStatus
	failures  int
	openUntil time.Time
	// failures observed since entering half-open
	trialErrors int
}

func (b *breaker) state() BreakerState {
	return BreakerState{Status: b.status, FailureCount: b.failures, OpenUntil: b.openUntil}
}

// fail records one failure and returns the previous status when it caused a
// transition.
func (b *breaker) fail(now time.Time, threshold int, cooldown time.Duration) (BreakerStatus, bool) {
	b.failures++
	switch b.status {
	case StatusClosed:
		if b.failures >= threshold {
			b.status = StatusOpen
			b.openUntil = now.Add(cooldown)
			return StatusClosed, true
		}
	case StatusHalfOpen:
		b.trialErrors++
		b.status = StatusOpen
		b.openUntil = now.Add(cooldown)
		return StatusHalfOpen, true
	}
	return "", false
}

// tick advances the breaker one poll and returns the previous status when
// it transitioned.
func (b *breaker) tick(now time.Time) (BreakerStatus, bool) {
	switch b.status {
	case StatusOpen:
		if !now.Before(b.openUntil) {
			b.status = StatusHalfOpen
			b.trialErrors = 0
			return StatusOpen, true
		}
	case StatusHalfOpen:
		if b.trialErrors == 0 {
			b.status = StatusClosed
			b.failures = 0
			b.openUntil = time.Time{}
			return StatusHalfOpen, true
		}
	}
	return "", false
}
