// Package backoff decides how long to wait before retrying a rate-limited call.
package backoff

import "time"

// Decision is the outcome of a single policy evaluation.
// When GiveUp is true Wait is zero.
type Decision struct {
	Wait   time.Duration
	GiveUp bool
}

// Policy bounds retries by attempt count and by the total time spent waiting
type Policy struct {
	MaxAttempts int
	Cap         time.Duration
	Budget      time.Duration
}

// DefaultPolicy allows 3 attempts, 8s per wait and 25s in total
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Cap:         8 * time.Second,
		Budget:      25 * time.Second,
	}
}

// Next returns the wait before the retry that follows attempt.
// hint is a server suggested delay (zero or negative when absent) and elapsed
// is the wait already spent on this item.
func (p Policy) Next(attempt int, hint, elapsed time.Duration) Decision {
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return Decision{GiveUp: true}
	}

	remaining := p.Budget - elapsed
	if remaining <= 0 {
		return Decision{GiveUp: true}
	}

	if hint > 0 {
		if hint > remaining {
			hint = remaining
		}
		return Decision{Wait: hint}
	}

	proposed := time.Duration(2*attempt) * time.Second
	if p.Cap > 0 && proposed > p.Cap {
		proposed = p.Cap
	}
	if proposed > remaining {
		return Decision{GiveUp: true}
	}
	return Decision{Wait: proposed}
}
