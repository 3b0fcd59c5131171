package dispatch

import (
	"math"
	"math/rand"
	"time"
)

// Policy is the retry supervisor shared by the dispatcher and the
// correlator consumer: exponential backoff with jitter, capped, with a
// bounded attempt budget.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultPolicy matches the dispatch contract: base 1s, cap 60s, five
// attempts before a command is terminally failed.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Cap:         60 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the backoff before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// Exponential backoff with jitter
	backoff := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if capped := float64(p.Cap); backoff > capped {
		backoff = capped
	}
	jitter := (rand.Float64()*0.5 + 0.5) // 50% jitter
	return time.Duration(backoff * jitter)
}

// Exhausted reports whether the attempt budget is spent.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
