package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := DefaultPolicy()

	for attempt := 1; attempt <= 5; attempt++ {
		full := time.Duration(float64(time.Second) * float64(int(1)<<(attempt-1)))
		if full > p.Cap {
			full = p.Cap
		}

		for i := 0; i < 20; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, full/2, "attempt %d", attempt)
			assert.LessOrEqual(t, d, full, "attempt %d", attempt)
		}
	}
}

func TestDelayIsCapped(t *testing.T) {
	p := DefaultPolicy()

	// 2^(10-1) seconds would be 512s without the cap.
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, p.Delay(10), p.Cap)
	}
}

func TestDelayClampsBadAttempt(t *testing.T) {
	p := DefaultPolicy()
	d := p.Delay(0)
	assert.GreaterOrEqual(t, d, p.Base/2)
	assert.LessOrEqual(t, d, p.Base)
}

func TestExhausted(t *testing.T) {
	p := DefaultPolicy()
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))
}
