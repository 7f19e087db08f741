package resilience

import (
	"math/rand"
	"time"
)

// ExpBackoff produces reconnect delays: exponential doubling from Base up to
// Cap, with equal jitter (half the window fixed, half randomized). Successive
// delays are non-decreasing because the jittered half of attempt n starts at
// the full window of attempt n-1.
type ExpBackoff struct {
	Base    time.Duration
	Cap     time.Duration
	attempt int
	rng     *rand.Rand
}

func NewExpBackoff(base, cap time.Duration) *ExpBackoff {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}
	return &ExpBackoff{
		Base: base,
		Cap:  cap,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt and advances the schedule.
// Once the window reaches Cap the delay is Cap exactly, so consecutive delays
// never decrease.
func (b *ExpBackoff) Next() time.Duration {
	window := b.Base << b.attempt
	if window <= 0 || window >= b.Cap {
		return b.Cap
	}
	b.attempt++
	half := window / 2
	return half + time.Duration(b.rng.Int63n(int64(half)+1))
}

// Attempt returns the number of completed backoff steps.
func (b *ExpBackoff) Attempt() int {
	return b.attempt
}

// Reset restarts the schedule after a successful attempt.
func (b *ExpBackoff) Reset() {
	b.attempt = 0
}
