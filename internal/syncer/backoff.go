package syncer

import (
	"math/rand/v2"
	"time"
)

const (
	// backoffMultiplier is the exponential growth factor per consecutive
	// failure.
	backoffMultiplier = 2

	// jitterDivisor bounds the random jitter added to each delay:
	// jitter is uniform in [0, delay/jitterDivisor).
	jitterDivisor = 2
)

// backoff produces retry delays of min, 2*min, 4*min ... capped at max,
// each with random jitter on top.
type backoff struct {
	min   time.Duration
	max   time.Duration
	delay time.Duration
}

func newBackoff(minDelay, maxDelay time.Duration) *backoff {
	if minDelay <= 0 {
		minDelay = time.Second
	}

	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	return &backoff{min: minDelay, max: maxDelay}
}

// Next returns the delay before the next retry and grows the base delay.
func (b *backoff) Next() time.Duration {
	if b.delay == 0 {
		b.delay = b.min
	}

	d := b.delay
	b.delay = min(b.delay*backoffMultiplier, b.max)

	var jitter time.Duration
	if half := int64(d) / jitterDivisor; half > 0 {
		jitter = time.Duration(rand.Int64N(half)) //nolint:gosec // G404: retry jitter, no security impact
	}

	return d + jitter
}

// Reset starts the next failure sequence from min again.
func (b *backoff) Reset() {
	b.delay = 0
}
