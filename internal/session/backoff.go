package session

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// MaxReconnectDelay caps the exponential backoff between connection
// attempts.
const MaxReconnectDelay = 60 * time.Second

// backoff computes reconnect delays: min(2^attempts + U(0,1), max) seconds.
// The jitter spreads the four per-account sessions apart so they do not
// reconnect in lockstep.
type backoff struct {
	mu       sync.Mutex
	attempts int
	max      time.Duration
	rng      *rand.Rand
}

func newBackoff(max time.Duration) *backoff {
	if max <= 0 {
		max = MaxReconnectDelay
	}
	return &backoff{
		max: max,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// next returns the delay for the current attempt and advances the counter.
func (b *backoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	seconds := baseDelaySeconds(b.attempts, b.max) + b.rng.Float64()
	if limit := b.max.Seconds(); seconds > limit {
		seconds = limit
	}
	b.attempts++
	return time.Duration(seconds * float64(time.Second))
}

// reset zeroes the attempt counter. Called on a successful connection_ack.
func (b *backoff) reset() {
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}

func (b *backoff) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// baseDelaySeconds is the pre-jitter curve: min(2^attempt, max).
func baseDelaySeconds(attempt int, max time.Duration) float64 {
	limit := max.Seconds()
	if attempt >= 63 {
		return limit
	}
	d := math.Pow(2, float64(attempt))
	if d > limit {
		return limit
	}
	return d
}
