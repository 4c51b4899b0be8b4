package client

import (
	"math"
	"math/rand"
	"time"
)

// Default reconnect policy.
const (
	DefaultBackoffBase          = time.Second
	DefaultMaxReconnectAttempts = 5
)

// Backoff computes reconnect delays. The zero value is not useful; use
// DefaultBackoff or fill Base and MaxAttempts.
type Backoff struct {
	// Base is the delay of the first attempt. Attempt n waits Base * 2^(n-1).
	Base time.Duration
	// MaxAttempts is the number of reconnect attempts before giving up.
	MaxAttempts int
	// MaxDelay caps a single delay. Zero means no cap.
	MaxDelay time.Duration
	// Jitter spreads delays by a random factor in [0.5, 1.5).
	Jitter bool
}

// DefaultBackoff returns the default reconnect policy: 1s, 2s, 4s, 8s, 16s.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        DefaultBackoffBase,
		MaxAttempts: DefaultMaxReconnectAttempts,
	}
}

// NextDelay returns the delay before reconnect attempt number attempt (1-based).
// It is deterministic; jitter is applied separately by Jittered.
func (b Backoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		return 0
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt is past the configured ceiling.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt > b.MaxAttempts
}

// Jittered applies the jitter factor to d when Jitter is enabled.
// A nil rng uses the midpoint factor 1.0.
func (b Backoff) Jittered(d time.Duration, rng *rand.Rand) time.Duration {
	if !b.Jitter || d <= 0 {
		return d
	}
	f := 1.0
	if rng != nil {
		f = 0.5 + rng.Float64()
	}
	return time.Duration(float64(d) * f)
}
