// Package backoff provides retry timing for the delivery queue and the
// backend client.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// deliveryLadder is the fixed wait schedule between delivery attempts,
// indexed by attempt_count-1 and clamped to the last entry.
var deliveryLadder = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	time.Minute,
	5 * time.Minute,
}

// DeliveryDelay returns the wait before the next delivery attempt. attempt
// is the 1-indexed number of attempts already made.
func DeliveryDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(deliveryLadder) {
		idx = len(deliveryLadder) - 1
	}
	return deliveryLadder[idx]
}

// Policy defines exponential backoff for transient-failure retries.
type Policy struct {
	// Initial is the first wait.
	Initial time.Duration
	// Max caps the computed wait.
	Max time.Duration
	// Factor multiplies the wait per attempt. 1 gives a linear schedule.
	Factor float64
	// Jitter in [0,1] randomizes the wait upward by that fraction.
	Jitter float64
}

// BackendPolicy is the schedule used for chat-completion retries.
func BackendPolicy() Policy {
	return Policy{Initial: 2 * time.Second, Max: 10 * time.Second, Factor: 1, Jitter: 0}
}

// Wait computes the backoff for a 1-indexed attempt.
func (p Policy) Wait(attempt int) time.Duration {
	return p.waitWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) waitWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	withJitter := base + base*p.Jitter*random
	return time.Duration(math.Min(float64(p.Max), withJitter))
}
