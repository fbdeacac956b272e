package executor

import (
	"math/rand"
	"time"
)

// backoffBase, backoffCap, and backoffAttempts implement spec §4.8 step 4's
// retry rule for provider RateLimit/Overloaded errors: exponential,
// jittered, at least 3 attempts, capped at 8s.
const (
	backoffBase     = 500 * time.Millisecond
	backoffCap      = 8 * time.Second
	backoffAttempts = 3
)

// backoffDelay returns the jittered exponential delay before retry attempt
// n (0-indexed: the delay before the 2nd call is backoffDelay(0)). Full
// jitter: a random duration in [0, min(cap, base*2^n)).
func backoffDelay(n int) time.Duration {
	d := backoffBase << uint(n)
	if d <= 0 || d > backoffCap {
		d = backoffCap
	}
	return time.Duration(rand.Int63n(int64(d)))
}
