package client

import (
	"math"
	"time"
)

// BackoffDelay computes the wait before reconnect attempt number attempt
// (zero-based): initial * factor^attempt, capped at max. The sequence is
// non-decreasing and never exceeds max.
func BackoffDelay(attempt int, initial time.Duration, factor float64, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(initial) * math.Pow(factor, float64(attempt)))
	if d > max || d < 0 {
		return max
	}
	return d
}
