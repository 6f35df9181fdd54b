package util

import "time"

// Backoff returns the exponential backoff delay for the given retry attempt:
// base doubled attempt times, capped at max. Attempt 0 returns base. The
// shift is clamped so large attempt counts cannot overflow the duration.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 32 {
		attempt = 32
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}
