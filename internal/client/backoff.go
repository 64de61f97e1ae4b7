package client

import "time"

// Backoff is min(base*2^(attempt-1), max), with attempts below 1 counted as 1. There is no
// jitter, so successive delays never shrink.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if max < base {
		max = base
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d > max/2 {
			return max
		}
		d *= 2
	}
	return d
}
