package queue

import "time"

// retryDelay returns base * 2^(attempt-1) for attempt >= 1, capped at max when
// max is positive.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if max > 0 && d >= max {
			return max
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
