package reliability

import "time"

// ExponentialBackoff computes a deterministic capped backoff duration.
// attempt counts completed failures; the first attempt gets the base delay.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
