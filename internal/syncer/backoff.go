package syncer

import "time"

// maxBackoffSteps freezes backoff growth after this many consecutive
// failures; the delay then stays at the ceiling.
const maxBackoffSteps = 6

// Backoff returns the wait before the next eligible attempt after the given
// number of consecutive failures: base doubled per failure, capped at
// base<<(maxBackoffSteps-1). Rate-limited failures skip the first step so
// their minimum delay is longer.
func Backoff(base time.Duration, failures int, rateLimited bool) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if rateLimited {
		failures++
	}
	if failures > maxBackoffSteps {
		failures = maxBackoffSteps
	}
	return base << (failures - 1)
}
