package delivery

import "time"

// DefaultBackoff is the delay table applied after failed attempts 1..5; the last
// entry is reused for any later attempt.
var DefaultBackoff = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// Backoff returns the delay to wait after attempt number `attempt` failed.
func Backoff(table []time.Duration, attempt int) time.Duration {
	if len(table) == 0 {
		table = DefaultBackoff
	}
	// attempt is 1-based; map to table index and clamp
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(table) {
		idx = len(table) - 1
	}
	return table[idx]
}
