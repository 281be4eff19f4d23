package queue

import "time"

// backoffTable is the delay before a failed item becomes eligible again,
// indexed by consecutive failure count. The last entry repeats for
// failures beyond the table length.
var backoffTable = []time.Duration{
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
	1800 * time.Second,
}

// Backoff returns the retry delay after the given consecutive failure
// count (1-based). Values past the table cap at the last entry.
func Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}

	idx := failures - 1
	if idx >= len(backoffTable) {
		idx = len(backoffTable) - 1
	}

	return backoffTable[idx]
}
