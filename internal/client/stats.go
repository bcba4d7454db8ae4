package client

import "time"

// chunkSpeed is bytes per second for a single transfer.
func chunkSpeed(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}

// estimateETA projects the time for the remaining chunks from the rate of
// chunks completed during this run. Chunks the server already had do not
// count toward the rate.
func estimateETA(remaining, completedThisRun int, elapsed time.Duration) (time.Duration, bool) {
	if completedThisRun <= 0 || elapsed <= 0 {
		return 0, false
	}
	if remaining <= 0 {
		return 0, true
	}
	perChunk := elapsed / time.Duration(completedThisRun)
	return perChunk * time.Duration(remaining), true
}
