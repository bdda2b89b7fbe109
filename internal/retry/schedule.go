package retry

import "time"

// DefaultSchedule is the base backoff: attempt n is retried after
// schedule[n-1]. Past the end of the table, failures move to the extended
// window and retry at a fixed interval until the delivery expires.
var DefaultSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

const (
	DefaultExtendedInterval = 1 * time.Hour
	DefaultDLQWindow        = 24 * time.Hour
)

// NextDelay returns the wait before the next attempt given the number of
// failed attempts so far (1-indexed: retryCount failures have happened).
func NextDelay(retryCount int, schedule []time.Duration, extendedInterval time.Duration) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	if retryCount <= len(schedule) {
		return schedule[retryCount-1]
	}
	return extendedInterval
}

func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// IsAuthFailure marks the terminal, never-retried response classes.
func IsAuthFailure(statusCode int) bool {
	return statusCode == 401 || statusCode == 403
}
