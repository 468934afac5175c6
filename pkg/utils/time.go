package utils

import (
	"fmt"
	"time"
)

// FormatDuration formats duration in human-readable format
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", d/time.Minute, (d%time.Minute)/time.Second)
	}
	return fmt.Sprintf("%dh%dm", d/time.Hour, (d%time.Hour)/time.Minute)
}

// IsExpired reports whether more than ttl has passed between at and now.
func IsExpired(at time.Time, ttl time.Duration, now time.Time) bool {
	return now.Sub(at) > ttl
}

// TimeUntilExpiry returns the time left before at+ttl, never negative.
func TimeUntilExpiry(at time.Time, ttl time.Duration, now time.Time) time.Duration {
	remaining := at.Add(ttl).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
