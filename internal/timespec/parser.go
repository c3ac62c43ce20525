// Package timespec parses the delivery times accepted on the command line.
package timespec

import (
	"fmt"
	"time"
)

// ParseAt resolves a delivery time. A Go duration ("90s", "1h30m") is
// relative to now and must not be negative; anything else must be an RFC3339
// timestamp. An empty spec yields the zero time, meaning deliver immediately.
func ParseAt(spec string, now time.Time) (time.Time, error) {
	if spec == "" {
		return time.Time{}, nil
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}

	d, err := time.ParseDuration(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time specification: %s (use a duration like '10m' or RFC3339 like '2026-10-17T13:00:00Z')", spec)
	}
	if d < 0 {
		return time.Time{}, fmt.Errorf("delay must not be negative: %s", spec)
	}
	return now.Add(d), nil
}
