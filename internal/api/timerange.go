package api

import (
	"strconv"
	"time"
)

// ParseTimeRange parses `<int><unit>` with unit s/m/h/d. Anything invalid
// or non-positive yields the caller's default.
func ParseTimeRange(s string, fallback time.Duration) time.Duration {
	if len(s) < 2 {
		return fallback
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return fallback
	}

	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * unit
}
