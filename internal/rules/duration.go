package rules

import (
	"strconv"
	"strings"
	"time"
)

// ParseForDuration parses the rule hold time, `N` followed by one of
// s/m/h/d. Anything malformed parses to zero, which makes the rule fire on
// its first pending tick.
func ParseForDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0
	}

	unit := time.Duration(0)
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
		return 0
	}

	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * unit
}
