package scheduler

import (
	"fmt"
	"time"
)

// ParseClock parses an HH:MM time of day into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// InWindow reports whether the wall-clock minute of t falls inside
// [start, end], both bounds inclusive. A window whose start is after its end wraps midnight, and
// equal bounds cover the whole day.
func InWindow(t time.Time, start, end string) (bool, error) {
	from, err := ParseClock(start)
	if err != nil {
		return false, err
	}
	to, err := ParseClock(end)
	if err != nil {
		return false, err
	}
	now := t.Hour()*60 + t.Minute()
	switch {
	case from == to:
		return true, nil
	case from < to:
		return now >= from && now <= to, nil
	default:
		return now >= from || now <= to, nil
	}
}
