package reminder

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const maxCustomPrefixLen = 100

// Settings is a user's reminder configuration. HoursBefore is kept sorted
// descending so the earliest reminder fires first.
type Settings struct {
	UserID       string   `json:"userId"`
	HoursBefore  []int    `json:"hoursBefore"` // e.g. 48,24,12
	QuietStart   *string  `json:"quietStart,omitempty"` // "22:00" local
	QuietEnd     *string  `json:"quietEnd,omitempty"`   // "07:00" local
	PushEnabled  bool     `json:"pushEnabled"`
	EmailEnabled bool     `json:"emailEnabled"`
	CustomPrefix string   `json:"customPrefix,omitempty"`
}

// Normalize sorts and dedupes the offsets, drops non-positive ones and
// truncates the prefix to its limit.
func (s *Settings) Normalize() {
	seen := make(map[int]bool, len(s.HoursBefore))
	out := s.HoursBefore[:0]

	for _, h := range s.HoursBefore {
		if h <= 0 || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	s.HoursBefore = out

	if len(s.CustomPrefix) > maxCustomPrefixLen {
		s.CustomPrefix = s.CustomPrefix[:maxCustomPrefixLen]
	}
}

// InQuietHours reports whether the user-local instant falls inside the
// quiet window. A window is the closed interval [start, end]; when it
// crosses midnight (start > end) the quiet span is the complement of the
// closed [end, start] interval, i.e. 22:00-07:00 covers 03:00.
func (s Settings) InQuietHours(local time.Time) bool {
	if s.QuietStart == nil || s.QuietEnd == nil {
		return false
	}

	start, err := parseClock(*s.QuietStart)
	if err != nil {
		return false
	}
	end, err := parseClock(*s.QuietEnd)
	if err != nil {
		return false
	}

	m := local.Hour()*60 + local.Minute()

	if start <= end {
		return m >= start && m <= end
	}
	return m >= start || m <= end
}

// parseClock parses "HH:MM" into minutes since local midnight.
func parseClock(v string) (int, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad clock value %q", v)
	}

	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", v)
	}

	return h*60 + m, nil
}

// FiredKey identifies one fired reminder: the cycle anchor is the
// last_checkin_at that defined the deadline, so a new check-in starts a
// fresh set of reminders.
type FiredKey struct {
	UserID      string
	CycleAnchor time.Time
	HoursBefore int
}
