package reminder

import (
	"strings"
	"testing"
	"time"
)

func sp(v string) *string { return &v }

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
}

func TestInQuietHoursSameDayWindow(t *testing.T) {
	s := Settings{QuietStart: sp("13:00"), QuietEnd: sp("15:00")}

	cases := []struct {
		local time.Time
		want  bool
	}{
		{at(12, 59), false},
		{at(13, 0), true},
		{at(14, 30), true},
		{at(15, 0), true},
		{at(15, 1), false},
	}
	for _, tc := range cases {
		if got := s.InQuietHours(tc.local); got != tc.want {
			t.Errorf("InQuietHours(%s) = %v, want %v", tc.local.Format("15:04"), got, tc.want)
		}
	}
}

func TestInQuietHoursMidnightCrossing(t *testing.T) {
	s := Settings{QuietStart: sp("22:00"), QuietEnd: sp("07:00")}

	cases := []struct {
		local time.Time
		want  bool
	}{
		{at(21, 59), false},
		{at(22, 0), true},
		{at(23, 30), true},
		{at(3, 0), true}, // the early-morning side of the window
		{at(7, 0), true},
		{at(7, 1), false},
		{at(12, 0), false},
	}
	for _, tc := range cases {
		if got := s.InQuietHours(tc.local); got != tc.want {
			t.Errorf("InQuietHours(%s) = %v, want %v", tc.local.Format("15:04"), got, tc.want)
		}
	}
}

func TestInQuietHoursUnsetOrMalformed(t *testing.T) {
	if (Settings{}).InQuietHours(at(3, 0)) {
		t.Fatal("no window configured should never be quiet")
	}

	s := Settings{QuietStart: sp("25:00"), QuietEnd: sp("07:00")}
	if s.InQuietHours(at(3, 0)) {
		t.Fatal("malformed window should disable quiet hours")
	}
}

func TestNormalize(t *testing.T) {
	s := Settings{
		HoursBefore:  []int{12, 48, -3, 12, 0, 24},
		CustomPrefix: strings.Repeat("p", 150),
	}
	s.Normalize()

	want := []int{48, 24, 12}
	if len(s.HoursBefore) != len(want) {
		t.Fatalf("hours = %v, want %v", s.HoursBefore, want)
	}
	for i := range want {
		if s.HoursBefore[i] != want[i] {
			t.Fatalf("hours = %v, want %v", s.HoursBefore, want)
		}
	}
	if len(s.CustomPrefix) != 100 {
		t.Fatalf("prefix length = %d, want 100", len(s.CustomPrefix))
	}
}

func TestParseClock(t *testing.T) {
	if _, err := parseClock("22:00"); err != nil {
		t.Fatalf("valid clock rejected: %v", err)
	}
	for _, bad := range []string{"2200", "24:00", "10:60", "", "aa:bb"} {
		if _, err := parseClock(bad); err == nil {
			t.Errorf("parseClock(%q) should fail", bad)
		}
	}
}
