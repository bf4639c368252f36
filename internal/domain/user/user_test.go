package user

import (
	"testing"
	"time"
)

func ts(t time.Time) *time.Time { return &t }

func TestIsOverdue(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		u    User
		now  time.Time
		want bool
	}{
		{
			name: "no baseline never overdue",
			u:    User{IsActive: true, CycleDays: 1},
			now:  base.AddDate(1, 0, 0),
			want: false,
		},
		{
			name: "inactive never overdue",
			u:    User{IsActive: false, CycleDays: 1, LastCheckinAt: ts(base)},
			now:  base.AddDate(0, 1, 0),
			want: false,
		},
		{
			name: "exactly at deadline with zero grace is not yet overdue",
			u:    User{IsActive: true, CycleDays: 1, GraceHours: 0, LastCheckinAt: ts(base)},
			now:  base.Add(24 * time.Hour),
			want: false,
		},
		{
			name: "one second past deadline with zero grace is overdue",
			u:    User{IsActive: true, CycleDays: 1, GraceHours: 0, LastCheckinAt: ts(base)},
			now:  base.Add(24*time.Hour + time.Second),
			want: true,
		},
		{
			name: "inside grace is not overdue",
			u:    User{IsActive: true, CycleDays: 1, GraceHours: 12, LastCheckinAt: ts(base)},
			now:  base.Add(30 * time.Hour),
			want: false,
		},
		{
			name: "past grace is overdue",
			u:    User{IsActive: true, CycleDays: 1, GraceHours: 12, LastCheckinAt: ts(base)},
			now:  base.Add(36*time.Hour + time.Second),
			want: true,
		},
		{
			name: "multi day cycle",
			u:    User{IsActive: true, CycleDays: 3, GraceHours: 6, LastCheckinAt: ts(base)},
			now:  base.Add(78*time.Hour + time.Minute),
			want: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.u.IsOverdue(tc.now); got != tc.want {
				t.Fatalf("IsOverdue(%v) = %v, want %v", tc.now, got, tc.want)
			}
		})
	}
}

func TestDeadlineAndOverdueAt(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	u := User{IsActive: true, CycleDays: 2, GraceHours: 6, LastCheckinAt: ts(base)}

	if got := u.Deadline(); !got.Equal(base.Add(48 * time.Hour)) {
		t.Fatalf("Deadline = %v", got)
	}
	if got := u.OverdueAt(); !got.Equal(base.Add(54 * time.Hour)) {
		t.Fatalf("OverdueAt = %v", got)
	}
}

func TestLocationFallback(t *testing.T) {
	u := User{Timezone: "not-a-zone"}
	if got := u.Location(nil); got != time.UTC {
		t.Fatalf("bad timezone should fall back to UTC, got %v", got)
	}

	u = User{Timezone: "Europe/Berlin"}
	loc := u.Location(nil)
	if loc.String() != "Europe/Berlin" {
		t.Skipf("tzdata unavailable, got %v", loc)
	}
}
