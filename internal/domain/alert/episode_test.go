package alert

import (
	"testing"
	"time"
)

func TestEpisodeIDDeterministic(t *testing.T) {
	window := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	a := EpisodeID("user-1", window)
	b := EpisodeID("user-1", window)
	if a != b {
		t.Fatalf("same inputs produced different ids: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("id should be 16 hex chars, got %q", a)
	}
}

func TestEpisodeIDLocationIndependent(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	utc := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if got := EpisodeID("user-1", utc.In(loc)); got != EpisodeID("user-1", utc) {
		t.Fatal("id should not depend on the time's location")
	}
}

func TestEpisodeIDDistinct(t *testing.T) {
	window := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if EpisodeID("user-1", window) == EpisodeID("user-2", window) {
		t.Fatal("different users collided")
	}
	if EpisodeID("user-1", window) == EpisodeID("user-1", window.Add(time.Second)) {
		t.Fatal("different windows collided")
	}
}

func TestNewEpisodeOpen(t *testing.T) {
	window := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := window.Add(time.Minute)

	ep := New("user-1", KindMissedCheckin, window, now)
	if !ep.IsOpen() {
		t.Fatal("new episode should be open")
	}
	if ep.ID != EpisodeID("user-1", window) {
		t.Fatalf("unexpected id %q", ep.ID)
	}
	if !ep.OpenedAt.Equal(now) {
		t.Fatalf("opened_at = %v, want %v", ep.OpenedAt, now)
	}
}

func TestCloseResolutionByKind(t *testing.T) {
	if got := KindMissedCheckin.CloseResolution(); got != ResolutionAllContactsDispatched {
		t.Fatalf("missed_checkin close resolution = %q", got)
	}
	if got := KindSOS.CloseResolution(); got != ResolutionSOSSent {
		t.Fatalf("sos close resolution = %q", got)
	}
}
