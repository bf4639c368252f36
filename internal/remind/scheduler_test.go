package remind

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/solocheck/solocheck/internal/clock"
	"github.com/solocheck/solocheck/internal/domain/contact"
	"github.com/solocheck/solocheck/internal/domain/dispatch"
	"github.com/solocheck/solocheck/internal/domain/reminder"
	"github.com/solocheck/solocheck/internal/domain/user"
	"github.com/solocheck/solocheck/internal/repo/memory"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	clk   *clock.Fake
	users *memory.UsersRepo
	jobs  *memory.JobsRepo
	src   *memory.RemindersRepo
	sched *Scheduler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		clk:   clock.NewFake(t0),
		users: memory.NewUsersRepo(),
		jobs:  memory.NewJobsRepo(),
	}
	h.src = memory.NewRemindersRepo(h.jobs, h.users)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.sched = NewScheduler(h.src, h.jobs, h.clk, log, nil, cfg)
	return h
}

func (h *harness) addUser(id string, checkin time.Time, tz string) {
	token := "device-" + id
	h.users.Put(user.User{
		ID: id, Name: "Ada", CycleDays: 1, IsActive: true,
		LastCheckinAt: &checkin, DevicePushToken: &token, Timezone: tz,
	})
}

func sp(v string) *string { return &v }

func TestReminderFiresOnceForItsWindow(t *testing.T) {
	h := newHarness(t, Config{Period: time.Hour})

	// Deadline t0+12h, one reminder 12h before: fire-at lands on t0.
	h.addUser("u-1", t0.Add(-12*time.Hour), "")
	h.src.PutSettings(reminder.Settings{
		UserID: "u-1", HoursBefore: []int{12}, PushEnabled: true,
	})

	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	jobs := h.jobs.All()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	j := jobs[0]
	if j.Kind != dispatch.KindReminder || j.Channel != contact.ChannelPush {
		t.Fatalf("job = %+v", j)
	}
	if !j.NotBefore.Equal(t0) {
		t.Fatalf("NotBefore = %v, want fire-at %v", j.NotBefore, t0)
	}

	var p dispatch.ReminderPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.HoursBefore != 12 || !p.DeadlineAt.Equal(t0.Add(12*time.Hour)) {
		t.Fatalf("payload = %+v", p)
	}

	// Re-ticks within the same cycle never duplicate.
	for i := 0; i < 3; i++ {
		if err := h.sched.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(h.jobs.All()); got != 1 {
		t.Fatalf("jobs after re-ticks = %d, want 1", got)
	}
	if h.src.FiredCount() != 1 {
		t.Fatalf("fired pins = %d, want 1", h.src.FiredCount())
	}
}

func TestReminderMidWindowKeepsFireAt(t *testing.T) {
	h := newHarness(t, Config{Period: time.Hour})

	// Fire-at lands 30 minutes into the scheduling window.
	h.addUser("u-1", t0.Add(-12*time.Hour).Add(30*time.Minute), "")
	h.src.PutSettings(reminder.Settings{
		UserID: "u-1", HoursBefore: []int{12}, PushEnabled: true,
	})

	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	jobs := h.jobs.All()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	want := t0.Add(30 * time.Minute)
	if !jobs[0].NotBefore.Equal(want) {
		t.Fatalf("NotBefore = %v, want %v", jobs[0].NotBefore, want)
	}
}

func TestFreshCheckinRearmsReminders(t *testing.T) {
	h := newHarness(t, Config{Period: time.Hour})
	h.addUser("u-1", t0.Add(-12*time.Hour), "")
	h.src.PutSettings(reminder.Settings{
		UserID: "u-1", HoursBefore: []int{12}, PushEnabled: true,
	})

	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A new check-in starts a new cycle with its own fired pin.
	h.users.Checkin("u-1", t0)
	h.clk.Advance(11*time.Hour + 30*time.Minute)

	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(h.jobs.All()); got != 2 {
		t.Fatalf("jobs = %d, want 2 (one per cycle)", got)
	}
	if h.src.FiredCount() != 2 {
		t.Fatalf("fired pins = %d, want 2", h.src.FiredCount())
	}
}

func TestQuietHoursSuppressAcrossMidnight(t *testing.T) {
	// Clock at 03:00 UTC, fire-at now, quiet window 22:00-07:00.
	night := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{Period: time.Hour})
	h.clk.Set(night)

	h.addUser("u-1", night.Add(-12*time.Hour), "UTC")
	h.src.PutSettings(reminder.Settings{
		UserID: "u-1", HoursBefore: []int{12}, PushEnabled: true,
		QuietStart: sp("22:00"), QuietEnd: sp("07:00"),
	})

	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(h.jobs.All()); got != 0 {
		t.Fatalf("jobs during quiet hours = %d, want 0", got)
	}
	if h.src.FiredCount() != 0 {
		t.Fatal("suppressed reminder must not consume its fired pin")
	}
}

func TestPushDisabledOrTokenlessSkips(t *testing.T) {
	h := newHarness(t, Config{Period: time.Hour})

	h.addUser("u-off", t0.Add(-12*time.Hour), "")
	h.src.PutSettings(reminder.Settings{
		UserID: "u-off", HoursBefore: []int{12}, PushEnabled: false,
	})

	checkin := t0.Add(-12 * time.Hour)
	h.users.Put(user.User{
		ID: "u-notoken", Name: "N", CycleDays: 1, IsActive: true,
		LastCheckinAt: &checkin,
	})
	h.src.PutSettings(reminder.Settings{
		UserID: "u-notoken", HoursBefore: []int{12}, PushEnabled: true,
	})

	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(h.jobs.All()); got != 0 {
		t.Fatalf("jobs = %d, want 0", got)
	}
}

func TestBackpressureSkipsWholePass(t *testing.T) {
	h := newHarness(t, Config{Period: time.Hour, DepthThreshold: 1})
	h.addUser("u-1", t0.Add(-12*time.Hour), "")
	h.src.PutSettings(reminder.Settings{
		UserID: "u-1", HoursBefore: []int{12}, PushEnabled: true,
	})

	for i := 0; i < 2; i++ {
		j := dispatch.New(dispatch.NewJobRequest{
			Kind: dispatch.KindAlert, EpisodeID: "ep-1", UserID: "other",
			Channel: contact.ChannelEmail, Payload: []byte(`{}`),
		}, t0)
		if err := h.jobs.Enqueue(context.Background(), j); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.src.FiredCount() != 0 {
		t.Fatal("deep queue should defer the reminder pass entirely")
	}

	// Depth back under the threshold: the reminder is still in its window.
	for _, j := range h.jobs.All() {
		if err := h.jobs.MarkDelivered(context.Background(), j.ID, h.clk.Now()); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.src.FiredCount() != 1 {
		t.Fatalf("fired pins = %d, want 1 after pressure clears", h.src.FiredCount())
	}
}

func TestOffsetOutsideWindowWaits(t *testing.T) {
	h := newHarness(t, Config{Period: time.Hour})

	// Deadline t0+24h with a 12h offset: fire-at is 11h away.
	h.addUser("u-1", t0, "")
	h.src.PutSettings(reminder.Settings{
		UserID: "u-1", HoursBefore: []int{12}, PushEnabled: true,
	})

	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(h.jobs.All()); got != 0 {
		t.Fatalf("jobs = %d, want 0 (fire-at beyond window)", got)
	}
}
