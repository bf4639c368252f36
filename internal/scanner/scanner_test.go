package scanner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/solocheck/solocheck/internal/clock"
	"github.com/solocheck/solocheck/internal/consent"
	"github.com/solocheck/solocheck/internal/domain/alert"
	"github.com/solocheck/solocheck/internal/domain/contact"
	"github.com/solocheck/solocheck/internal/domain/dispatch"
	"github.com/solocheck/solocheck/internal/domain/user"
	"github.com/solocheck/solocheck/internal/domain/vault"
	"github.com/solocheck/solocheck/internal/repo/memory"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	clk      *clock.Fake
	users    *memory.UsersRepo
	contacts *memory.ContactsRepo
	jobs     *memory.JobsRepo
	episodes *memory.EpisodesRepo
	scan     *Scanner
	woken    int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		clk:      clock.NewFake(t0),
		users:    memory.NewUsersRepo(),
		contacts: memory.NewContactsRepo(),
		jobs:     memory.NewJobsRepo(),
	}
	h.episodes = memory.NewEpisodesRepo(h.jobs, h.users)

	gate := consent.NewGate(h.contacts, nil, h.clk)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	h.scan = New(h.users, h.episodes, h.jobs, gate, h.clk, log, nil, cfg)
	h.scan.SetWake(func() { h.woken++ })
	return h
}

func (h *harness) addOverdueUser(id string) user.User {
	checkin := t0.Add(-25 * time.Hour) // cycle 1d, zero grace: overdue 1h ago
	u := user.User{
		ID: id, Name: "Ada", Email: id + "@example.com",
		CycleDays: 1, IsActive: true, LastCheckinAt: &checkin,
	}
	h.users.Put(u)
	return u
}

func (h *harness) addApprovedContact(id, userID string, ch contact.Channel, prio int) {
	h.contacts.Put(contact.Contact{
		ID: id, UserID: userID, Name: "Grace",
		Channel: ch, Address: id + "@dest", Priority: prio,
		ConsentStatus: contact.ConsentApproved, CreatedAt: t0.Add(-time.Hour),
	})
}

func TestTickOpensEpisodeWithJobs(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10})
	u := h.addOverdueUser("u-1")
	h.addApprovedContact("c-1", "u-1", contact.ChannelEmail, 1)
	h.addApprovedContact("c-2", "u-1", contact.ChannelPush, 2)

	if err := h.scan.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	epID := alert.EpisodeID("u-1", u.Deadline())
	ep, err := h.episodes.GetByID(context.Background(), epID)
	if err != nil {
		t.Fatalf("episode not opened: %v", err)
	}
	if !ep.IsOpen() || ep.Kind != alert.KindMissedCheckin {
		t.Fatalf("episode = %+v", ep)
	}

	jobs, _ := h.jobs.ListByEpisode(context.Background(), epID)
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want one per eligible contact", len(jobs))
	}
	for _, j := range jobs {
		if j.State != dispatch.StateQueued || j.Kind != dispatch.KindAlert {
			t.Fatalf("job = %+v", j)
		}
	}
	if h.woken != 1 {
		t.Fatalf("worker wake calls = %d, want 1", h.woken)
	}
}

func TestTickIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10})
	u := h.addOverdueUser("u-1")
	h.addApprovedContact("c-1", "u-1", contact.ChannelEmail, 1)

	for i := 0; i < 3; i++ {
		if err := h.scan.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	epID := alert.EpisodeID("u-1", u.Deadline())
	jobs, _ := h.jobs.ListByEpisode(context.Background(), epID)
	if len(jobs) != 1 {
		t.Fatalf("jobs after 3 ticks = %d, want 1", len(jobs))
	}
}

func TestGraceEditKeepsEpisodeIdentity(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10})
	h.addApprovedContact("c-1", "u-1", contact.ChannelEmail, 1)

	checkin := t0.Add(-30 * time.Hour)
	u := user.User{
		ID: "u-1", Name: "Ada", CycleDays: 1, GraceHours: 2,
		IsActive: true, LastCheckinAt: &checkin,
	}
	h.users.Put(u)

	if err := h.scan.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Widening the grace mid-window must not mint a second episode: the id
	// is anchored on the missed deadline, not on deadline+grace.
	u.GraceHours = 4
	h.users.Put(u)

	if err := h.scan.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	open, _ := h.episodes.ListOpenMissedCheckin(context.Background(), 0)
	if len(open) != 1 {
		t.Fatalf("episodes = %d, want 1 across the grace edit", len(open))
	}
	if want := alert.EpisodeID("u-1", u.Deadline()); open[0].ID != want {
		t.Fatalf("episode id = %q, want %q", open[0].ID, want)
	}
	jobs, _ := h.jobs.ListByEpisode(context.Background(), open[0].ID)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
}

func TestUserWithoutBaselineIsSkipped(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10})
	h.users.Put(user.User{ID: "u-new", Name: "New", CycleDays: 1, IsActive: true})
	h.addApprovedContact("c-1", "u-new", contact.ChannelEmail, 1)

	if err := h.scan.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if open, _ := h.episodes.ListOpenMissedCheckin(context.Background(), 0); len(open) != 0 {
		t.Fatalf("episodes opened for a user who never checked in: %d", len(open))
	}
}

func TestDeadlineBoundary(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10})
	h.addApprovedContact("c-1", "u-edge", contact.ChannelEmail, 1)

	// Exactly at the deadline: not overdue yet.
	atDeadline := t0.Add(-24 * time.Hour)
	h.users.Put(user.User{ID: "u-edge", Name: "E", CycleDays: 1, IsActive: true, LastCheckinAt: &atDeadline})

	if err := h.scan.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if open, _ := h.episodes.ListOpenMissedCheckin(context.Background(), 0); len(open) != 0 {
		t.Fatal("user exactly at deadline must not trigger an episode")
	}

	// One second past: overdue.
	h.clk.Advance(time.Second)
	if err := h.scan.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if open, _ := h.episodes.ListOpenMissedCheckin(context.Background(), 0); len(open) != 1 {
		t.Fatal("one second past the deadline must trigger an episode")
	}
}

func TestNoEligibleContactsClosesImmediately(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10})
	u := h.addOverdueUser("u-1")
	h.contacts.Put(contact.Contact{
		ID: "c-rej", UserID: "u-1", Channel: contact.ChannelEmail,
		Priority: 1, ConsentStatus: contact.ConsentRejected, CreatedAt: t0,
	})

	if err := h.scan.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	epID := alert.EpisodeID("u-1", u.Deadline())
	ep, err := h.episodes.GetByID(context.Background(), epID)
	if err != nil {
		t.Fatal(err)
	}
	if ep.IsOpen() {
		t.Fatal("episode with zero eligible contacts should be closed at creation")
	}
	if jobs, _ := h.jobs.ListByEpisode(context.Background(), epID); len(jobs) != 0 {
		t.Fatalf("jobs = %d, want 0", len(jobs))
	}
}

func TestSweepCancelsAfterCheckin(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10})
	u := h.addOverdueUser("u-1")
	h.addApprovedContact("c-1", "u-1", contact.ChannelEmail, 1)

	if err := h.scan.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	epID := alert.EpisodeID("u-1", u.Deadline())

	// The user checks in before any job is delivered.
	h.users.Checkin("u-1", h.clk.Now())

	if err := h.scan.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	ep, _ := h.episodes.GetByID(context.Background(), epID)
	if ep.IsOpen() || ep.Resolution != alert.ResolutionUserCheckedIn {
		t.Fatalf("episode = %+v, want cancelled user_checked_in", ep)
	}
	jobs, _ := h.jobs.ListByEpisode(context.Background(), epID)
	if jobs[0].State != dispatch.StateDead {
		t.Fatalf("job state = %q, want dead", jobs[0].State)
	}
}

func TestBackpressureHalvesBatch(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 2, DepthThreshold: 1})
	h.addOverdueUser("u-1")
	h.addOverdueUser("u-2")
	h.addApprovedContact("c-1", "u-1", contact.ChannelEmail, 1)
	h.addApprovedContact("c-2", "u-2", contact.ChannelEmail, 1)

	// Pre-existing queue depth above the threshold.
	for i := 0; i < 2; i++ {
		j := dispatch.New(dispatch.NewJobRequest{
			Kind: dispatch.KindReminder, UserID: "other",
			Channel: contact.ChannelPush, Payload: []byte(`{}`),
		}, t0)
		if err := h.jobs.Enqueue(context.Background(), j); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.scan.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	open, _ := h.episodes.ListOpenMissedCheckin(context.Background(), 0)
	if len(open) != 1 {
		t.Fatalf("episodes opened under backpressure = %d, want 1 (halved batch)", len(open))
	}
}

func TestPayloadDisclosure(t *testing.T) {
	key := testPayloadKey(t)
	h := newHarness(t, Config{BatchSize: 10, PayloadKey: key})

	checkin := t0.Add(-25 * time.Hour)
	msg := seal(t, key, "Call my sister first.")
	h.users.Put(user.User{
		ID: "u-1", Name: "Ada", Email: "a@example.com",
		CycleDays: 1, IsActive: true, LastCheckinAt: &checkin,
		PersonalMessage: &msg, IncludeMessage: true,
		LocationConsent: true,
	})
	h.users.PutPets("u-1",
		user.Pet{UserID: "u-1", Name: "Miso", Species: "cat", CareNotes: "indoor only", IncludeInAlert: true},
		user.Pet{UserID: "u-1", Name: "Rex", Species: "dog", IncludeInAlert: false},
	)
	h.users.PutVaultEntries("u-1",
		vault.Entry{UserID: "u-1", Label: "Door code", Ciphertext: seal(t, key, "4711"), IncludeInAlert: true},
		vault.Entry{UserID: "u-1", Label: "Broken", Ciphertext: "garbage", IncludeInAlert: true},
	)
	h.users.PutLocation("u-1", 52.52, 13.405, t0.Add(-time.Hour))
	h.addApprovedContact("c-1", "u-1", contact.ChannelEmail, 1)

	if err := h.scan.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	u, _ := h.users.GetByID(context.Background(), "u-1")
	epID := alert.EpisodeID("u-1", u.Deadline())
	jobs, _ := h.jobs.ListByEpisode(context.Background(), epID)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d", len(jobs))
	}

	var p dispatch.AlertPayload
	if err := json.Unmarshal(jobs[0].Payload, &p); err != nil {
		t.Fatal(err)
	}

	if p.PersonalMessage != "Call my sister first." {
		t.Fatalf("personal message = %q", p.PersonalMessage)
	}
	if len(p.Pets) != 1 || p.Pets[0] != "Miso (cat): indoor only" {
		t.Fatalf("pets = %v", p.Pets)
	}
	// The undecryptable entry degrades to omission.
	if len(p.VaultEntries) != 1 || p.VaultEntries[0] != "Door code: 4711" {
		t.Fatalf("vault entries = %v", p.VaultEntries)
	}
	if p.Lat == nil || *p.Lat != 52.52 {
		t.Fatalf("lat = %v", p.Lat)
	}
}

func testPayloadKey(t *testing.T) *[32]byte {
	t.Helper()
	var key [32]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	return &key
}

func seal(t *testing.T, key *[32]byte, plaintext string) string {
	t.Helper()
	s, err := vault.Seal(key, []byte(plaintext))
	if err != nil {
		t.Fatal(err)
	}
	return s
}
