package dispatch

import (
	"strings"
	"testing"
	"time"

	"github.com/solocheck/solocheck/internal/domain/contact"
)

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateQueued, StateInFlight, true},
		{StateQueued, StateDead, true},
		{StateQueued, StateDelivered, false},
		{StateInFlight, StateDelivered, true},
		{StateInFlight, StateFailed, true},
		{StateInFlight, StateDead, true},
		{StateInFlight, StateQueued, true}, // lease expiry
		{StateFailed, StateDead, true},
		{StateFailed, StateQueued, false},
		{StateDelivered, StateQueued, false},
		{StateDead, StateQueued, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestNewJobDefaults(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	j := New(NewJobRequest{
		Kind:      KindAlert,
		EpisodeID: "ep-1",
		ContactID: "c-1",
		UserID:    "u-1",
		Channel:   contact.ChannelEmail,
		Payload:   []byte(`{}`),
	}, now)

	if j.State != StateQueued {
		t.Fatalf("state = %q, want queued", j.State)
	}
	if j.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", j.Attempt)
	}
	if !j.NotBefore.Equal(now) {
		t.Fatalf("not_before = %v, want now", j.NotBefore)
	}
	if j.ID == "" {
		t.Fatal("missing id")
	}
}

func TestRetryCarriesKey(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	j := New(NewJobRequest{
		Kind:      KindAlert,
		EpisodeID: "ep-1",
		ContactID: "c-1",
		UserID:    "u-1",
		Channel:   contact.ChannelPush,
		SOS:       true,
		Payload:   []byte(`{"a":1}`),
	}, now)

	notBefore := now.Add(45 * time.Second)
	r := j.Retry(notBefore, now.Add(time.Second))

	if r.ID == j.ID {
		t.Fatal("retry must be a fresh row")
	}
	if r.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", r.Attempt)
	}
	if r.EpisodeID != j.EpisodeID || r.ContactID != j.ContactID || r.Channel != j.Channel {
		t.Fatal("retry changed the ledger key fields")
	}
	if !r.SOS {
		t.Fatal("retry dropped the sos flag")
	}
	if !r.NotBefore.Equal(notBefore) {
		t.Fatalf("not_before = %v, want %v", r.NotBefore, notBefore)
	}
	if r.State != StateQueued {
		t.Fatalf("retry state = %q, want queued", r.State)
	}
}

func TestTruncateError(t *testing.T) {
	long := strings.Repeat("x", 600)
	if got := TruncateError(long); len(got) != 512 {
		t.Fatalf("len = %d, want 512", len(got))
	}
	if got := TruncateError("short"); got != "short" {
		t.Fatalf("short string mangled: %q", got)
	}
}

func TestLedgerTerminal(t *testing.T) {
	terminal := map[Outcome]bool{
		OutcomeSent:             true,
		OutcomeProviderReject:   true,
		OutcomeInvalidAddress:   true,
		OutcomeTransientFail:    false,
		OutcomeSkippedDuplicate: false,
	}
	for o, want := range terminal {
		if got := o.LedgerTerminal(); got != want {
			t.Errorf("%s: LedgerTerminal = %v, want %v", o, got, want)
		}
	}
}
