package sos

import (
	"testing"
	"time"
)

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateCountdown, StateCancelled, true},
		{StateCountdown, StateDispatching, true},
		{StateCountdown, StateSent, false},
		{StateDispatching, StateSent, true},
		{StateDispatching, StateCancelled, false},
		{StateCancelled, StateDispatching, false},
		{StateSent, StateCountdown, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTerminal(t *testing.T) {
	if !StateCancelled.Terminal() || !StateSent.Terminal() {
		t.Fatal("cancelled and sent are terminal")
	}
	if StateCountdown.Terminal() || StateDispatching.Terminal() {
		t.Fatal("countdown and dispatching are not terminal")
	}
}

func TestNewEvent(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	lat, lng := 52.52, 13.405

	e := New("u-1", now, 5*time.Second, &lat, &lng)

	if e.State != StateCountdown {
		t.Fatalf("state = %q, want countdown", e.State)
	}
	if !e.CountdownDeadline.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("deadline = %v", e.CountdownDeadline)
	}
	if e.Lat == nil || *e.Lat != lat {
		t.Fatal("lat not carried")
	}
	if e.ID == "" {
		t.Fatal("missing id")
	}
}
