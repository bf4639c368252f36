package notify

import (
	"context"
	"testing"
	"time"
)

// scripted returns its outcomes in order, then repeats the last one.
type scripted struct {
	outcomes []Outcome
	calls    int
}

func (s *scripted) Send(_ context.Context, _ Message) Outcome {
	i := s.calls
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	s.calls++
	return s.outcomes[i]
}

func TestBreakerOpensAfterConsecutiveTransients(t *testing.T) {
	inner := &scripted{outcomes: []Outcome{TransientFail{Reason: "down"}}}
	a := NewProtectedAdapter(inner, ProtectedAdapterConfig{
		FailureThreshold: 3,
		Cooldown:         time.Hour,
	})

	for i := 0; i < 3; i++ {
		a.Send(context.Background(), Message{})
	}
	if inner.calls != 3 {
		t.Fatalf("inner calls = %d, want 3", inner.calls)
	}

	out := a.Send(context.Background(), Message{})
	tf, ok := out.(TransientFail)
	if !ok || tf.Reason != "circuit breaker open" {
		t.Fatalf("open-circuit outcome = %#v", out)
	}
	if inner.calls != 3 {
		t.Fatalf("open circuit still called inner: %d", inner.calls)
	}
}

func TestBreakerIgnoresTerminalRejections(t *testing.T) {
	inner := &scripted{outcomes: []Outcome{ProviderReject{Reason: "spam"}}}
	a := NewProtectedAdapter(inner, ProtectedAdapterConfig{
		FailureThreshold: 2,
		Cooldown:         time.Hour,
	})

	for i := 0; i < 10; i++ {
		a.Send(context.Background(), Message{})
	}
	if inner.calls != 10 {
		t.Fatalf("terminal rejections should not open the circuit, calls = %d", inner.calls)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	inner := &scripted{outcomes: []Outcome{
		TransientFail{Reason: "down"},
		TransientFail{Reason: "down"},
		Sent{ProviderMsgID: "ok"},
	}}
	a := NewProtectedAdapter(inner, ProtectedAdapterConfig{
		FailureThreshold: 2,
		Cooldown:         10 * time.Millisecond,
	})

	a.Send(context.Background(), Message{})
	a.Send(context.Background(), Message{}) // circuit opens

	time.Sleep(20 * time.Millisecond) // cooldown elapses

	out := a.Send(context.Background(), Message{}) // half-open trial succeeds
	if _, ok := out.(Sent); !ok {
		t.Fatalf("half-open trial outcome = %#v, want Sent", out)
	}

	// Circuit closed again: calls pass straight through.
	out = a.Send(context.Background(), Message{})
	if _, ok := out.(Sent); !ok {
		t.Fatalf("post-recovery outcome = %#v, want Sent", out)
	}
	if inner.calls != 4 {
		t.Fatalf("inner calls = %d, want 4", inner.calls)
	}
}
