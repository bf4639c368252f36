package notify

import (
	"context"
	"sync"
	"time"
)

type ProtectedAdapterConfig struct {
	Timeout          time.Duration // hard timeout per send
	FailureThreshold int           // consecutive transient failures to open circuit
	Cooldown         time.Duration // how long to stay open before half-open
	HalfOpenMaxCalls int           // allow N trial calls in half-open
}

// ProtectedAdapter wraps an adapter with a per-send timeout and a circuit
// breaker. Only transient failures count against the circuit: a provider
// that answers with a terminal rejection is up, just unhappy.
type ProtectedAdapter struct {
	inner Adapter
	cfg   ProtectedAdapterConfig
	mu    sync.Mutex

	state string // "closed" | "open" | "half_open"

	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    int
}

func NewProtectedAdapter(inner Adapter, cfg ProtectedAdapterConfig) *ProtectedAdapter {
	// defaults
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}

	return &ProtectedAdapter{
		inner: inner,
		cfg:   cfg,
		state: "closed",
	}
}

func (a *ProtectedAdapter) Send(ctx context.Context, msg Message) Outcome {
	// fail-fast gate
	if !a.allowRequest() {
		return TransientFail{Reason: "circuit breaker open"}
	}

	// enforce timeout
	sendCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	out := a.inner.Send(sendCtx, msg)

	_, transient := out.(TransientFail)
	a.afterRequest(transient)

	return out
}

func (a *ProtectedAdapter) allowRequest() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case "closed":
		return true
	case "open":
		// cooldown has passed? move to half open
		if time.Since(a.openedAt) >= a.cfg.Cooldown {
			a.state = "half_open"
			a.halfOpenInFlight = 0
		} else {
			return false
		}
		a.halfOpenInFlight++
		return true
	case "half_open":
		if a.halfOpenInFlight >= a.cfg.HalfOpenMaxCalls {
			return false
		}
		a.halfOpenInFlight++
		return true
	default:
		// safe fallback
		return true
	}
}

func (a *ProtectedAdapter) afterRequest(failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// half-open call just finished
	if a.state == "half_open" && a.halfOpenInFlight > 0 {
		a.halfOpenInFlight--
	}

	if !failed {
		// success => close circuit and reset counters
		a.consecutiveFailures = 0
		a.state = "closed"
		return
	}

	a.consecutiveFailures++

	// if half-open failed, reopen immediately
	if a.state == "half_open" {
		a.state = "open"
		a.openedAt = time.Now()
		return
	}

	// if failures reached threshold, open circuit
	if a.consecutiveFailures >= a.cfg.FailureThreshold {
		a.state = "open"
		a.openedAt = time.Now()
	}
}
