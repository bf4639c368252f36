package notify

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedAdapter honors a provider's rate limit with a token bucket
// in front of the send. Waiting past the caller's deadline becomes a
// transient failure so the worker reschedules instead of dropping.
type RateLimitedAdapter struct {
	inner   Adapter
	limiter *rate.Limiter
}

func NewRateLimitedAdapter(inner Adapter, perSecond float64, burst int) *RateLimitedAdapter {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 1
	}

	return &RateLimitedAdapter{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (a *RateLimitedAdapter) Send(ctx context.Context, msg Message) Outcome {
	if err := a.limiter.Wait(ctx); err != nil {
		return TransientFail{Reason: "rate limit wait: " + err.Error()}
	}
	return a.inner.Send(ctx, msg)
}
