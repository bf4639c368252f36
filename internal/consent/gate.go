// Package consent decides which contacts may receive alerts for a user.
// The gate is a pure query over the contacts store with a short-TTL cache
// in front to damp scanner bursts.
package consent

import (
	"context"
	"sort"
	"time"

	"github.com/solocheck/solocheck/internal/clock"
	"github.com/solocheck/solocheck/internal/domain/contact"
)

type ContactsSource interface {
	ListByUser(ctx context.Context, userID string) ([]contact.Contact, error)
}

// Cache holds recently computed eligible sets. Implementations must treat
// a miss and an error alike (return ok=false); the gate falls through to
// the source.
type Cache interface {
	Get(ctx context.Context, userID string) ([]contact.Contact, bool)
	Set(ctx context.Context, userID string, contacts []contact.Contact)
}

type Gate struct {
	src   ContactsSource
	cache Cache
	clk   clock.Clock
}

func NewGate(src ContactsSource, cache Cache, clk clock.Clock) *Gate {
	return &Gate{src: src, cache: cache, clk: clk}
}

// EligibleContacts returns the contacts allowed to receive alerts for the
// user: consent approved and not expired, ordered by priority ascending
// then creation time.
func (g *Gate) EligibleContacts(ctx context.Context, userID string) ([]contact.Contact, error) {
	if g.cache != nil {
		if cs, ok := g.cache.Get(ctx, userID); ok {
			return cs, nil
		}
	}

	all, err := g.src.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := g.clk.Now()

	eligible := make([]contact.Contact, 0, len(all))
	for _, c := range all {
		if c.EligibleAt(now) {
			eligible = append(eligible, c)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	if g.cache != nil {
		g.cache.Set(ctx, userID, eligible)
	}

	return eligible, nil
}

// Eligible finds one contact in the eligible set. Workers use this to
// re-check consent right before a send.
func (g *Gate) Eligible(ctx context.Context, userID, contactID string) (contact.Contact, bool, error) {
	cs, err := g.EligibleContacts(ctx, userID)
	if err != nil {
		return contact.Contact{}, false, err
	}
	for _, c := range cs {
		if c.ID == contactID {
			return c, true, nil
		}
	}
	return contact.Contact{}, false, nil
}

// DefaultTTL keeps cached sets comfortably under the 30s staleness bound.
const DefaultTTL = 15 * time.Second
