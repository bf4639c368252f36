package memory

import (
	"context"
	"sync"
	"time"

	"github.com/solocheck/solocheck/internal/domain/dispatch"
)

type DeliveryLogRepo struct {
	mu      sync.Mutex
	entries []dispatch.DeliveryEntry
}

func NewDeliveryLogRepo() *DeliveryLogRepo {
	return &DeliveryLogRepo{}
}

func (r *DeliveryLogRepo) Append(_ context.Context, e dispatch.DeliveryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, e)
	return nil
}

func (r *DeliveryLogRepo) ListByEpisode(_ context.Context, episodeID string) ([]dispatch.DeliveryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []dispatch.DeliveryEntry
	for _, e := range r.entries {
		if e.EpisodeID == episodeID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *DeliveryLogRepo) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0]
	var pruned int64
	for _, e := range r.entries {
		if e.CreatedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	return pruned, nil
}

func (r *DeliveryLogRepo) All() []dispatch.DeliveryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]dispatch.DeliveryEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
