package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/solocheck/solocheck/internal/domain/sos"
)

type SOSRepo struct {
	mu     sync.Mutex
	events map[string]sos.Event
}

func NewSOSRepo() *SOSRepo {
	return &SOSRepo{events: make(map[string]sos.Event)}
}

func (r *SOSRepo) Save(_ context.Context, e sos.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[e.ID] = e
	return nil
}

func (r *SOSRepo) ListActive(_ context.Context) ([]sos.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []sos.Event
	for _, e := range r.events {
		if e.State == sos.StateCountdown || e.State == sos.StateDispatching {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].TriggeredAt.Before(out[k].TriggeredAt) })
	return out, nil
}

func (r *SOSRepo) Get(id string) (sos.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[id]
	return e, ok
}
