package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/solocheck/solocheck/internal/domain/contact"
	"github.com/solocheck/solocheck/internal/repo/postgres"
)

type ContactsRepo struct {
	mu       sync.Mutex
	contacts map[string]contact.Contact
}

func NewContactsRepo() *ContactsRepo {
	return &ContactsRepo{contacts: make(map[string]contact.Contact)}
}

func (r *ContactsRepo) Put(cs ...contact.Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cs {
		r.contacts[c.ID] = c
	}
}

func (r *ContactsRepo) ListByUser(_ context.Context, userID string) ([]contact.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []contact.Contact
	for _, c := range r.contacts {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority < out[k].Priority
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

func (r *ContactsRepo) GetByID(_ context.Context, id string) (contact.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contacts[id]
	if !ok {
		return contact.Contact{}, postgres.ErrContactNotFound
	}
	return c, nil
}
