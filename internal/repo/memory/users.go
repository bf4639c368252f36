package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/solocheck/solocheck/internal/domain/user"
	"github.com/solocheck/solocheck/internal/domain/vault"
	"github.com/solocheck/solocheck/internal/repo/postgres"
)

type location struct {
	lat, lng   float64
	recordedAt time.Time
}

type UsersRepo struct {
	mu        sync.Mutex
	users     map[string]user.User
	pets      map[string][]user.Pet
	vaults    map[string][]vault.Entry
	locations map[string][]location
}

func NewUsersRepo() *UsersRepo {
	return &UsersRepo{
		users:     make(map[string]user.User),
		pets:      make(map[string][]user.Pet),
		vaults:    make(map[string][]vault.Entry),
		locations: make(map[string][]location),
	}
}

func (r *UsersRepo) Put(u user.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
}

// Checkin moves the user's baseline, the way the wider system's check-in
// handler would.
func (r *UsersRepo) Checkin(userID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return
	}
	t := at
	u.LastCheckinAt = &t
	r.users[userID] = u
}

func (r *UsersRepo) PutPets(userID string, pets ...user.Pet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pets[userID] = append(r.pets[userID], pets...)
}

func (r *UsersRepo) PutVaultEntries(userID string, entries ...vault.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vaults[userID] = append(r.vaults[userID], entries...)
}

func (r *UsersRepo) PutLocation(userID string, lat, lng float64, recordedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locations[userID] = append(r.locations[userID], location{lat: lat, lng: lng, recordedAt: recordedAt})
}

func (r *UsersRepo) ListOverdue(_ context.Context, now time.Time, limit int) ([]user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []user.User
	for _, u := range r.users {
		if u.IsOverdue(now) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].LastCheckinAt.Before(*out[k].LastCheckinAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *UsersRepo) GetByID(_ context.Context, id string) (user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return user.User{}, postgres.ErrUserNotFound
	}
	return u, nil
}

func (r *UsersRepo) PetsForAlert(_ context.Context, userID string) ([]user.Pet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []user.Pet
	for _, p := range r.pets[userID] {
		if p.IncludeInAlert {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (r *UsersRepo) VaultEntriesForAlert(_ context.Context, userID string) ([]vault.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []vault.Entry
	for _, e := range r.vaults[userID] {
		if e.IncludeInAlert {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Label < out[k].Label })
	return out, nil
}

func (r *UsersRepo) LatestLocation(_ context.Context, userID string) (lat, lng float64, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, found := r.users[userID]
	if !found || !u.LocationConsent {
		return 0, 0, false, nil
	}

	locs := r.locations[userID]
	if len(locs) == 0 {
		return 0, 0, false, nil
	}

	latest := locs[0]
	for _, l := range locs[1:] {
		if l.recordedAt.After(latest.recordedAt) {
			latest = l
		}
	}
	return latest.lat, latest.lng, true, nil
}
