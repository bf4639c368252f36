package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/solocheck/solocheck/internal/domain/dispatch"
	"github.com/solocheck/solocheck/internal/domain/reminder"
	"github.com/solocheck/solocheck/internal/repo/postgres"
)

type RemindersRepo struct {
	mu       sync.Mutex
	settings map[string]reminder.Settings
	fired    map[reminder.FiredKey]bool
	jobs     *JobsRepo
	users    *UsersRepo
}

func NewRemindersRepo(jobs *JobsRepo, users *UsersRepo) *RemindersRepo {
	return &RemindersRepo{
		settings: make(map[string]reminder.Settings),
		fired:    make(map[reminder.FiredKey]bool),
		jobs:     jobs,
		users:    users,
	}
}

func (r *RemindersRepo) PutSettings(s reminder.Settings) {
	s.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[s.UserID] = s
}

func (r *RemindersRepo) Candidates(ctx context.Context, limit int) ([]postgres.Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []postgres.Candidate
	for userID, s := range r.settings {
		u, err := r.users.GetByID(ctx, userID)
		if err != nil {
			continue
		}
		if !u.IsActive || u.LastCheckinAt == nil {
			continue
		}
		out = append(out, postgres.Candidate{User: u, Settings: s})
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].User.LastCheckinAt.Before(*out[k].User.LastCheckinAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RemindersRepo) SettingsFor(_ context.Context, userID string) (reminder.Settings, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.settings[userID]
	return s, ok, nil
}

func (r *RemindersRepo) FireAndEnqueue(ctx context.Context, key reminder.FiredKey, job dispatch.Job) (bool, error) {
	key.CycleAnchor = key.CycleAnchor.UTC()

	r.mu.Lock()
	if r.fired[key] {
		r.mu.Unlock()
		return false, nil
	}
	r.fired[key] = true
	r.mu.Unlock()

	if err := r.jobs.Enqueue(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

func (r *RemindersRepo) FiredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}
