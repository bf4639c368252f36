package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/solocheck/solocheck/internal/domain/alert"
	"github.com/solocheck/solocheck/internal/domain/dispatch"
	"github.com/solocheck/solocheck/internal/repo/postgres"
)

type EpisodesRepo struct {
	mu       sync.Mutex
	episodes map[string]*alert.Episode
	jobs     *JobsRepo
	users    *UsersRepo
}

// NewEpisodesRepo wires the episode store to the jobs repo so OpenWithJobs
// and CancelForUser stay atomic the way the postgres transaction is. The
// users repo may be nil when no check-in guard is exercised.
func NewEpisodesRepo(jobs *JobsRepo, users *UsersRepo) *EpisodesRepo {
	return &EpisodesRepo{
		episodes: make(map[string]*alert.Episode),
		jobs:     jobs,
		users:    users,
	}
}

func (r *EpisodesRepo) OpenWithJobs(ctx context.Context, ep alert.Episode, jobs []dispatch.Job, guard *postgres.CheckinGuard) (postgres.OpenResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if guard != nil && r.users != nil {
		u, err := r.users.GetByID(ctx, guard.UserID)
		if err != nil {
			return "", err
		}
		if u.LastCheckinAt == nil || !u.LastCheckinAt.Equal(guard.LastCheckinAt) {
			return postgres.OpenResultUserCheckedIn, nil
		}
	}

	if _, ok := r.episodes[ep.ID]; ok {
		return postgres.OpenResultAlreadyExists, nil
	}

	cp := ep
	if len(jobs) == 0 {
		t := ep.OpenedAt
		cp.ClosedAt = &t
		cp.Resolution = alert.ResolutionAllContactsDispatched
		r.episodes[cp.ID] = &cp
		return postgres.OpenResultOpenedEmpty, nil
	}

	r.episodes[cp.ID] = &cp
	for _, j := range jobs {
		if err := r.jobs.Enqueue(ctx, j); err != nil {
			return "", err
		}
	}
	return postgres.OpenResultOpened, nil
}

func (r *EpisodesRepo) GetByID(_ context.Context, id string) (alert.Episode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.episodes[id]
	if !ok {
		return alert.Episode{}, alert.ErrEpisodeNotFound
	}
	return *ep, nil
}

func (r *EpisodesRepo) Close(_ context.Context, id string, resolution alert.Resolution, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.episodes[id]
	if !ok || ep.ClosedAt != nil {
		return false, nil
	}
	t := now
	ep.ClosedAt = &t
	ep.Resolution = resolution
	return true, nil
}

func (r *EpisodesRepo) CancelForUser(_ context.Context, userID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cancelled int
	for _, ep := range r.episodes {
		if ep.UserID != userID || ep.Kind != alert.KindMissedCheckin || ep.ClosedAt != nil {
			continue
		}
		t := now
		ep.ClosedAt = &t
		ep.Resolution = alert.ResolutionUserCheckedIn
		cancelled++

		r.jobs.mu.Lock()
		for _, j := range r.jobs.jobs {
			if j.EpisodeID == ep.ID && j.State == dispatch.StateQueued {
				j.State = dispatch.StateDead
				msg := "episode cancelled: user checked in"
				j.LastError = &msg
				j.UpdatedAt = now
			}
		}
		r.jobs.mu.Unlock()
	}
	return cancelled, nil
}

func (r *EpisodesRepo) ListOpenMissedCheckin(_ context.Context, limit int) ([]alert.Episode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []alert.Episode
	for _, ep := range r.episodes {
		if ep.Kind == alert.KindMissedCheckin && ep.ClosedAt == nil {
			out = append(out, *ep)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].OpenedAt.Before(out[k].OpenedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
