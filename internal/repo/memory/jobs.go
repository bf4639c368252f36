// Package memory holds in-memory repositories with the same method sets
// as the postgres ones. They back dev mode and the component tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/solocheck/solocheck/internal/domain/dispatch"
)

type JobsRepo struct {
	mu   sync.Mutex
	jobs map[string]*dispatch.Job
}

func NewJobsRepo() *JobsRepo {
	return &JobsRepo{jobs: make(map[string]*dispatch.Job)}
}

func (r *JobsRepo) Enqueue(_ context.Context, j dispatch.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := j
	r.jobs[j.ID] = &cp
	return nil
}

func (r *JobsRepo) Claim(_ context.Context, workerID string, now time.Time, lease time.Duration) (dispatch.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ready []*dispatch.Job
	for _, j := range r.jobs {
		if j.State == dispatch.StateQueued && !j.NotBefore.After(now) {
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 {
		return dispatch.Job{}, dispatch.ErrJobNotFound
	}

	sort.Slice(ready, func(i, k int) bool {
		if !ready[i].NotBefore.Equal(ready[k].NotBefore) {
			return ready[i].NotBefore.Before(ready[k].NotBefore)
		}
		return ready[i].CreatedAt.Before(ready[k].CreatedAt)
	})

	j := ready[0]
	j.State = dispatch.StateInFlight
	j.ClaimedBy = &workerID
	exp := now.Add(lease)
	j.ClaimExpiresAt = &exp
	j.UpdatedAt = now
	return *j, nil
}

func (r *JobsRepo) ExtendClaim(_ context.Context, id string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.State != dispatch.StateInFlight {
		return dispatch.ErrJobNotFound
	}
	j.ClaimExpiresAt = &until
	return nil
}

func (r *JobsRepo) MarkDelivered(_ context.Context, id string, now time.Time) error {
	return r.mark(id, dispatch.StateDelivered, nil, now)
}

func (r *JobsRepo) MarkDead(_ context.Context, id string, errMsg string, now time.Time) error {
	msg := dispatch.TruncateError(errMsg)
	return r.mark(id, dispatch.StateDead, &msg, now)
}

func (r *JobsRepo) MarkFailed(_ context.Context, id string, errMsg string, now time.Time) error {
	msg := dispatch.TruncateError(errMsg)
	return r.mark(id, dispatch.StateFailed, &msg, now)
}

func (r *JobsRepo) mark(id string, state dispatch.State, errMsg *string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return dispatch.ErrJobNotFound
	}
	j.State = state
	j.ClaimedBy = nil
	j.ClaimExpiresAt = nil
	j.LastError = errMsg
	j.UpdatedAt = now
	return nil
}

func (r *JobsRepo) RequeueExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, j := range r.jobs {
		if j.State == dispatch.StateInFlight && j.ClaimExpiresAt != nil && j.ClaimExpiresAt.Before(now) {
			j.State = dispatch.StateQueued
			j.ClaimedBy = nil
			j.ClaimExpiresAt = nil
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *JobsRepo) CountQueued(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, j := range r.jobs {
		if j.State == dispatch.StateQueued {
			n++
		}
	}
	return n, nil
}

func (r *JobsRepo) CountActiveForEpisode(_ context.Context, episodeID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, j := range r.jobs {
		if j.EpisodeID == episodeID &&
			(j.State == dispatch.StateQueued || j.State == dispatch.StateInFlight) {
			n++
		}
	}
	return n, nil
}

func (r *JobsRepo) ListByEpisode(_ context.Context, episodeID string) ([]dispatch.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []dispatch.Job
	for _, j := range r.jobs {
		if j.EpisodeID == episodeID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// All returns every job, for test assertions.
func (r *JobsRepo) All() []dispatch.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]dispatch.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}
