package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solocheck/solocheck/internal/domain/dispatch"
	"github.com/solocheck/solocheck/internal/observability"
)

// JobsRepo is the durable dispatch queue: enqueue with delay, claim with
// a visibility lease, extend, terminal marks, and a sweeper that returns
// expired claims to queued.
type JobsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewJobsRepo(pool *pgxpool.Pool, prom *observability.Prom) *JobsRepo {
	return &JobsRepo{pool: pool, prom: prom}
}

func (r *JobsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

const jobColumns = `id, kind, episode_id, contact_id, user_id, channel,
		       attempt, not_before, state, sos, payload,
		       claimed_by, claim_expires_at, last_error,
		       created_at, updated_at`

func scanJob(row pgx.Row) (dispatch.Job, error) {
	var j dispatch.Job
	var kind, channel, state string

	err := row.Scan(
		&j.ID, &kind, &j.EpisodeID, &j.ContactID, &j.UserID, &channel,
		&j.Attempt, &j.NotBefore, &state, &j.SOS, &j.Payload,
		&j.ClaimedBy, &j.ClaimExpiresAt, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return dispatch.Job{}, err
	}

	j.Kind = dispatch.Kind(kind)
	j.Channel = channelFromString(channel)
	j.State = dispatch.State(state)
	return j, nil
}

func (r *JobsRepo) Enqueue(ctx context.Context, j dispatch.Job) error {
	op := "dispatch_jobs.enqueue"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
		INSERT INTO dispatch_jobs(
			id, kind, episode_id, contact_id, user_id, channel,
			attempt, not_before, state, sos, payload,
			claimed_by, claim_expires_at, last_error,
			created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,
			$7,$8,$9,$10,$11,
			$12,$13,$14,
			$15,$16
		)
	`, j.ID, string(j.Kind), j.EpisodeID, j.ContactID, j.UserID, string(j.Channel),
			j.Attempt, j.NotBefore, string(j.State), j.SOS, j.Payload,
			j.ClaimedBy, j.ClaimExpiresAt, j.LastError,
			j.CreatedAt, j.UpdatedAt)
		return err
	})
}

// Claim claims the next ready job using the SKIP LOCKED pattern: queued,
// not_before due, ordered so earlier-enqueued (higher-priority) jobs go
// first. The claim leases the job until claim_expires_at.
func (r *JobsRepo) Claim(ctx context.Context, workerID string, now time.Time, lease time.Duration) (dispatch.Job, error) {
	var j dispatch.Job
	var err error

	op := "dispatch_jobs.claim"

	err = r.observe(op, func() error {
		j, err = scanJob(r.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id
			FROM dispatch_jobs
			WHERE state = 'queued'
			  AND not_before <= $2
			ORDER BY not_before ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE dispatch_jobs
		SET state = 'in_flight',
		    claimed_by = $1,
		    claim_expires_at = $3,
		    updated_at = $2
		WHERE id = (SELECT id FROM next)
		RETURNING `+jobColumns, workerID, now, now.Add(lease)))
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatch.Job{}, dispatch.ErrJobNotFound // no job available
		}
		return dispatch.Job{}, err
	}

	return j, nil
}

func (r *JobsRepo) ExtendClaim(ctx context.Context, id string, until time.Time) error {
	var tag pgconn.CommandTag
	var err error

	op := "dispatch_jobs.extend_claim"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE dispatch_jobs
		SET claim_expires_at = $2,
		    updated_at = NOW()
		WHERE id = $1 AND state = 'in_flight'
	`, id, until)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrJobNotFound
	}
	return nil
}

func (r *JobsRepo) MarkDelivered(ctx context.Context, id string, now time.Time) error {
	return r.markTerminal(ctx, "dispatch_jobs.mark_delivered", id, dispatch.StateDelivered, nil, now)
}

func (r *JobsRepo) MarkDead(ctx context.Context, id string, errMsg string, now time.Time) error {
	msg := dispatch.TruncateError(errMsg)
	return r.markTerminal(ctx, "dispatch_jobs.mark_dead", id, dispatch.StateDead, &msg, now)
}

func (r *JobsRepo) MarkFailed(ctx context.Context, id string, errMsg string, now time.Time) error {
	msg := dispatch.TruncateError(errMsg)
	return r.markTerminal(ctx, "dispatch_jobs.mark_failed", id, dispatch.StateFailed, &msg, now)
}

func (r *JobsRepo) markTerminal(ctx context.Context, op, id string, state dispatch.State, errMsg *string, now time.Time) error {
	var tag pgconn.CommandTag
	var err error

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE dispatch_jobs
		SET state = $2,
		    claimed_by = NULL,
		    claim_expires_at = NULL,
		    last_error = $3,
		    updated_at = $4
		WHERE id = $1
	`, id, string(state), errMsg, now)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrJobNotFound
	}
	return nil
}

// RequeueExpired returns in-flight jobs whose visibility lease has lapsed
// to queued, making them re-claimable.
func (r *JobsRepo) RequeueExpired(ctx context.Context, now time.Time) (int64, error) {
	var rows int64

	op := "dispatch_jobs.requeue_expired"
	err := r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
		UPDATE dispatch_jobs
		SET state = 'queued',
		    claimed_by = NULL,
		    claim_expires_at = NULL,
		    updated_at = $1
		WHERE state = 'in_flight'
		  AND claim_expires_at IS NOT NULL
		  AND claim_expires_at < $1
	`, now)
		if err != nil {
			return err
		}
		rows = tag.RowsAffected()
		return nil
	})

	return rows, err
}

// CountQueued feeds back-pressure decisions in the scanner and scheduler.
func (r *JobsRepo) CountQueued(ctx context.Context) (int, error) {
	var n int

	op := "dispatch_jobs.count_queued"
	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM dispatch_jobs WHERE state = 'queued'
	`).Scan(&n)
	})

	return n, err
}

// CountActiveForEpisode counts the episode's jobs that may still produce a
// send: queued or in-flight. Zero means the episode can close.
func (r *JobsRepo) CountActiveForEpisode(ctx context.Context, episodeID string) (int, error) {
	var n int

	op := "dispatch_jobs.count_active_for_episode"
	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM dispatch_jobs
		WHERE episode_id = $1
		  AND state IN ('queued', 'in_flight')
	`, episodeID).Scan(&n)
	})

	return n, err
}

// ListByEpisode is for ops surfaces and tests.
func (r *JobsRepo) ListByEpisode(ctx context.Context, episodeID string) ([]dispatch.Job, error) {
	var out []dispatch.Job

	op := "dispatch_jobs.list_by_episode"
	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM dispatch_jobs
		WHERE episode_id = $1
		ORDER BY created_at ASC
	`, episodeID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			j, scanErr := scanJob(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, j)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}
