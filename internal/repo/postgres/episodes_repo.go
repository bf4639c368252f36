package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solocheck/solocheck/internal/domain/alert"
	"github.com/solocheck/solocheck/internal/domain/dispatch"
	"github.com/solocheck/solocheck/internal/observability"
)

// OpenResult reports what one OpenWithJobs call actually did.
type OpenResult string

const (
	OpenResultOpened        OpenResult = "opened"
	OpenResultAlreadyExists OpenResult = "already_exists"
	OpenResultUserCheckedIn OpenResult = "user_checked_in"
	OpenResultOpenedEmpty   OpenResult = "opened_empty" // no eligible contacts
)

// CheckinGuard pins episode creation to the check-in state the caller
// observed. If the user's last_checkin_at moved between selection and the
// insert, the user checked in and no alert is warranted.
type CheckinGuard struct {
	UserID        string
	LastCheckinAt time.Time
}

type EpisodesRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewEpisodesRepo(pool *pgxpool.Pool, prom *observability.Prom) *EpisodesRepo {
	return &EpisodesRepo{pool: pool, prom: prom}
}

func (r *EpisodesRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// OpenWithJobs creates the episode and its dispatch jobs in one
// transaction. The conditional insert on the deterministic episode id is
// the idempotency pin: overlapping ticks and concurrent scanners see at
// most one winner. With an empty job slice the episode is created already
// closed (nothing to dispatch).
func (r *EpisodesRepo) OpenWithJobs(ctx context.Context, ep alert.Episode, jobs []dispatch.Job, guard *CheckinGuard) (OpenResult, error) {
	result := OpenResultOpened

	op := "alert_episodes.open_with_jobs"
	err := r.observe(op, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		// Re-verify the overdue baseline inside the transaction.
		if guard != nil {
			var last *time.Time
			err = tx.QueryRow(ctx, `
			SELECT last_checkin_at FROM users WHERE id = $1 FOR SHARE
		`, guard.UserID).Scan(&last)
			if err != nil {
				return err
			}
			if last == nil || !last.Equal(guard.LastCheckinAt) {
				result = OpenResultUserCheckedIn
				return tx.Commit(ctx)
			}
		}

		var closedAt *time.Time
		resolution := alert.ResolutionNone

		if len(jobs) == 0 {
			t := ep.OpenedAt
			closedAt = &t
			resolution = alert.ResolutionAllContactsDispatched
		}

		tag, err := tx.Exec(ctx, `
		INSERT INTO alert_episodes(id, user_id, kind, opened_at, closed_at, resolution)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO NOTHING
	`, ep.ID, ep.UserID, string(ep.Kind), ep.OpenedAt, closedAt, string(resolution))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			result = OpenResultAlreadyExists
			return tx.Commit(ctx)
		}

		if len(jobs) == 0 {
			result = OpenResultOpenedEmpty
			return tx.Commit(ctx)
		}

		for _, j := range jobs {
			_, err = tx.Exec(ctx, `
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
			if err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})

	if err != nil {
		return "", err
	}
	return result, nil
}

func (r *EpisodesRepo) GetByID(ctx context.Context, id string) (alert.Episode, error) {
	var ep alert.Episode
	var kind, resolution string

	op := "alert_episodes.get_by_id"
	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		SELECT id, user_id, kind, opened_at, closed_at, resolution
		FROM alert_episodes
		WHERE id = $1
	`, id).Scan(&ep.ID, &ep.UserID, &kind, &ep.OpenedAt, &ep.ClosedAt, &resolution)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return alert.Episode{}, alert.ErrEpisodeNotFound
		}
		return alert.Episode{}, err
	}

	ep.Kind = alert.Kind(kind)
	ep.Resolution = alert.Resolution(resolution)
	return ep, nil
}

// Close closes an open episode exactly once; the guard on closed_at makes
// concurrent closers see one winner. Returns whether this call closed it.
func (r *EpisodesRepo) Close(ctx context.Context, id string, resolution alert.Resolution, now time.Time) (bool, error) {
	var closed bool

	op := "alert_episodes.close"
	err := r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
		UPDATE alert_episodes
		SET closed_at = $2,
		    resolution = $3
		WHERE id = $1 AND closed_at IS NULL
	`, id, now, string(resolution))
		if err != nil {
			return err
		}
		closed = tag.RowsAffected() == 1
		return nil
	})

	return closed, err
}

// CancelForUser resolves the user's open missed-checkin episodes as
// user_checked_in and kills their queued jobs, all in one transaction.
// In-flight jobs keep running; the worker skips the send after observing
// the cancelled episode. Exposed for the check-in handler as well as the
// scanner's own sweep.
func (r *EpisodesRepo) CancelForUser(ctx context.Context, userID string, now time.Time) (int, error) {
	var cancelled int

	op := "alert_episodes.cancel_for_user"
	err := r.observe(op, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		rows, err := tx.Query(ctx, `
		UPDATE alert_episodes
		SET closed_at = $2,
		    resolution = 'user_checked_in'
		WHERE user_id = $1
		  AND kind = 'missed_checkin'
		  AND closed_at IS NULL
		RETURNING id
	`, userID, now)
		if err != nil {
			return err
		}

		var ids []string
		for rows.Next() {
			var id string
			if scanErr := rows.Scan(&id); scanErr != nil {
				rows.Close()
				return scanErr
			}
			ids = append(ids, id)
		}
		rows.Close()
		if rows.Err() != nil {
			return rows.Err()
		}

		for _, id := range ids {
			_, err = tx.Exec(ctx, `
			UPDATE dispatch_jobs
			SET state = 'dead',
			    last_error = 'episode cancelled: user checked in',
			    updated_at = $2
			WHERE episode_id = $1 AND state = 'queued'
		`, id, now)
			if err != nil {
				return err
			}
		}

		cancelled = len(ids)
		return tx.Commit(ctx)
	})

	return cancelled, err
}

// ListOpenMissedCheckin feeds the scanner's cancellation sweep.
func (r *EpisodesRepo) ListOpenMissedCheckin(ctx context.Context, limit int) ([]alert.Episode, error) {
	if limit <= 0 {
		limit = 500
	}

	var out []alert.Episode

	op := "alert_episodes.list_open_missed_checkin"
	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, kind, opened_at, closed_at, resolution
		FROM alert_episodes
		WHERE kind = 'missed_checkin' AND closed_at IS NULL
		ORDER BY opened_at ASC
		LIMIT $1
	`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var ep alert.Episode
			var kind, resolution string

			if scanErr := rows.Scan(&ep.ID, &ep.UserID, &kind, &ep.OpenedAt, &ep.ClosedAt, &resolution); scanErr != nil {
				return scanErr
			}
			ep.Kind = alert.Kind(kind)
			ep.Resolution = alert.Resolution(resolution)
			out = append(out, ep)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}
