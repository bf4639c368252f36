package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solocheck/solocheck/internal/domain/dispatch"
	"github.com/solocheck/solocheck/internal/domain/reminder"
	"github.com/solocheck/solocheck/internal/domain/user"
	"github.com/solocheck/solocheck/internal/observability"
)

// Candidate pairs a user with their reminder settings for one scheduler
// pass.
type Candidate struct {
	User     user.User
	Settings reminder.Settings
}

type RemindersRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewRemindersRepo(pool *pgxpool.Pool, prom *observability.Prom) *RemindersRepo {
	return &RemindersRepo{pool: pool, prom: prom}
}

func (r *RemindersRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// Candidates joins active users who have a check-in baseline with their
// reminder settings. Users with no settings row get no reminders.
func (r *RemindersRepo) Candidates(ctx context.Context, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 500
	}

	var out []Candidate

	op := "reminder_settings.candidates"
	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT `+userColumns+`,
		       rs.hours_before, rs.quiet_start, rs.quiet_end,
		       rs.push_enabled, rs.email_enabled, rs.custom_prefix
		FROM users u
		JOIN reminder_settings rs ON rs.user_id = u.id
		WHERE u.is_active AND u.last_checkin_at IS NOT NULL
		ORDER BY u.last_checkin_at ASC
		LIMIT $1
	`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var c Candidate
			var hours []int32

			scanErr := rows.Scan(
				&c.User.ID, &c.User.Name, &c.User.Email, &c.User.CycleDays, &c.User.GraceHours, &c.User.LastCheckinAt,
				&c.User.IsActive, &c.User.DevicePushToken, &c.User.Timezone,
				&c.User.LocationConsent, &c.User.LocationConsentAt,
				&c.User.PersonalMessage, &c.User.IncludeMessage,
				&hours, &c.Settings.QuietStart, &c.Settings.QuietEnd,
				&c.Settings.PushEnabled, &c.Settings.EmailEnabled, &c.Settings.CustomPrefix,
			)
			if scanErr != nil {
				return scanErr
			}

			c.Settings.UserID = c.User.ID
			c.Settings.HoursBefore = make([]int, 0, len(hours))
			for _, h := range hours {
				c.Settings.HoursBefore = append(c.Settings.HoursBefore, int(h))
			}
			c.Settings.Normalize()
			out = append(out, c)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RemindersRepo) SettingsFor(ctx context.Context, userID string) (reminder.Settings, bool, error) {
	var s reminder.Settings
	var hours []int32

	op := "reminder_settings.get"
	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		SELECT user_id, hours_before, quiet_start, quiet_end,
		       push_enabled, email_enabled, custom_prefix
		FROM reminder_settings
		WHERE user_id = $1
	`, userID).Scan(&s.UserID, &hours, &s.QuietStart, &s.QuietEnd,
			&s.PushEnabled, &s.EmailEnabled, &s.CustomPrefix)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reminder.Settings{}, false, nil
		}
		return reminder.Settings{}, false, err
	}

	s.HoursBefore = make([]int, 0, len(hours))
	for _, h := range hours {
		s.HoursBefore = append(s.HoursBefore, int(h))
	}
	s.Normalize()
	return s, true, nil
}

// FireAndEnqueue pins the fired key and enqueues the reminder job in one
// transaction. The primary key on (user_id, cycle_anchor, hours_before)
// makes this at-most-once: losing the insert race means another scheduler
// instance already fired this reminder, reported as fired=false.
func (r *RemindersRepo) FireAndEnqueue(ctx context.Context, key reminder.FiredKey, job dispatch.Job) (bool, error) {
	var fired bool

	op := "reminders_fired.fire_and_enqueue"
	err := r.observe(op, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx, `
		INSERT INTO reminders_fired(user_id, cycle_anchor, hours_before, fired_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (user_id, cycle_anchor, hours_before) DO NOTHING
	`, key.UserID, key.CycleAnchor, key.HoursBefore, job.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return tx.Commit(ctx)
		}

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
	`, job.ID, string(job.Kind), job.EpisodeID, job.ContactID, job.UserID, string(job.Channel),
			job.Attempt, job.NotBefore, string(job.State), job.SOS, job.Payload,
			job.ClaimedBy, job.ClaimExpiresAt, job.LastError,
			job.CreatedAt, job.UpdatedAt)
		if err != nil {
			return err
		}

		fired = true
		return tx.Commit(ctx)
	})

	return fired, err
}
