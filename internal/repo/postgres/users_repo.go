package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solocheck/solocheck/internal/domain/user"
	"github.com/solocheck/solocheck/internal/domain/vault"
	"github.com/solocheck/solocheck/internal/observability"
)

var ErrUserNotFound = errors.New("user not found")

// UsersRepo reads account state written by the wider system. The engine
// never mutates user rows.
type UsersRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewUsersRepo(pool *pgxpool.Pool, prom *observability.Prom) *UsersRepo {
	return &UsersRepo{pool: pool, prom: prom}
}

func (r *UsersRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

const userColumns = `id, name, email, cycle_days, grace_hours, last_checkin_at,
		       is_active, device_push_token, timezone,
		       location_consent, location_consent_at,
		       personal_message, include_message`

func scanUser(row pgx.Row) (user.User, error) {
	var u user.User

	err := row.Scan(
		&u.ID, &u.Name, &u.Email, &u.CycleDays, &u.GraceHours, &u.LastCheckinAt,
		&u.IsActive, &u.DevicePushToken, &u.Timezone,
		&u.LocationConsent, &u.LocationConsentAt,
		&u.PersonalMessage, &u.IncludeMessage,
	)
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

// ListOverdue selects active users whose overdue instant has passed. The
// interval arithmetic mirrors User.OverdueAt: deadline = last_checkin_at +
// cycle_days days, overdue = deadline + grace_hours hours, strictly before
// now. Users without a baseline check-in never match.
func (r *UsersRepo) ListOverdue(ctx context.Context, now time.Time, limit int) ([]user.User, error) {
	if limit <= 0 {
		limit = 200
	}

	var out []user.User

	op := "users.list_overdue"
	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE is_active
		  AND last_checkin_at IS NOT NULL
		  AND last_checkin_at
		      + make_interval(days => cycle_days)
		      + make_interval(hours => grace_hours) < $1
		ORDER BY last_checkin_at ASC
		LIMIT $2
	`, now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			u, scanErr := scanUser(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, u)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *UsersRepo) GetByID(ctx context.Context, id string) (user.User, error) {
	var u user.User
	var err error

	op := "users.get_by_id"
	err = r.observe(op, func() error {
		u, err = scanUser(r.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id))
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return user.User{}, ErrUserNotFound
		}
		return user.User{}, err
	}
	return u, nil
}

// PetsForAlert lists the user's pets flagged for disclosure.
func (r *UsersRepo) PetsForAlert(ctx context.Context, userID string) ([]user.Pet, error) {
	var out []user.Pet

	op := "pets.list_for_alert"
	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT user_id, name, species, care_notes, include_in_alert
		FROM pets
		WHERE user_id = $1 AND include_in_alert
		ORDER BY name ASC
	`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var p user.Pet
			if scanErr := rows.Scan(&p.UserID, &p.Name, &p.Species, &p.CareNotes, &p.IncludeInAlert); scanErr != nil {
				return scanErr
			}
			out = append(out, p)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}

// VaultEntriesForAlert lists the user's sealed vault entries flagged for
// disclosure. Decryption happens in the scanner, not here.
func (r *UsersRepo) VaultEntriesForAlert(ctx context.Context, userID string) ([]vault.Entry, error) {
	var out []vault.Entry

	op := "vault_entries.list_for_alert"
	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT user_id, label, ciphertext, include_in_alert
		FROM vault_entries
		WHERE user_id = $1 AND include_in_alert
		ORDER BY label ASC
	`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e vault.Entry
			if scanErr := rows.Scan(&e.UserID, &e.Label, &e.Ciphertext, &e.IncludeInAlert); scanErr != nil {
				return scanErr
			}
			out = append(out, e)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestLocation returns the user's most recent stored position, or ok
// false when none exists or consent is off.
func (r *UsersRepo) LatestLocation(ctx context.Context, userID string) (lat, lng float64, ok bool, err error) {
	op := "locations.latest"
	err = r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		SELECT l.lat, l.lng
		FROM locations l
		JOIN users u ON u.id = l.user_id
		WHERE l.user_id = $1 AND u.location_consent
		ORDER BY l.recorded_at DESC
		LIMIT 1
	`, userID).Scan(&lat, &lng)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, false, nil
		}
		return 0, 0, false, err
	}
	return lat, lng, true, nil
}
