package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solocheck/solocheck/internal/domain/contact"
	"github.com/solocheck/solocheck/internal/observability"
)

var ErrContactNotFound = errors.New("contact not found")

type ContactsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewContactsRepo(pool *pgxpool.Pool, prom *observability.Prom) *ContactsRepo {
	return &ContactsRepo{pool: pool, prom: prom}
}

func (r *ContactsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func channelFromString(v string) contact.Channel {
	c := contact.Channel(v)
	if c.IsValid() {
		return c
	}
	return contact.ChannelEmail
}

// ListByUser returns all of the user's contacts regardless of consent
// state; the consent gate does the filtering.
func (r *ContactsRepo) ListByUser(ctx context.Context, userID string) ([]contact.Contact, error) {
	var out []contact.Contact

	op := "contacts.list_by_user"
	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, name, channel, address, priority,
		       consent_status, consent_expires_at, created_at
		FROM contacts
		WHERE user_id = $1
		ORDER BY priority ASC, created_at ASC
	`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var c contact.Contact
			var channel, status string

			if scanErr := rows.Scan(&c.ID, &c.UserID, &c.Name, &channel, &c.Address, &c.Priority,
				&status, &c.ConsentExpiresAt, &c.CreatedAt); scanErr != nil {
				return scanErr
			}
			c.Channel = channelFromString(channel)
			c.ConsentStatus = contact.ConsentStatus(status)
			out = append(out, c)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetByID is used by the worker to resolve the address at send time, so a
// contact edit between enqueue and dispatch takes effect.
func (r *ContactsRepo) GetByID(ctx context.Context, id string) (contact.Contact, error) {
	var c contact.Contact
	var channel, status string

	op := "contacts.get_by_id"
	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		SELECT id, user_id, name, channel, address, priority,
		       consent_status, consent_expires_at, created_at
		FROM contacts
		WHERE id = $1
	`, id).Scan(&c.ID, &c.UserID, &c.Name, &channel, &c.Address, &c.Priority,
			&status, &c.ConsentExpiresAt, &c.CreatedAt)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contact.Contact{}, ErrContactNotFound
		}
		return contact.Contact{}, err
	}

	c.Channel = channelFromString(channel)
	c.ConsentStatus = contact.ConsentStatus(status)
	return c, nil
}
