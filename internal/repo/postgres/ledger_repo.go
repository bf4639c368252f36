package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solocheck/solocheck/internal/domain/dispatch"
	"github.com/solocheck/solocheck/internal/observability"
)

// LedgerRepo is the idempotency ledger. One row per (episode, contact,
// channel); the composite primary key is the duplicate-suppression
// mechanism, so Record treats a unique violation as success.
type LedgerRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewLedgerRepo(pool *pgxpool.Pool, prom *observability.Prom) *LedgerRepo {
	return &LedgerRepo{pool: pool, prom: prom}
}

func (r *LedgerRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// Check reports whether the key already has a terminal record, and if so
// which outcome it carries.
func (r *LedgerRepo) Check(ctx context.Context, key dispatch.LedgerKey) (dispatch.Outcome, bool, error) {
	var outcome string

	op := "idempotency.check"
	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		SELECT outcome
		FROM idempotency
		WHERE episode_id = $1 AND contact_id = $2 AND channel = $3
	`, key.EpisodeID, key.ContactID, string(key.Channel)).Scan(&outcome)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}

	return dispatch.Outcome(outcome), true, nil
}

// Record writes the terminal outcome for a key. A concurrent writer
// winning the race is fine: the key is settled either way, so the unique
// violation collapses to success.
func (r *LedgerRepo) Record(ctx context.Context, key dispatch.LedgerKey, outcome dispatch.Outcome, providerMsgID *string, now time.Time) error {
	op := "idempotency.record"

	err := r.observe(op, func() error {
		_, execErr := r.pool.Exec(ctx, `
		INSERT INTO idempotency(episode_id, contact_id, channel, outcome, provider_msg_id, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, key.EpisodeID, key.ContactID, string(key.Channel), string(outcome), providerMsgID, now)
		return execErr
	})

	if err != nil && IsUniqueViolation(err) {
		return nil
	}
	return err
}
