package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solocheck/solocheck/internal/domain/dispatch"
	"github.com/solocheck/solocheck/internal/observability"
)

// DeliveryLogRepo is the append-only audit trail of delivery attempts.
// Unlike the ledger it records every attempt, transient failures included.
type DeliveryLogRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewDeliveryLogRepo(pool *pgxpool.Pool, prom *observability.Prom) *DeliveryLogRepo {
	return &DeliveryLogRepo{pool: pool, prom: prom}
}

func (r *DeliveryLogRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (r *DeliveryLogRepo) Append(ctx context.Context, e dispatch.DeliveryEntry) error {
	op := "delivery_log.append"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
		INSERT INTO delivery_log(
			episode_id, contact_id, channel, attempt,
			outcome, provider_msg_id, error, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.EpisodeID, e.ContactID, string(e.Channel), e.Attempt,
			string(e.Outcome), e.ProviderMsgID, e.Error, e.CreatedAt)
		return err
	})
}

func (r *DeliveryLogRepo) ListByEpisode(ctx context.Context, episodeID string) ([]dispatch.DeliveryEntry, error) {
	var out []dispatch.DeliveryEntry

	op := "delivery_log.list_by_episode"
	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT episode_id, contact_id, channel, attempt,
		       outcome, provider_msg_id, error, created_at
		FROM delivery_log
		WHERE episode_id = $1
		ORDER BY created_at ASC
	`, episodeID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e dispatch.DeliveryEntry
			var channel, outcome string

			if scanErr := rows.Scan(&e.EpisodeID, &e.ContactID, &channel, &e.Attempt,
				&outcome, &e.ProviderMsgID, &e.Error, &e.CreatedAt); scanErr != nil {
				return scanErr
			}
			e.Channel = channelFromString(channel)
			e.Outcome = dispatch.Outcome(outcome)
			out = append(out, e)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}

// PruneBefore trims old audit rows; run from an operator task, not the hot
// path.
func (r *DeliveryLogRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64

	op := "delivery_log.prune_before"
	err := r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
		DELETE FROM delivery_log WHERE created_at < $1
	`, cutoff)
		if err != nil {
			return err
		}
		pruned = tag.RowsAffected()
		return nil
	})

	return pruned, err
}
