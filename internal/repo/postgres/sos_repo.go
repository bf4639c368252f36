package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solocheck/solocheck/internal/domain/sos"
	"github.com/solocheck/solocheck/internal/observability"
)

// SOSRepo is the durable mirror of the coordinator's in-memory events.
// Every state transition upserts before the coordinator returns, so a
// restart can replay unfinished countdowns.
type SOSRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewSOSRepo(pool *pgxpool.Pool, prom *observability.Prom) *SOSRepo {
	return &SOSRepo{pool: pool, prom: prom}
}

func (r *SOSRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (r *SOSRepo) Save(ctx context.Context, e sos.Event) error {
	op := "sos_events.save"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
		INSERT INTO sos_events(
			id, user_id, triggered_at, state, lat, lng,
			countdown_deadline, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			updated_at = EXCLUDED.updated_at
	`, e.ID, e.UserID, e.TriggeredAt, string(e.State), e.Lat, e.Lng,
			e.CountdownDeadline, e.UpdatedAt)
		return err
	})
}

// ListActive returns events a restarted coordinator must resume: live
// countdowns plus dispatching events whose episode may still be open.
func (r *SOSRepo) ListActive(ctx context.Context) ([]sos.Event, error) {
	var out []sos.Event

	op := "sos_events.list_active"
	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, triggered_at, state, lat, lng,
		       countdown_deadline, updated_at
		FROM sos_events
		WHERE state IN ('countdown', 'dispatching')
		ORDER BY triggered_at ASC
	`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e sos.Event
			var state string

			if scanErr := rows.Scan(&e.ID, &e.UserID, &e.TriggeredAt, &state, &e.Lat, &e.Lng,
				&e.CountdownDeadline, &e.UpdatedAt); scanErr != nil {
				return scanErr
			}
			e.State = sos.State(state)
			out = append(out, e)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}
