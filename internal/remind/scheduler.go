// Package remind schedules "your check-in deadline is coming up" pushes
// to the user's own device. Reminders are best-effort nudges: they never
// touch contacts, consent, or the idempotency ledger.
package remind

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/solocheck/solocheck/internal/clock"
	"github.com/solocheck/solocheck/internal/domain/contact"
	"github.com/solocheck/solocheck/internal/domain/dispatch"
	"github.com/solocheck/solocheck/internal/domain/reminder"
	"github.com/solocheck/solocheck/internal/observability"
	"github.com/solocheck/solocheck/internal/repo/postgres"
)

type Source interface {
	Candidates(ctx context.Context, limit int) ([]postgres.Candidate, error)
	FireAndEnqueue(ctx context.Context, key reminder.FiredKey, job dispatch.Job) (bool, error)
}

type Queue interface {
	CountQueued(ctx context.Context) (int, error)
}

type Config struct {
	Period         time.Duration
	BatchSize      int
	DepthThreshold int
}

type Scheduler struct {
	src   Source
	queue Queue
	clk   clock.Clock
	log   *slog.Logger
	prom  *observability.Prom
	cfg   Config
}

func NewScheduler(src Source, queue Queue, clk clock.Clock, log *slog.Logger, prom *observability.Prom, cfg Config) *Scheduler {
	if cfg.Period <= 0 {
		cfg.Period = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	return &Scheduler{
		src:   src,
		queue: queue,
		clk:   clk,
		log:   log.With("component", "reminder_scheduler"),
		prom:  prom,
		cfg:   cfg,
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("reminder scheduler started", "period", s.cfg.Period.String())

	for {
		select {
		case <-ctx.Done():
			s.log.Info("reminder scheduler stopped")
			return ctx.Err()
		case <-s.clk.After(s.cfg.Period):
			if err := s.Tick(ctx); err != nil {
				s.log.Error("reminder tick failed", "error", err)
			}
		}
	}
}

// Tick fires every reminder whose fire-at instant falls inside the
// upcoming scheduling window [now, now+period). The job carries the
// fire-at as NotBefore, so a reminder due mid-window still goes out on
// time. Alerts always win over reminders: a deep queue skips the whole
// pass.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if s.prom != nil {
			s.prom.ScanDuration.WithLabelValues("reminder").Observe(time.Since(start).Seconds())
		}
	}()

	now := s.clk.Now()

	if s.cfg.DepthThreshold > 0 {
		depth, err := s.queue.CountQueued(ctx)
		if err != nil {
			return fmt.Errorf("count queued: %w", err)
		}
		if depth > s.cfg.DepthThreshold {
			if s.prom != nil {
				s.prom.RemindersSkipped.WithLabelValues("backpressure").Inc()
			}
			s.log.Warn("queue depth over threshold, skipping reminder pass", "depth", depth)
			return nil
		}
	}

	candidates, err := s.src.Candidates(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("reminder candidates: %w", err)
	}

	fired := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fired += s.schedule(ctx, c, now)
	}

	if fired > 0 {
		s.log.Info("reminder pass complete", "fired", fired, "candidates", len(candidates))
	}
	return nil
}

func (s *Scheduler) schedule(ctx context.Context, c postgres.Candidate, now time.Time) int {
	u := c.User
	set := c.Settings

	if !set.PushEnabled {
		// Push is the only reminder channel carried on the user's own
		// device; with it off there is nothing to send.
		s.skip("channel_disabled")
		return 0
	}
	if u.DevicePushToken == nil || *u.DevicePushToken == "" {
		s.skip("channel_disabled")
		return 0
	}

	deadline := u.Deadline()
	windowEnd := now.Add(s.cfg.Period)
	fired := 0

	for _, h := range set.HoursBefore {
		fireAt := deadline.Add(-time.Duration(h) * time.Hour)
		if fireAt.Before(now) || !fireAt.Before(windowEnd) {
			continue
		}

		if set.InQuietHours(fireAt.In(u.Location(nil))) {
			s.skip("quiet_hours")
			continue
		}

		payload, err := dispatch.EncodeReminderPayload(dispatch.ReminderPayload{
			UserName:     u.Name,
			DeadlineAt:   deadline,
			HoursBefore:  h,
			CustomPrefix: set.CustomPrefix,
		})
		if err != nil {
			s.log.Error("encode reminder payload failed", "user_id", u.ID, "error", err)
			continue
		}

		key := reminder.FiredKey{UserID: u.ID, CycleAnchor: u.LastCheckinAt.UTC(), HoursBefore: h}
		job := dispatch.New(dispatch.NewJobRequest{
			Kind:      dispatch.KindReminder,
			UserID:    u.ID,
			Channel:   contact.ChannelPush,
			NotBefore: fireAt,
			Payload:   payload,
		}, now)

		ok, err := s.src.FireAndEnqueue(ctx, key, job)
		if err != nil {
			s.log.Error("fire reminder failed", "user_id", u.ID, "hours_before", h, "error", err)
			continue
		}
		if !ok {
			s.skip("already_fired")
			continue
		}

		if s.prom != nil {
			s.prom.RemindersFired.Inc()
		}
		s.log.Info("reminder enqueued",
			"user_id", u.ID, "hours_before", h, "fire_at", fireAt.Format(time.RFC3339))
		fired++
	}

	return fired
}

func (s *Scheduler) skip(reason string) {
	if s.prom != nil {
		s.prom.RemindersSkipped.WithLabelValues(reason).Inc()
	}
}
