// Package scanner finds overdue users and opens missed-checkin episodes
// with their dispatch jobs. It also sweeps open episodes whose user has
// since checked in, cancelling them before more sends go out.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/solocheck/solocheck/internal/clock"
	"github.com/solocheck/solocheck/internal/domain/alert"
	"github.com/solocheck/solocheck/internal/domain/contact"
	"github.com/solocheck/solocheck/internal/domain/dispatch"
	"github.com/solocheck/solocheck/internal/domain/user"
	"github.com/solocheck/solocheck/internal/domain/vault"
	"github.com/solocheck/solocheck/internal/observability"
	"github.com/solocheck/solocheck/internal/repo/postgres"
)

type UsersSource interface {
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]user.User, error)
	GetByID(ctx context.Context, id string) (user.User, error)
	PetsForAlert(ctx context.Context, userID string) ([]user.Pet, error)
	VaultEntriesForAlert(ctx context.Context, userID string) ([]vault.Entry, error)
	LatestLocation(ctx context.Context, userID string) (lat, lng float64, ok bool, err error)
}

type EpisodesStore interface {
	OpenWithJobs(ctx context.Context, ep alert.Episode, jobs []dispatch.Job, guard *postgres.CheckinGuard) (postgres.OpenResult, error)
	ListOpenMissedCheckin(ctx context.Context, limit int) ([]alert.Episode, error)
	CancelForUser(ctx context.Context, userID string, now time.Time) (int, error)
}

type Queue interface {
	CountQueued(ctx context.Context) (int, error)
}

type ConsentGate interface {
	EligibleContacts(ctx context.Context, userID string) ([]contact.Contact, error)
}

type Config struct {
	Period         time.Duration
	BatchSize      int
	DepthThreshold int
	PayloadKey     *[32]byte // nil disables vault and personal-message disclosure
}

type Scanner struct {
	users    UsersSource
	episodes EpisodesStore
	queue    Queue
	gate     ConsentGate
	clk      clock.Clock
	log      *slog.Logger
	prom     *observability.Prom
	cfg      Config
	wake     func()
}

func New(users UsersSource, episodes EpisodesStore, queue Queue, gate ConsentGate, clk clock.Clock, log *slog.Logger, prom *observability.Prom, cfg Config) *Scanner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}

	return &Scanner{
		users:    users,
		episodes: episodes,
		queue:    queue,
		gate:     gate,
		clk:      clk,
		log:      log.With("component", "scanner"),
		prom:     prom,
		cfg:      cfg,
	}
}

// SetWake installs the worker pool's wake hook so freshly opened episodes
// drain without waiting for a poll interval.
func (s *Scanner) SetWake(fn func()) { s.wake = fn }

// Run ticks until the context is cancelled. Tick errors are logged, never
// fatal; the next tick gets a fresh chance.
func (s *Scanner) Run(ctx context.Context) error {
	s.log.Info("scanner started", "period", s.cfg.Period.String(), "batch_size", s.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scanner stopped")
			return ctx.Err()
		case <-s.clk.After(s.cfg.Period):
			if err := s.Tick(ctx); err != nil {
				s.log.Error("scan tick failed", "error", err)
			}
		}
	}
}

// Tick runs one scan pass: sweep cancellations, then open episodes for
// newly overdue users.
func (s *Scanner) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if s.prom != nil {
			s.prom.ScanDuration.WithLabelValues("overdue").Observe(time.Since(start).Seconds())
		}
	}()

	now := s.clk.Now()

	batch := s.cfg.BatchSize
	if s.cfg.DepthThreshold > 0 {
		depth, err := s.queue.CountQueued(ctx)
		if err != nil {
			return fmt.Errorf("count queued: %w", err)
		}
		if s.prom != nil {
			s.prom.QueueDepth.Set(float64(depth))
		}
		if depth > s.cfg.DepthThreshold {
			batch = batch / 2
			if batch < 1 {
				batch = 1
			}
			s.log.Warn("queue depth over threshold, halving scan batch",
				"depth", depth, "threshold", s.cfg.DepthThreshold, "batch", batch)
		}
	}

	if err := s.sweepCancelled(ctx, now); err != nil {
		s.log.Error("cancellation sweep failed", "error", err)
	}

	overdue, err := s.users.ListOverdue(ctx, now, batch)
	if err != nil {
		return fmt.Errorf("list overdue: %w", err)
	}

	opened := 0
	for _, u := range overdue {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ok, err := s.openEpisode(ctx, u, now)
		if err != nil {
			s.log.Error("open episode failed", "user_id", u.ID, "error", err)
			continue
		}
		if ok {
			opened++
		}
	}

	if opened > 0 {
		s.log.Info("scan pass opened episodes", "opened", opened, "overdue", len(overdue))
		if s.wake != nil {
			s.wake()
		}
	}
	return nil
}

// sweepCancelled closes open episodes whose user has checked in since the
// episode opened.
func (s *Scanner) sweepCancelled(ctx context.Context, now time.Time) error {
	open, err := s.episodes.ListOpenMissedCheckin(ctx, 0)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(open))
	for _, ep := range open {
		if seen[ep.UserID] {
			continue
		}
		seen[ep.UserID] = true

		u, err := s.users.GetByID(ctx, ep.UserID)
		if err != nil {
			s.log.Error("sweep: load user failed", "user_id", ep.UserID, "error", err)
			continue
		}
		if u.IsOverdue(now) {
			continue
		}

		n, err := s.episodes.CancelForUser(ctx, ep.UserID, now)
		if err != nil {
			s.log.Error("sweep: cancel failed", "user_id", ep.UserID, "error", err)
			continue
		}
		if n > 0 {
			s.log.Info("cancelled episodes after check-in", "user_id", ep.UserID, "episodes", n)
		}
	}
	return nil
}

func (s *Scanner) openEpisode(ctx context.Context, u user.User, now time.Time) (bool, error) {
	// The window starts at the missed deadline, so re-scans of the same
	// missed cycle derive the same episode id even if grace_hours changes
	// mid-window.
	windowStart := u.Deadline()
	ep := alert.New(u.ID, alert.KindMissedCheckin, windowStart, now)

	contacts, err := s.gate.EligibleContacts(ctx, u.ID)
	if err != nil {
		return false, fmt.Errorf("eligible contacts: %w", err)
	}

	var jobs []dispatch.Job
	if len(contacts) > 0 {
		payload, err := s.buildPayload(ctx, u)
		if err != nil {
			return false, fmt.Errorf("build payload: %w", err)
		}

		jobs = make([]dispatch.Job, 0, len(contacts))
		for _, c := range contacts {
			jobs = append(jobs, dispatch.New(dispatch.NewJobRequest{
				Kind:      dispatch.KindAlert,
				EpisodeID: ep.ID,
				ContactID: c.ID,
				UserID:    u.ID,
				Channel:   c.Channel,
				Payload:   payload,
			}, now))
		}
	}

	guard := &postgres.CheckinGuard{UserID: u.ID, LastCheckinAt: *u.LastCheckinAt}

	result, err := s.episodes.OpenWithJobs(ctx, ep, jobs, guard)
	if err != nil {
		return false, err
	}

	switch result {
	case postgres.OpenResultOpened:
		if s.prom != nil {
			s.prom.EpisodesOpened.WithLabelValues(string(alert.KindMissedCheckin)).Inc()
		}
		s.log.Info("episode opened",
			"episode_id", ep.ID, "user_id", u.ID, "contacts", len(jobs))
		return true, nil

	case postgres.OpenResultOpenedEmpty:
		if s.prom != nil {
			s.prom.EpisodesOpened.WithLabelValues(string(alert.KindMissedCheckin)).Inc()
		}
		s.log.Warn("episode opened with no eligible contacts, closed immediately",
			"episode_id", ep.ID, "user_id", u.ID)
		return false, nil

	case postgres.OpenResultUserCheckedIn:
		s.log.Info("episode skipped, user checked in during scan",
			"episode_id", ep.ID, "user_id", u.ID)
		return false, nil

	default: // already exists
		return false, nil
	}
}

// buildPayload resolves everything the alert may disclose at episode-open
// time. Vault or message decryption failures degrade to omission; the
// alert itself must never be blocked by a bad ciphertext.
func (s *Scanner) buildPayload(ctx context.Context, u user.User) ([]byte, error) {
	p := dispatch.AlertPayload{
		UserName:      u.Name,
		CycleDays:     u.CycleDays,
		LastCheckinAt: u.LastCheckinAt,
	}

	if s.cfg.PayloadKey != nil && u.IncludeMessage && u.PersonalMessage != nil {
		plain, err := vault.Open(s.cfg.PayloadKey, *u.PersonalMessage)
		if err != nil {
			s.log.Warn("personal message decryption failed, omitting", "user_id", u.ID, "error", err)
		} else {
			p.PersonalMessage = string(plain)
		}
	}

	pets, err := s.users.PetsForAlert(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	for _, pet := range pets {
		line := fmt.Sprintf("%s (%s)", pet.Name, pet.Species)
		if pet.CareNotes != "" {
			line += ": " + pet.CareNotes
		}
		p.Pets = append(p.Pets, line)
	}

	if s.cfg.PayloadKey != nil {
		entries, err := s.users.VaultEntriesForAlert(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			plain, err := vault.Open(s.cfg.PayloadKey, e.Ciphertext)
			if err != nil {
				s.log.Warn("vault entry decryption failed, omitting",
					"user_id", u.ID, "label", e.Label, "error", err)
				continue
			}
			p.VaultEntries = append(p.VaultEntries, e.Label+": "+string(plain))
		}
	}

	if u.LocationConsent {
		lat, lng, ok, err := s.users.LatestLocation(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			p.Lat = &lat
			p.Lng = &lng
		}
	}

	return dispatch.EncodeAlertPayload(p)
}
