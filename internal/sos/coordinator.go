// Package sos (coordinator) runs the SOS flow: a manual panic trigger
// starts a short cancellation countdown, and if nobody cancels in time the
// alert goes to every eligible contact through the regular dispatch queue,
// flagged for immediate pickup.
package sos

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/solocheck/solocheck/internal/clock"
	"github.com/solocheck/solocheck/internal/consent"
	"github.com/solocheck/solocheck/internal/domain/alert"
	"github.com/solocheck/solocheck/internal/domain/dispatch"
	sosdom "github.com/solocheck/solocheck/internal/domain/sos"
	"github.com/solocheck/solocheck/internal/domain/user"
	"github.com/solocheck/solocheck/internal/domain/vault"
	"github.com/solocheck/solocheck/internal/observability"
	"github.com/solocheck/solocheck/internal/repo/postgres"
)

type Store interface {
	Save(ctx context.Context, e sosdom.Event) error
	ListActive(ctx context.Context) ([]sosdom.Event, error)
}

type EpisodesStore interface {
	OpenWithJobs(ctx context.Context, ep alert.Episode, jobs []dispatch.Job, guard *postgres.CheckinGuard) (postgres.OpenResult, error)
	GetByID(ctx context.Context, id string) (alert.Episode, error)
}

type UsersSource interface {
	GetByID(ctx context.Context, id string) (user.User, error)
	PetsForAlert(ctx context.Context, userID string) ([]user.Pet, error)
	VaultEntriesForAlert(ctx context.Context, userID string) ([]vault.Entry, error)
}

type Config struct {
	Countdown  time.Duration
	PayloadKey *[32]byte
}

// Coordinator keeps live SOS events in memory with a durable mirror
// written before every transition returns. Replay rebuilds the memory
// side after a restart.
type Coordinator struct {
	store    Store
	episodes EpisodesStore
	users    UsersSource
	gate     *consent.Gate
	clk      clock.Clock
	log      *slog.Logger
	prom     *observability.Prom
	cfg      Config
	wake     func()

	mu        sync.Mutex
	active    map[string]*managed // event id -> live event
	byUser    map[string]string   // user id -> active event id
	byEpisode map[string]string   // episode id -> event id
}

type managed struct {
	event  sosdom.Event
	cancel chan struct{}
}

func NewCoordinator(store Store, episodes EpisodesStore, users UsersSource, gate *consent.Gate, clk clock.Clock, log *slog.Logger, prom *observability.Prom, cfg Config) *Coordinator {
	if cfg.Countdown <= 0 {
		cfg.Countdown = 5 * time.Second
	}

	return &Coordinator{
		store:     store,
		episodes:  episodes,
		users:     users,
		gate:      gate,
		clk:       clk,
		log:       log.With("component", "sos"),
		prom:      prom,
		cfg:       cfg,
		active:    make(map[string]*managed),
		byUser:    make(map[string]string),
		byEpisode: make(map[string]string),
	}
}

// SetWake installs the worker pool's wake hook; SOS jobs should not wait
// for a poll interval.
func (c *Coordinator) SetWake(fn func()) { c.wake = fn }

// Trigger starts an SOS for the user. A user with a live countdown gets
// the existing event back instead of a second one.
func (c *Coordinator) Trigger(ctx context.Context, userID string, lat, lng *float64) (sosdom.Event, error) {
	now := c.clk.Now()

	c.mu.Lock()
	if id, ok := c.byUser[userID]; ok {
		m := c.active[id]
		c.mu.Unlock()
		return m.event, nil
	}

	e := sosdom.New(userID, now, c.cfg.Countdown, lat, lng)
	m := &managed{event: e, cancel: make(chan struct{})}
	c.active[e.ID] = m
	c.byUser[userID] = e.ID
	c.mu.Unlock()

	if err := c.store.Save(ctx, e); err != nil {
		c.drop(e.ID)
		return sosdom.Event{}, fmt.Errorf("persist sos event: %w", err)
	}

	c.transitionMetric(sosdom.StateCountdown)
	c.log.Info("sos triggered",
		"event_id", e.ID, "user_id", userID,
		"countdown_deadline", e.CountdownDeadline.Format(time.RFC3339Nano))

	go c.countdown(m, c.cfg.Countdown)
	return e, nil
}

// Cancel aborts a live countdown. Once the countdown has elapsed and
// dispatch started, cancellation is refused.
func (c *Coordinator) Cancel(ctx context.Context, eventID string) error {
	c.mu.Lock()
	m, ok := c.active[eventID]
	if !ok {
		c.mu.Unlock()
		return sosdom.ErrEventNotFound
	}
	if m.event.State != sosdom.StateCountdown {
		c.mu.Unlock()
		return sosdom.ErrNotCancellable
	}

	m.event.State = sosdom.StateCancelled
	m.event.UpdatedAt = c.clk.Now()
	e := m.event
	close(m.cancel)
	delete(c.active, eventID)
	delete(c.byUser, e.UserID)
	c.mu.Unlock()

	if err := c.store.Save(ctx, e); err != nil {
		return fmt.Errorf("persist sos cancel: %w", err)
	}

	c.transitionMetric(sosdom.StateCancelled)
	c.log.Info("sos cancelled", "event_id", eventID, "user_id", e.UserID)
	return nil
}

// Get returns a live event by id.
func (c *Coordinator) Get(eventID string) (sosdom.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.active[eventID]
	if !ok {
		return sosdom.Event{}, false
	}
	return m.event, true
}

// OnEpisodeClosed is the worker pool's callback: when an SOS episode's
// last job terminates, the event reaches its terminal sent state.
func (c *Coordinator) OnEpisodeClosed(ctx context.Context, episodeID string) {
	c.mu.Lock()
	eventID, ok := c.byEpisode[episodeID]
	if !ok {
		c.mu.Unlock()
		return
	}
	m, live := c.active[eventID]
	if !live || m.event.State != sosdom.StateDispatching {
		c.mu.Unlock()
		return
	}

	m.event.State = sosdom.StateSent
	m.event.UpdatedAt = c.clk.Now()
	e := m.event
	delete(c.active, eventID)
	delete(c.byUser, e.UserID)
	delete(c.byEpisode, episodeID)
	c.mu.Unlock()

	if err := c.store.Save(ctx, e); err != nil {
		c.log.Error("persist sos sent failed", "event_id", eventID, "error", err)
	}

	c.transitionMetric(sosdom.StateSent)
	c.log.Info("sos sent", "event_id", eventID, "user_id", e.UserID, "episode_id", episodeID)
}

// Replay rebuilds in-memory state from the durable mirror after a
// restart: expired countdowns dispatch immediately, live ones resume with
// their remaining time, and dispatching events re-run the fan-out. The
// episode id is deterministic, so re-running the open is a no-op when the
// previous process got that far, and it completes the event when a crash
// landed between the dispatching save and the episode open.
func (c *Coordinator) Replay(ctx context.Context) error {
	events, err := c.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active sos events: %w", err)
	}

	now := c.clk.Now()
	for _, e := range events {
		switch e.State {
		case sosdom.StateCountdown:
			m := &managed{event: e, cancel: make(chan struct{})}
			c.mu.Lock()
			c.active[e.ID] = m
			c.byUser[e.UserID] = e.ID
			c.mu.Unlock()

			remaining := e.CountdownDeadline.Sub(now)
			c.log.Info("sos countdown replayed",
				"event_id", e.ID, "remaining", remaining.String())
			go c.countdown(m, remaining)

		case sosdom.StateDispatching:
			epID := alert.EpisodeID(e.UserID, e.TriggeredAt)
			m := &managed{event: e, cancel: make(chan struct{})}
			c.mu.Lock()
			c.active[e.ID] = m
			c.byUser[e.UserID] = e.ID
			c.byEpisode[epID] = e.ID
			c.mu.Unlock()
			c.log.Info("sos dispatch replayed", "event_id", e.ID, "episode_id", epID)

			if err := c.openEpisode(ctx, e); err != nil {
				c.log.Error("sos replay fan-out failed", "event_id", e.ID, "error", err)
				continue
			}
			if c.wake != nil {
				c.wake()
			}
		}
	}
	return nil
}

func (c *Coordinator) countdown(m *managed, d time.Duration) {
	select {
	case <-m.cancel:
		return
	case <-c.clk.After(d):
	}
	c.dispatch(m)
}

func (c *Coordinator) dispatch(m *managed) {
	ctx := context.Background()

	c.mu.Lock()
	if m.event.State != sosdom.StateCountdown {
		c.mu.Unlock()
		return
	}
	m.event.State = sosdom.StateDispatching
	m.event.UpdatedAt = c.clk.Now()
	e := m.event
	epID := alert.EpisodeID(e.UserID, e.TriggeredAt)
	c.byEpisode[epID] = e.ID
	c.mu.Unlock()

	if err := c.store.Save(ctx, e); err != nil {
		c.log.Error("persist sos dispatch failed", "event_id", e.ID, "error", err)
	}
	c.transitionMetric(sosdom.StateDispatching)

	if err := c.openEpisode(ctx, e); err != nil {
		c.log.Error("sos episode open failed", "event_id", e.ID, "error", err)
		return
	}

	if c.wake != nil {
		c.wake()
	}
}

func (c *Coordinator) openEpisode(ctx context.Context, e sosdom.Event) error {
	now := c.clk.Now()
	ep := alert.New(e.UserID, alert.KindSOS, e.TriggeredAt, now)

	u, err := c.users.GetByID(ctx, e.UserID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	contacts, err := c.gate.EligibleContacts(ctx, e.UserID)
	if err != nil {
		return fmt.Errorf("eligible contacts: %w", err)
	}

	var jobs []dispatch.Job
	if len(contacts) > 0 {
		payload, err := c.buildPayload(ctx, u, e)
		if err != nil {
			return fmt.Errorf("build payload: %w", err)
		}

		jobs = make([]dispatch.Job, 0, len(contacts))
		for _, ct := range contacts {
			jobs = append(jobs, dispatch.New(dispatch.NewJobRequest{
				Kind:      dispatch.KindAlert,
				EpisodeID: ep.ID,
				ContactID: ct.ID,
				UserID:    e.UserID,
				Channel:   ct.Channel,
				SOS:       true,
				Payload:   payload,
			}, now))
		}
	}

	// No check-in guard: a fresh check-in does not call off a manual SOS.
	result, err := c.episodes.OpenWithJobs(ctx, ep, jobs, nil)
	if err != nil {
		return err
	}

	switch result {
	case postgres.OpenResultOpened:
		if c.prom != nil {
			c.prom.EpisodesOpened.WithLabelValues(string(alert.KindSOS)).Inc()
		}
		c.log.Info("sos episode opened",
			"event_id", e.ID, "episode_id", ep.ID, "contacts", len(jobs))

	case postgres.OpenResultOpenedEmpty:
		if c.prom != nil {
			c.prom.EpisodesOpened.WithLabelValues(string(alert.KindSOS)).Inc()
		}
		c.log.Warn("sos with no eligible contacts", "event_id", e.ID, "episode_id", ep.ID)
		c.OnEpisodeClosed(ctx, ep.ID)

	case postgres.OpenResultAlreadyExists:
		// Replay path. The workers already closed the episode when the sent
		// save was what the crash lost; finish that transition here.
		existing, err := c.episodes.GetByID(ctx, ep.ID)
		if err != nil {
			return fmt.Errorf("load existing episode: %w", err)
		}
		if !existing.IsOpen() {
			c.OnEpisodeClosed(ctx, ep.ID)
		}
	}
	return nil
}

// buildPayload mirrors the scanner's disclosure rules. The trigger's own
// coordinates take precedence over any stored location; an explicit SOS
// overrides the stored-location consent gate for its own position.
func (c *Coordinator) buildPayload(ctx context.Context, u user.User, e sosdom.Event) ([]byte, error) {
	p := dispatch.AlertPayload{
		UserName:      u.Name,
		CycleDays:     u.CycleDays,
		LastCheckinAt: u.LastCheckinAt,
		Lat:           e.Lat,
		Lng:           e.Lng,
	}

	if c.cfg.PayloadKey != nil && u.IncludeMessage && u.PersonalMessage != nil {
		plain, err := vault.Open(c.cfg.PayloadKey, *u.PersonalMessage)
		if err != nil {
			c.log.Warn("personal message decryption failed, omitting", "user_id", u.ID, "error", err)
		} else {
			p.PersonalMessage = string(plain)
		}
	}

	pets, err := c.users.PetsForAlert(ctx, u.ID)
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

	if c.cfg.PayloadKey != nil {
		entries, err := c.users.VaultEntriesForAlert(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		for _, ent := range entries {
			plain, err := vault.Open(c.cfg.PayloadKey, ent.Ciphertext)
			if err != nil {
				c.log.Warn("vault entry decryption failed, omitting",
					"user_id", u.ID, "label", ent.Label, "error", err)
				continue
			}
			p.VaultEntries = append(p.VaultEntries, ent.Label+": "+string(plain))
		}
	}

	return dispatch.EncodeAlertPayload(p)
}

func (c *Coordinator) drop(eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.active[eventID]; ok {
		delete(c.byUser, m.event.UserID)
		delete(c.active, eventID)
	}
}

func (c *Coordinator) transitionMetric(s sosdom.State) {
	if c.prom != nil {
		c.prom.SOSTransitions.WithLabelValues(string(s)).Inc()
	}
}
