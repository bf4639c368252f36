package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/solocheck/solocheck/internal/domain/alert"
	"github.com/solocheck/solocheck/internal/domain/contact"
	"github.com/solocheck/solocheck/internal/domain/dispatch"
	"github.com/solocheck/solocheck/internal/domain/user"
	"github.com/solocheck/solocheck/internal/notify"
	"github.com/solocheck/solocheck/internal/render"
)

type Queue interface {
	Claim(ctx context.Context, workerID string, now time.Time, lease time.Duration) (dispatch.Job, error)
	Enqueue(ctx context.Context, j dispatch.Job) error
	MarkDelivered(ctx context.Context, id string, now time.Time) error
	MarkDead(ctx context.Context, id string, errMsg string, now time.Time) error
	MarkFailed(ctx context.Context, id string, errMsg string, now time.Time) error
	ExtendClaim(ctx context.Context, id string, until time.Time) error
	RequeueExpired(ctx context.Context, now time.Time) (int64, error)
	CountActiveForEpisode(ctx context.Context, episodeID string) (int, error)
}

type Episodes interface {
	GetByID(ctx context.Context, id string) (alert.Episode, error)
	Close(ctx context.Context, id string, resolution alert.Resolution, now time.Time) (bool, error)
}

type Ledger interface {
	Check(ctx context.Context, key dispatch.LedgerKey) (dispatch.Outcome, bool, error)
	Record(ctx context.Context, key dispatch.LedgerKey, outcome dispatch.Outcome, providerMsgID *string, now time.Time) error
}

type DeliveryLog interface {
	Append(ctx context.Context, e dispatch.DeliveryEntry) error
}

type ConsentCheck interface {
	Eligible(ctx context.Context, userID, contactID string) (contact.Contact, bool, error)
}

type Users interface {
	GetByID(ctx context.Context, id string) (user.User, error)
}

// processJob runs one claimed job to a terminal state (or a scheduled
// retry). Every exit path marks the job; a path that cannot is left to the
// lease sweeper.
func (p *Pool) processJob(ctx context.Context, j dispatch.Job) {
	start := time.Now()
	result := "dead"

	if p.prom != nil {
		p.prom.JobsInFlight.Inc()
	}
	defer func() {
		if p.prom != nil {
			p.prom.JobsInFlight.Dec()
			p.prom.JobDuration.WithLabelValues(string(j.Channel), result).Observe(time.Since(start).Seconds())
			p.prom.JobResults.WithLabelValues(string(j.Channel), result).Inc()
		}
	}()

	switch j.Kind {
	case dispatch.KindReminder:
		result = p.processReminder(ctx, j)
	default:
		result = p.processAlert(ctx, j)
	}
}

func (p *Pool) processAlert(ctx context.Context, j dispatch.Job) string {
	now := p.clk.Now()
	log := p.log.With("job_id", j.ID, "episode_id", j.EpisodeID,
		"contact_id", j.ContactID, "channel", string(j.Channel), "attempt", j.Attempt)

	ep, err := p.episodes.GetByID(ctx, j.EpisodeID)
	if err != nil {
		log.Error("load episode failed", "error", err)
		p.markFailedOrDead(ctx, j, "load episode: "+err.Error(), now)
		return "retry"
	}

	// A cancelled episode means the user checked in while this job was
	// queued or in flight. Drop without a provider call and without a
	// ledger entry.
	if ep.Resolution == alert.ResolutionUserCheckedIn {
		if err := p.jobs.MarkDead(ctx, j.ID, "episode cancelled: user checked in", now); err != nil {
			log.Error("mark dead failed", "error", err)
		}
		log.Info("job dropped, episode cancelled")
		return "skipped"
	}

	key := dispatch.LedgerKey{EpisodeID: j.EpisodeID, ContactID: j.ContactID, Channel: j.Channel}

	if prev, done, err := p.ledger.Check(ctx, key); err != nil {
		log.Error("ledger check failed", "error", err)
		p.markFailedOrDead(ctx, j, "ledger check: "+err.Error(), now)
		return "retry"
	} else if done {
		p.appendLog(ctx, j, dispatch.OutcomeSkippedDuplicate, nil,
			fmt.Sprintf("already settled as %s", prev), now)
		if err := p.jobs.MarkDelivered(ctx, j.ID, now); err != nil {
			log.Error("mark delivered failed", "error", err)
		}
		p.maybeCloseEpisode(ctx, ep)
		log.Info("job skipped, ledger already settled", "prior_outcome", string(prev))
		return "skipped"
	}

	ct, eligible, err := p.consent.Eligible(ctx, j.UserID, j.ContactID)
	if err != nil {
		log.Error("consent check failed", "error", err)
		p.markFailedOrDead(ctx, j, "consent check: "+err.Error(), now)
		return "retry"
	}
	if !eligible {
		// Withdrawn consent settles the job like a duplicate would: marked
		// delivered so nothing retries, logged so the audit trail says why.
		p.appendLog(ctx, j, dispatch.OutcomeSkippedDuplicate, nil, "consent revoked or expired", now)
		if err := p.jobs.MarkDelivered(ctx, j.ID, now); err != nil {
			log.Error("mark delivered failed", "error", err)
		}
		p.maybeCloseEpisode(ctx, ep)
		log.Info("job skipped, consent revoked or expired")
		return "skipped"
	}

	msg, err := p.renderAlert(j, ct)
	if err != nil {
		// Render failures are deterministic; retrying cannot help.
		log.Error("render failed", "error", err)
		if err := p.jobs.MarkDead(ctx, j.ID, "render: "+err.Error(), now); err != nil {
			log.Error("mark dead failed", "error", err)
		}
		p.maybeCloseEpisode(ctx, ep)
		return "dead"
	}

	// Rendering plus a slow provider can outlive the original lease.
	if err := p.jobs.ExtendClaim(ctx, j.ID, now.Add(p.cfg.Lease)); err != nil {
		log.Warn("extend claim failed", "error", err)
	}

	outcome := p.send(ctx, j.Channel, msg)
	return p.settle(ctx, j, ep, key, outcome, log)
}

// settle records the adapter outcome everywhere it belongs: ledger for
// terminal outcomes, the delivery log always, and the job row.
func (p *Pool) settle(ctx context.Context, j dispatch.Job, ep alert.Episode, key dispatch.LedgerKey, o notify.Outcome, log *slog.Logger) string {
	now := p.clk.Now()
	out, providerID, reason := notify.ToDispatchOutcome(o)

	if p.prom != nil {
		p.prom.AdapterOutcomes.WithLabelValues(string(j.Channel), string(out)).Inc()
	}

	var pid *string
	if providerID != "" {
		pid = &providerID
	}
	p.appendLog(ctx, j, out, pid, reason, now)

	if out.LedgerTerminal() {
		if err := p.ledger.Record(ctx, key, out, pid, now); err != nil {
			log.Error("ledger record failed", "error", err)
			p.markFailedOrDead(ctx, j, "ledger record: "+err.Error(), now)
			return "retry"
		}
	}

	switch out {
	case dispatch.OutcomeSent:
		if err := p.jobs.MarkDelivered(ctx, j.ID, now); err != nil {
			log.Error("mark delivered failed", "error", err)
		}
		p.maybeCloseEpisode(ctx, ep)
		log.Info("delivered", "provider_msg_id", providerID)
		return "delivered"

	case dispatch.OutcomeInvalidAddress, dispatch.OutcomeProviderReject:
		if err := p.jobs.MarkDead(ctx, j.ID, string(out)+": "+reason, now); err != nil {
			log.Error("mark dead failed", "error", err)
		}
		p.maybeCloseEpisode(ctx, ep)
		log.Info("terminal provider outcome", "outcome", string(out), "reason", reason)
		return "dead"

	default: // transient
		if j.Attempt >= p.cfg.MaxAttempts {
			if err := p.jobs.MarkDead(ctx, j.ID, "attempts exhausted: "+reason, now); err != nil {
				log.Error("mark dead failed", "error", err)
			}
			p.maybeCloseEpisode(ctx, ep)
			log.Error("attempts exhausted", "reason", reason, "attempts", j.Attempt)
			return "dead"
		}

		delay := Backoff(j.Attempt, p.cfg.BackoffBase, p.cfg.BackoffCap)
		retry := j.Retry(now.Add(delay), now)
		if err := p.jobs.Enqueue(ctx, retry); err != nil {
			log.Error("enqueue retry failed", "error", err)
			p.markFailedOrDead(ctx, j, "enqueue retry: "+err.Error(), now)
			return "retry"
		}
		if err := p.jobs.MarkFailed(ctx, j.ID, reason, now); err != nil {
			log.Error("mark failed failed", "error", err)
		}
		log.Info("transient failure, retry scheduled",
			"reason", reason, "next_attempt", retry.Attempt, "delay", delay.String())
		return "retry"
	}
}

func (p *Pool) processReminder(ctx context.Context, j dispatch.Job) string {
	now := p.clk.Now()
	log := p.log.With("job_id", j.ID, "user_id", j.UserID, "kind", "reminder", "attempt", j.Attempt)

	u, err := p.users.GetByID(ctx, j.UserID)
	if err != nil {
		log.Error("load user failed", "error", err)
		p.markFailedOrDead(ctx, j, "load user: "+err.Error(), now)
		return "retry"
	}
	if u.DevicePushToken == nil || *u.DevicePushToken == "" {
		if err := p.jobs.MarkDead(ctx, j.ID, "no device push token", now); err != nil {
			log.Error("mark dead failed", "error", err)
		}
		return "skipped"
	}

	var payload dispatch.ReminderPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		if err := p.jobs.MarkDead(ctx, j.ID, "bad payload: "+err.Error(), now); err != nil {
			log.Error("mark dead failed", "error", err)
		}
		return "dead"
	}

	rendered, err := render.Render(render.KindReminder, render.Context{
		UserName:     payload.UserName,
		CustomPrefix: payload.CustomPrefix,
		DeadlineAt:   payload.DeadlineAt,
		HoursBefore:  payload.HoursBefore,
	})
	if err != nil {
		if err := p.jobs.MarkDead(ctx, j.ID, "render: "+err.Error(), now); err != nil {
			log.Error("mark dead failed", "error", err)
		}
		return "dead"
	}

	msg := notify.Message{
		To:       *u.DevicePushToken,
		Subject:  rendered.Subject,
		BodyText: rendered.BodyText,
		BodyHTML: rendered.BodyHTML,
		PushType: render.KindReminder.PushType(),
	}

	if err := p.jobs.ExtendClaim(ctx, j.ID, now.Add(p.cfg.Lease)); err != nil {
		log.Warn("extend claim failed", "error", err)
	}

	outcome := p.send(ctx, contact.ChannelPush, msg)
	out, providerID, reason := notify.ToDispatchOutcome(outcome)

	if p.prom != nil {
		p.prom.AdapterOutcomes.WithLabelValues(string(contact.ChannelPush), string(out)).Inc()
	}

	switch out {
	case dispatch.OutcomeSent:
		if err := p.jobs.MarkDelivered(ctx, j.ID, now); err != nil {
			log.Error("mark delivered failed", "error", err)
		}
		log.Info("reminder delivered", "provider_msg_id", providerID)
		return "delivered"

	case dispatch.OutcomeTransientFail:
		// Reminders are nudges: one retry round is plenty.
		if j.Attempt >= 2 {
			if err := p.jobs.MarkDead(ctx, j.ID, "attempts exhausted: "+reason, now); err != nil {
				log.Error("mark dead failed", "error", err)
			}
			return "dead"
		}
		retry := j.Retry(now.Add(Backoff(j.Attempt, p.cfg.BackoffBase, p.cfg.BackoffCap)), now)
		if err := p.jobs.Enqueue(ctx, retry); err != nil {
			log.Error("enqueue retry failed", "error", err)
		}
		if err := p.jobs.MarkFailed(ctx, j.ID, reason, now); err != nil {
			log.Error("mark failed failed", "error", err)
		}
		return "retry"

	default:
		if err := p.jobs.MarkDead(ctx, j.ID, string(out)+": "+reason, now); err != nil {
			log.Error("mark dead failed", "error", err)
		}
		return "dead"
	}
}

func (p *Pool) renderAlert(j dispatch.Job, ct contact.Contact) (notify.Message, error) {
	var payload dispatch.AlertPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return notify.Message{}, fmt.Errorf("bad payload: %w", err)
	}

	kind := render.KindMissedCheckinAlert
	if j.SOS {
		kind = render.KindSOSAlert
	}

	rctx := render.Context{
		UserName:        payload.UserName,
		ContactName:     ct.Name,
		EpisodeID:       j.EpisodeID,
		CycleDays:       payload.CycleDays,
		LastCheckinAt:   payload.LastCheckinAt,
		PersonalMessage: payload.PersonalMessage,
		Pets:            payload.Pets,
		VaultEntries:    payload.VaultEntries,
	}
	if payload.Lat != nil && payload.Lng != nil {
		rctx.Location = &render.LatLng{Lat: *payload.Lat, Lng: *payload.Lng}
	}

	rendered, err := render.Render(kind, rctx)
	if err != nil {
		return notify.Message{}, err
	}

	return notify.Message{
		To:        ct.Address,
		Subject:   rendered.Subject,
		BodyText:  rendered.BodyText,
		BodyHTML:  rendered.BodyHTML,
		PushType:  kind.PushType(),
		EpisodeID: j.EpisodeID,
	}, nil
}

func (p *Pool) send(ctx context.Context, ch contact.Channel, msg notify.Message) notify.Outcome {
	adapter, ok := p.adapters[ch]
	if !ok {
		return notify.ProviderReject{Reason: "no adapter for channel " + string(ch)}
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.AdapterTimeout)
	defer cancel()
	return adapter.Send(sendCtx, msg)
}

// markFailedOrDead handles infrastructure errors (not provider outcomes):
// retry through the normal backoff path until attempts run out.
func (p *Pool) markFailedOrDead(ctx context.Context, j dispatch.Job, reason string, now time.Time) {
	if j.Attempt >= p.cfg.MaxAttempts {
		if err := p.jobs.MarkDead(ctx, j.ID, reason, now); err != nil {
			p.log.Error("mark dead failed", "job_id", j.ID, "error", err)
		}
		return
	}

	retry := j.Retry(now.Add(Backoff(j.Attempt, p.cfg.BackoffBase, p.cfg.BackoffCap)), now)
	if err := p.jobs.Enqueue(ctx, retry); err != nil {
		p.log.Error("enqueue retry failed", "job_id", j.ID, "error", err)
	}
	if err := p.jobs.MarkFailed(ctx, j.ID, reason, now); err != nil {
		p.log.Error("mark failed failed", "job_id", j.ID, "error", err)
	}
}

// maybeCloseEpisode closes the episode once no job of it can still
// produce a send, and fires the closure hook (the SOS coordinator's sent
// transition) for the winning closer only.
func (p *Pool) maybeCloseEpisode(ctx context.Context, ep alert.Episode) {
	if !ep.IsOpen() {
		return
	}

	active, err := p.jobs.CountActiveForEpisode(ctx, ep.ID)
	if err != nil {
		p.log.Error("count active for episode failed", "episode_id", ep.ID, "error", err)
		return
	}
	if active > 0 {
		return
	}

	closed, err := p.episodes.Close(ctx, ep.ID, ep.Kind.CloseResolution(), p.clk.Now())
	if err != nil {
		p.log.Error("close episode failed", "episode_id", ep.ID, "error", err)
		return
	}
	if !closed {
		return
	}

	p.log.Info("episode closed", "episode_id", ep.ID, "resolution", string(ep.Kind.CloseResolution()))
	if p.onEpisodeClosed != nil {
		p.onEpisodeClosed(ctx, ep.ID)
	}
}

func (p *Pool) appendLog(ctx context.Context, j dispatch.Job, out dispatch.Outcome, providerID *string, errMsg string, now time.Time) {
	entry := dispatch.DeliveryEntry{
		EpisodeID:     j.EpisodeID,
		ContactID:     j.ContactID,
		Channel:       j.Channel,
		Attempt:       j.Attempt,
		Outcome:       out,
		ProviderMsgID: providerID,
		Error:         errMsg,
		CreatedAt:     now,
	}
	if err := p.deliveryLog.Append(ctx, entry); err != nil {
		p.log.Error("delivery log append failed", "job_id", j.ID, "error", err)
	}
}
