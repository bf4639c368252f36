package dispatch

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/solocheck/solocheck/internal/domain/contact"
)

var (
	ErrJobNotFound      = errors.New("dispatch job not found")
	ErrInvalidJobKind   = errors.New("invalid dispatch job kind")
	ErrInvalidChannel   = errors.New("invalid dispatch channel")
	ErrInvalidPayload   = errors.New("invalid dispatch payload")
	ErrBadJobTransition = errors.New("illegal dispatch job state transition")
)

type Kind string

const (
	KindAlert    Kind = "alert"
	KindReminder Kind = "reminder"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindAlert, KindReminder:
		return true
	default:
		return false
	}
}

type State string

const (
	StateQueued    State = "queued"
	StateInFlight  State = "in_flight"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
	StateDead      State = "dead"
)

func (s State) IsValid() bool {
	switch s {
	case StateQueued, StateInFlight, StateDelivered, StateFailed, StateDead:
		return true
	default:
		return false
	}
}

func (s State) Terminal() bool {
	return s == StateDelivered || s == StateDead
}

// CanTransitionTo enforces queued -> in_flight -> {delivered|failed} ->
// (failed only) dead. A queued job may also go straight to dead on
// episode cancellation, and an expired in-flight claim returns to queued.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StateQueued:
		return next == StateInFlight || next == StateDead
	case StateInFlight:
		return next == StateDelivered || next == StateFailed || next == StateDead || next == StateQueued
	case StateFailed:
		return next == StateDead
	default:
		return false
	}
}

// Job is one attempt-set to deliver an episode's alert to one contact on
// one channel, or, for KindReminder, one reminder push to the user's own
// device. Retries materialize as fresh rows with attempt+1; the key
// (EpisodeID, ContactID, Channel) stays constant across them, which is
// what the idempotency ledger pins on.
type Job struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	EpisodeID string          `json:"episodeId,omitempty"` // empty for reminders
	ContactID string          `json:"contactId,omitempty"` // empty for reminders
	UserID    string          `json:"userId"`
	Channel   contact.Channel `json:"channel"`
	Attempt   int             `json:"attempt"` // starts at 1
	NotBefore time.Time       `json:"notBefore"`
	State     State           `json:"state"`
	SOS       bool            `json:"sos"` // use the sos-alert template
	Payload   json.RawMessage `json:"payload"`

	ClaimedBy      *string    `json:"claimedBy,omitempty"`
	ClaimExpiresAt *time.Time `json:"claimExpiresAt,omitempty"`
	LastError      *string    `json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type NewJobRequest struct {
	Kind      Kind
	EpisodeID string
	ContactID string
	UserID    string
	Channel   contact.Channel
	Attempt   int
	NotBefore time.Time
	SOS       bool
	Payload   json.RawMessage
}

func New(req NewJobRequest, now time.Time) Job {
	attempt := req.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	notBefore := req.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}

	return Job{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		EpisodeID: req.EpisodeID,
		ContactID: req.ContactID,
		UserID:    req.UserID,
		Channel:   req.Channel,
		Attempt:   attempt,
		NotBefore: notBefore.UTC(),
		State:     StateQueued,
		SOS:       req.SOS,
		Payload:   req.Payload,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// Retry derives the next-attempt job for a transient failure. The key
// fields carry over untouched.
func (j Job) Retry(notBefore, now time.Time) Job {
	next := New(NewJobRequest{
		Kind:      j.Kind,
		EpisodeID: j.EpisodeID,
		ContactID: j.ContactID,
		UserID:    j.UserID,
		Channel:   j.Channel,
		Attempt:   j.Attempt + 1,
		NotBefore: notBefore,
		SOS:       j.SOS,
		Payload:   j.Payload,
	}, now)
	return next
}

const maxErrorLen = 512

// TruncateError keeps stored provider errors bounded.
func TruncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	return msg[:maxErrorLen]
}
