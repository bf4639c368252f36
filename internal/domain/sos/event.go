package sos

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEventNotFound   = errors.New("sos event not found")
	ErrNotCancellable  = errors.New("sos event is no longer cancellable")
	ErrBadTransition   = errors.New("illegal sos state transition")
	ErrAlreadyTerminal = errors.New("sos event already terminal")
)

type State string

const (
	StateCountdown   State = "countdown"
	StateCancelled   State = "cancelled"
	StateDispatching State = "dispatching"
	StateSent        State = "sent"
)

func (s State) IsValid() bool {
	switch s {
	case StateCountdown, StateCancelled, StateDispatching, StateSent:
		return true
	default:
		return false
	}
}

func (s State) Terminal() bool {
	return s == StateCancelled || s == StateSent
}

// CanTransitionTo enforces countdown -> (cancelled | dispatching -> sent).
// Cancellation is only possible during the countdown.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StateCountdown:
		return next == StateCancelled || next == StateDispatching
	case StateDispatching:
		return next == StateSent
	default:
		return false
	}
}

// Event is a live SOS. It is memory-backed in the coordinator with a
// durable mirror written before every transition returns.
type Event struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	TriggeredAt       time.Time `json:"triggeredAt"`
	State             State     `json:"state"`
	Lat               *float64  `json:"lat,omitempty"`
	Lng               *float64  `json:"lng,omitempty"`
	CountdownDeadline time.Time `json:"countdownDeadline"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func New(userID string, triggeredAt time.Time, countdown time.Duration, lat, lng *float64) Event {
	return Event{
		ID:                uuid.NewString(),
		UserID:            userID,
		TriggeredAt:       triggeredAt.UTC(),
		State:             StateCountdown,
		Lat:               lat,
		Lng:               lng,
		CountdownDeadline: triggeredAt.UTC().Add(countdown),
		UpdatedAt:         triggeredAt.UTC(),
	}
}
