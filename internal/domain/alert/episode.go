package alert

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

var (
	ErrEpisodeNotFound = errors.New("episode not found")
	ErrEpisodeExists   = errors.New("episode already exists")
	ErrEpisodeClosed   = errors.New("episode already closed")
)

type Kind string

const (
	KindMissedCheckin Kind = "missed_checkin"
	KindSOS           Kind = "sos"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindMissedCheckin, KindSOS:
		return true
	default:
		return false
	}
}

type Resolution string

const (
	ResolutionNone                  Resolution = ""
	ResolutionUserCheckedIn         Resolution = "user_checked_in"
	ResolutionAllContactsDispatched Resolution = "all_contacts_dispatched"
	ResolutionSOSCancelled          Resolution = "sos_cancelled"
	ResolutionSOSSent               Resolution = "sos_sent"
)

func (r Resolution) IsValid() bool {
	switch r {
	case ResolutionNone, ResolutionUserCheckedIn, ResolutionAllContactsDispatched,
		ResolutionSOSCancelled, ResolutionSOSSent:
		return true
	default:
		return false
	}
}

// Episode is one unit of "alerts are warranted" for a user: one per
// overdue window or SOS trigger. Its id is a pure function of the inputs
// (EpisodeID), which is what makes episode creation idempotent across
// overlapping scans and multiple engine instances.
type Episode struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Kind       Kind       `json:"kind"`
	OpenedAt   time.Time  `json:"openedAt"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
	Resolution Resolution `json:"resolution,omitempty"`
}

func (e Episode) IsOpen() bool { return e.ClosedAt == nil }

// EpisodeID derives the deterministic episode id from the user and the
// start of the overdue window (or the SOS trigger instant). FNV-1a is
// enough here: the id only has to be stable, not cryptographic.
func EpisodeID(userID string, windowStart time.Time) string {
	h := fnv.New64a()

	_, _ = h.Write([]byte(userID))
	_, _ = h.Write([]byte{0})

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(windowStart.UTC().Unix()))
	_, _ = h.Write(buf[:])

	return fmt.Sprintf("%016x", h.Sum64())
}

// New builds an open episode with its deterministic id.
func New(userID string, kind Kind, windowStart, openedAt time.Time) Episode {
	return Episode{
		ID:       EpisodeID(userID, windowStart),
		UserID:   userID,
		Kind:     kind,
		OpenedAt: openedAt.UTC(),
	}
}

// CloseResolution is the terminal resolution a worker applies when the
// last job of the episode terminates.
func (k Kind) CloseResolution() Resolution {
	if k == KindSOS {
		return ResolutionSOSSent
	}
	return ResolutionAllContactsDispatched
}
