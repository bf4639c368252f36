package dispatch

import (
	"encoding/json"
	"fmt"
	"time"
)

// AlertPayload is resolved by whoever opens the episode (scanner or SOS
// coordinator) and rides on every job of that episode. It carries only
// sanitized, already-disclosed fields; workers never reach back into the
// vault at send time.
type AlertPayload struct {
	UserName        string     `json:"userName"`
	CycleDays       int        `json:"cycleDays"`
	LastCheckinAt   *time.Time `json:"lastCheckinAt,omitempty"`
	PersonalMessage string     `json:"personalMessage,omitempty"`
	Pets            []string   `json:"pets,omitempty"`
	VaultEntries    []string   `json:"vaultEntries,omitempty"`
	Lat             *float64   `json:"lat,omitempty"`
	Lng             *float64   `json:"lng,omitempty"`
}

// ReminderPayload rides on reminder jobs.
type ReminderPayload struct {
	UserName     string    `json:"userName"`
	DeadlineAt   time.Time `json:"deadlineAt"`
	HoursBefore  int       `json:"hoursBefore"`
	CustomPrefix string    `json:"customPrefix,omitempty"`
}

func EncodeAlertPayload(p AlertPayload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}

func EncodeReminderPayload(p ReminderPayload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}

// DecodePayload unmarshals a job's payload into the typed struct for its
// kind.
func DecodePayload(j Job) (any, error) {
	if len(j.Payload) == 0 {
		return nil, ErrInvalidPayload
	}

	switch j.Kind {
	case KindAlert:
		var p AlertPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil

	case KindReminder:
		var p ReminderPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil

	default:
		return nil, ErrInvalidJobKind
	}
}
