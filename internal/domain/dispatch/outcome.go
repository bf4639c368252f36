package dispatch

import (
	"time"

	"github.com/solocheck/solocheck/internal/domain/contact"
)

// Outcome is the terminal classification of one delivery attempt as the
// ledger and delivery log record it.
type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeProviderReject   Outcome = "provider_reject"
	OutcomeTransientFail    Outcome = "transient_fail"
	OutcomeInvalidAddress   Outcome = "invalid_address"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
)

func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSent, OutcomeProviderReject, OutcomeTransientFail,
		OutcomeInvalidAddress, OutcomeSkippedDuplicate:
		return true
	default:
		return false
	}
}

// LedgerTerminal reports whether this outcome belongs in the idempotency
// ledger: once recorded, no further provider call may happen for the key.
func (o Outcome) LedgerTerminal() bool {
	switch o {
	case OutcomeSent, OutcomeProviderReject, OutcomeInvalidAddress:
		return true
	default:
		return false
	}
}

// LedgerKey identifies one (episode, contact, channel) delivery for
// duplicate suppression across retries and restarts.
type LedgerKey struct {
	EpisodeID string
	ContactID string
	Channel   contact.Channel
}

// DeliveryEntry is one append-only delivery log record.
type DeliveryEntry struct {
	EpisodeID     string          `json:"episodeId"`
	ContactID     string          `json:"contactId"`
	Channel       contact.Channel `json:"channel"`
	Attempt       int             `json:"attempt"`
	Outcome       Outcome         `json:"outcome"`
	ProviderMsgID *string         `json:"providerMsgId,omitempty"`
	Error         string          `json:"error,omitempty"` // sanitized
	CreatedAt     time.Time       `json:"createdAt"`
}
