package contact

import "time"

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelPush:
		return true
	default:
		return false
	}
}

type ConsentStatus string

const (
	ConsentPending  ConsentStatus = "pending"
	ConsentApproved ConsentStatus = "approved"
	ConsentRejected ConsentStatus = "rejected"
	ConsentExpired  ConsentStatus = "expired"
)

func (s ConsentStatus) IsValid() bool {
	switch s {
	case ConsentPending, ConsentApproved, ConsentRejected, ConsentExpired:
		return true
	default:
		return false
	}
}

// Contact is an emergency contact pre-registered by a user. Priority 1 is
// dispatched first.
type Contact struct {
	ID               string        `json:"id"`
	UserID           string        `json:"userId"`
	Name             string        `json:"name"`
	Channel          Channel       `json:"channel"`
	Address          string        `json:"address"`
	Priority         int           `json:"priority"` // 1..3
	ConsentStatus    ConsentStatus `json:"consentStatus"`
	ConsentExpiresAt *time.Time    `json:"consentExpiresAt,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// EligibleAt reports whether this contact may receive alerts: approved and
// either no expiry or an expiry strictly in the future.
func (c Contact) EligibleAt(now time.Time) bool {
	if c.ConsentStatus != ConsentApproved {
		return false
	}
	if c.ConsentExpiresAt == nil {
		return true
	}
	return c.ConsentExpiresAt.After(now)
}
