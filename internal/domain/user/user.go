package user

import "time"

// User is the engine's read-only view of an account. The only field the
// wider system writes that we care about is LastCheckinAt; the engine
// itself never mutates a user row.
type User struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Email             string     `json:"email"`
	CycleDays         int        `json:"cycleDays"`
	GraceHours        int        `json:"graceHours"`
	LastCheckinAt     *time.Time `json:"lastCheckinAt,omitempty"`
	IsActive          bool       `json:"isActive"`
	DevicePushToken   *string    `json:"-"`
	Timezone          string     `json:"timezone"` // IANA name, quiet-hours math
	LocationConsent   bool       `json:"locationConsent"`
	LocationConsentAt *time.Time `json:"locationConsentAt,omitempty"`

	// Personal message, secretbox ciphertext (base64). Disclosed in alerts
	// only when IncludeMessage is set and the payload key can open it.
	PersonalMessage *string `json:"-"`
	IncludeMessage  bool    `json:"includeMessage"`
}

// Pet is an animal the user registered for disclosure to contacts.
type Pet struct {
	UserID         string `json:"userId"`
	Name           string `json:"name"`
	Species        string `json:"species"`
	CareNotes      string `json:"careNotes"`
	IncludeInAlert bool   `json:"includeInAlert"`
}

// Deadline is the soft deadline: the instant the next check-in was expected.
// Callers must ensure LastCheckinAt is non-nil.
func (u User) Deadline() time.Time {
	return u.LastCheckinAt.Add(time.Duration(u.CycleDays) * 24 * time.Hour)
}

// OverdueAt is the deadline plus the grace period. A zero grace is a
// zero-width grace: the user is overdue the moment the deadline passes.
func (u User) OverdueAt() time.Time {
	return u.Deadline().Add(time.Duration(u.GraceHours) * time.Hour)
}

// IsOverdue reports whether the user has missed their check-in window.
// Users without a baseline check-in are never overdue.
func (u User) IsOverdue(now time.Time) bool {
	if !u.IsActive || u.LastCheckinAt == nil {
		return false
	}
	return u.OverdueAt().Before(now)
}

func (u User) Location(tzFallback *time.Location) *time.Location {
	if u.Timezone != "" {
		if loc, err := time.LoadLocation(u.Timezone); err == nil {
			return loc
		}
	}
	if tzFallback != nil {
		return tzFallback
	}
	return time.UTC
}
