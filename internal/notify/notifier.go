// Package notify holds the channel adapters. Adapters are stateless and
// thread-safe: they translate one rendered message into one provider call
// and classify the result; recording the outcome is the worker's job.
package notify

import (
	"context"

	"github.com/solocheck/solocheck/internal/domain/dispatch"
)

// Message is a rendered, addressed notification.
type Message struct {
	To        string // email address or device push token
	Subject   string
	BodyText  string
	BodyHTML  string
	PushType  string // reminder | alert | sos
	EpisodeID string // empty for reminders
}

// Outcome is the adapter-level classification of one send. Exactly one of
// the four variants below implements it.
type Outcome interface {
	outcome()
}

// Sent: the provider accepted the message.
type Sent struct {
	ProviderMsgID string
}

// InvalidAddress: the provider rejected the recipient permanently.
type InvalidAddress struct {
	Reason string
}

// TransientFail: network error, 5xx, rate limit. Retryable.
type TransientFail struct {
	Reason string
}

// ProviderReject: the provider rejected the content. Terminal.
type ProviderReject struct {
	Reason string
}

func (Sent) outcome()           {}
func (InvalidAddress) outcome() {}
func (TransientFail) outcome()  {}
func (ProviderReject) outcome() {}

type Adapter interface {
	Send(ctx context.Context, msg Message) Outcome
}

// ToDispatchOutcome maps an adapter outcome onto the enumerated delivery
// outcome the ledger and log store.
func ToDispatchOutcome(o Outcome) (dispatch.Outcome, string, string) {
	switch v := o.(type) {
	case Sent:
		return dispatch.OutcomeSent, v.ProviderMsgID, ""
	case InvalidAddress:
		return dispatch.OutcomeInvalidAddress, "", v.Reason
	case ProviderReject:
		return dispatch.OutcomeProviderReject, "", v.Reason
	case TransientFail:
		return dispatch.OutcomeTransientFail, "", v.Reason
	default:
		return dispatch.OutcomeTransientFail, "", "unclassified adapter outcome"
	}
}
