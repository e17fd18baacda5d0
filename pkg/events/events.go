// Package events translates raw signaling engine callbacks into typed
// domain events and publishes them to subscribers, correlating each
// event back to a registry session.
package events

import (
	"sipkit-server/pkg/engine"
	"sipkit-server/pkg/session"
)

// Event is a published domain event. Concrete types carry the affected
// session snapshot, where applicable, plus event-specific payload.
type Event interface {
	// EventName returns the stable wire name of the event.
	EventName() string
}

// Referral is an immutable record of one received REFER.
type Referral struct {
	ID      int    `json:"id"`
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// InstantMessage is an immutable record of one instant message.
type InstantMessage struct {
	FromName    string `json:"from_name,omitempty"`
	FromNumber  string `json:"from_number,omitempty"`
	ToName      string `json:"to_name,omitempty"`
	ToNumber    string `json:"to_number,omitempty"`
	MimeType    string `json:"mime_type"`
	SubMimeType string `json:"sub_mime_type"`
	Body        []byte `json:"body"`
}

// Presence is an immutable record of one presence update.
type Presence struct {
	Name      string `json:"name"`
	Number    string `json:"number"`
	StateText string `json:"state_text,omitempty"`
}

// Subscription is an immutable record of one presence subscription
// request.
type Subscription struct {
	ID      int64  `json:"id"`
	Subject string `json:"subject"`
	Name    string `json:"name"`
	Number  string `json:"number"`
}

// WaitingMessage is an immutable record of one message-waiting
// indication.
type WaitingMessage struct {
	Account   string `json:"account"`
	UrgentNew int32  `json:"urgent_new"`
	UrgentOld int32  `json:"urgent_old"`
	New       int32  `json:"new"`
	Old       int32  `json:"old"`
}

// Call lifecycle events.

type CallIncoming struct {
	Session session.Snapshot `json:"session"`
}

func (CallIncoming) EventName() string { return "call-incoming" }

type CallOutgoing struct {
	Session session.Snapshot `json:"session"`
}

func (CallOutgoing) EventName() string { return "call-outgoing" }

type CallProgress struct {
	Session session.Snapshot `json:"session"`
}

func (CallProgress) EventName() string { return "call-progress" }

type CallRinging struct {
	Session session.Snapshot `json:"session"`
	Reason  string           `json:"reason,omitempty"`
	Code    int32            `json:"code,omitempty"`
}

func (CallRinging) EventName() string { return "call-ringing" }

type CallAnswered struct {
	Session session.Snapshot `json:"session"`
}

func (CallAnswered) EventName() string { return "call-answered" }

type CallFailed struct {
	Session session.Snapshot `json:"session"`
	Reason  string           `json:"reason,omitempty"`
	Code    int32            `json:"code,omitempty"`
}

func (CallFailed) EventName() string { return "call-failed" }

type CallUpdated struct {
	Session session.Snapshot `json:"session"`
}

func (CallUpdated) EventName() string { return "call-updated" }

type CallConnected struct {
	Session session.Snapshot `json:"session"`
}

func (CallConnected) EventName() string { return "call-connected" }

type CallClosed struct {
	Session session.Snapshot `json:"session"`
}

func (CallClosed) EventName() string { return "call-closed" }

type CallRemoteHold struct {
	Session session.Snapshot `json:"session"`
}

func (CallRemoteHold) EventName() string { return "call-remote-hold" }

type CallRemoteUnhold struct {
	Session session.Snapshot `json:"session"`
}

func (CallRemoteUnhold) EventName() string { return "call-remote-unhold" }

// SessionError reports a registry failure on behalf of an engine
// callback, e.g. an inbound invite with a duplicate session id.
type SessionError struct {
	SessionID int   `json:"session_id"`
	Err       error `json:"-"`
}

func (SessionError) EventName() string { return "call-session-error" }

// Registration events.

type RegisterSuccess struct {
	StatusText string `json:"status_text"`
	Code       int32  `json:"code"`
}

func (RegisterSuccess) EventName() string { return "register-success" }

type RegisterFailure struct {
	StatusText string `json:"status_text"`
	Code       int32  `json:"code"`
}

func (RegisterFailure) EventName() string { return "register-failure" }

// Referral events.

type ReferReceived struct {
	Session  session.Snapshot `json:"session"`
	Referral Referral         `json:"referral"`
}

func (ReferReceived) EventName() string { return "refer-received" }

type ReferAccepted struct {
	Session session.Snapshot `json:"session"`
}

func (ReferAccepted) EventName() string { return "refer-accepted" }

type ReferRejected struct {
	Session session.Snapshot `json:"session"`
	Reason  string           `json:"reason,omitempty"`
	Code    int32            `json:"code,omitempty"`
}

func (ReferRejected) EventName() string { return "refer-rejected" }

type ReferSuccess struct {
	Session session.Snapshot `json:"session"`
}

func (ReferSuccess) EventName() string { return "refer-success" }

type ReferFailure struct {
	Session session.Snapshot `json:"session"`
	Reason  string           `json:"reason,omitempty"`
	Code    int32            `json:"code,omitempty"`
}

func (ReferFailure) EventName() string { return "refer-failure" }

// DTMF events.

type DTMFReceived struct {
	Session session.Snapshot `json:"session"`
	Tone    engine.DTMFTone  `json:"tone"`
}

func (DTMFReceived) EventName() string { return "dtmf-received" }

// Messaging events.

type MessageReceived struct {
	// Session is nil for out-of-dialog messages.
	Session *session.Snapshot `json:"session,omitempty"`
	Message InstantMessage    `json:"message"`
}

func (MessageReceived) EventName() string { return "message-received" }

type MessageSent struct {
	Session   session.Snapshot `json:"session"`
	MessageID int64            `json:"message_id"`
}

func (MessageSent) EventName() string { return "message-sent" }

type MessageFailed struct {
	Session   session.Snapshot `json:"session"`
	MessageID int64            `json:"message_id"`
	Reason    string           `json:"reason,omitempty"`
	Code      int32            `json:"code,omitempty"`
}

func (MessageFailed) EventName() string { return "message-failed" }

// Presence events.

type PresenceOnline struct {
	Presence Presence `json:"presence"`
}

func (PresenceOnline) EventName() string { return "presence-online" }

type PresenceOffline struct {
	Presence Presence `json:"presence"`
}

func (PresenceOffline) EventName() string { return "presence-offline" }

type PresenceSubscription struct {
	Subscription Subscription `json:"subscription"`
}

func (PresenceSubscription) EventName() string { return "presence-subscription" }

// Message-waiting events.

type VoiceMessageWaiting struct {
	Waiting WaitingMessage `json:"waiting"`
}

func (VoiceMessageWaiting) EventName() string { return "mwi-voice" }

type FaxMessageWaiting struct {
	Waiting WaitingMessage `json:"waiting"`
}

func (FaxMessageWaiting) EventName() string { return "mwi-fax" }
