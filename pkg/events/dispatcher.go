package events

import (
	"sync"

	"github.com/sirupsen/logrus"

	"sipkit-server/pkg/engine"
	"sipkit-server/pkg/metrics"
	"sipkit-server/pkg/session"
)

// RegistrationHandler receives registration outcomes before the
// corresponding events are published. Implemented by the registration
// controller.
type RegistrationHandler interface {
	HandleRegisterSuccess(statusText string, statusCode int32)
	HandleRegisterFailure(statusText string, statusCode int32)
}

// Dispatcher is the sole writer of session state on behalf of
// asynchronous engine callbacks and the sole publisher of domain events.
// It serializes callback handling so a published event's session
// snapshot never predates the update it announces.
type Dispatcher struct {
	logger       *logrus.Logger
	registry     *session.Registry
	registration RegistrationHandler

	// cbMu serializes engine callback handling: update then publish is
	// one critical section per callback.
	cbMu sync.Mutex

	subMu   sync.RWMutex
	subs    map[int]chan Event
	nextSub int
}

// NewDispatcher creates a dispatcher over the given registry. The
// registration handler may be nil when no account-level state is
// tracked.
func NewDispatcher(logger *logrus.Logger, registry *session.Registry, registration RegistrationHandler) *Dispatcher {
	return &Dispatcher{
		logger:       logger,
		registry:     registry,
		registration: registration,
		subs:         make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its event channel
// plus a cancel function. Events are dropped for a subscriber whose
// channel is full rather than blocking the dispatch path.
func (d *Dispatcher) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	d.subMu.Lock()
	d.nextSub++
	id := d.nextSub
	d.subs[id] = ch
	d.subMu.Unlock()

	cancel := func() {
		d.subMu.Lock()
		if existing, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(existing)
		}
		d.subMu.Unlock()
	}

	return ch, cancel
}

// Publish delivers an event to every subscriber. Exposed for the call
// control service, which publishes call-outgoing and locally-initiated
// call-closed events through the dispatcher.
func (d *Dispatcher) Publish(ev Event) {
	metrics.RecordEventPublished(ev.EventName())

	d.subMu.RLock()
	defer d.subMu.RUnlock()

	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			metrics.RecordEventDropped(ev.EventName())
			d.logger.WithField("event", ev.EventName()).Warn("Subscriber channel full, dropping event")
		}
	}
}

// resolve looks up the session for a callback that expects one. A
// sessionless callback indicates an engine/registry desync the caller
// cannot act on, so it is dropped rather than fabricated into a session.
func (d *Dispatcher) resolve(sessionID int, callback string) (*session.Session, bool) {
	s, ok := d.registry.Get(sessionID)
	if !ok {
		d.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"callback":   callback,
		}).Debug("Callback for unknown session, dropping")
		return nil, false
	}
	return s, true
}

func mediaFromInfo(info engine.InviteInfo) session.MediaInfo {
	return session.MediaInfo{
		AudioCodecs:   info.AudioCodecs,
		VideoCodecs:   info.VideoCodecs,
		HasAudio:      info.HasAudio,
		HasVideo:      info.HasVideo,
		HasEarlyMedia: info.HasEarlyMedia,
	}
}

func peerFromInfo(info engine.InviteInfo) session.PeerInfo {
	return session.PeerInfo{
		CallerName:   info.CallerDisplayName,
		CallerNumber: info.CallerNumber,
		CalleeName:   info.CalleeDisplayName,
		CalleeNumber: info.CalleeNumber,
	}
}

// OnRegisterSuccess implements engine.CallbackHandler.
func (d *Dispatcher) OnRegisterSuccess(statusText string, statusCode int32) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	if d.registration != nil {
		d.registration.HandleRegisterSuccess(statusText, statusCode)
	}
	d.Publish(RegisterSuccess{StatusText: statusText, Code: statusCode})
}

// OnRegisterFailure implements engine.CallbackHandler.
func (d *Dispatcher) OnRegisterFailure(statusText string, statusCode int32) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	if d.registration != nil {
		d.registration.HandleRegisterFailure(statusText, statusCode)
	}
	d.Publish(RegisterFailure{StatusText: statusText, Code: statusCode})
}

// OnInviteIncoming implements engine.CallbackHandler. The session is
// created before the call-incoming event is published; a duplicate id
// publishes a session-error event carrying the failure instead.
func (d *Dispatcher) OnInviteIncoming(sessionID int, info engine.InviteInfo) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	s, err := d.registry.Add(sessionID, session.Incoming, peerFromInfo(info), mediaFromInfo(info))
	if err != nil {
		d.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to add incoming session")
		d.Publish(SessionError{SessionID: sessionID, Err: err})
		return
	}

	metrics.RecordSessionCreated(session.Incoming.String())
	metrics.SetSessionsActive(d.registry.Count())

	d.Publish(CallIncoming{Session: s.Snapshot()})
}

// OnInviteTrying implements engine.CallbackHandler.
func (d *Dispatcher) OnInviteTrying(sessionID int) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	s, ok := d.resolve(sessionID, "onInviteTrying")
	if !ok {
		return
	}
	d.Publish(CallProgress{Session: s.Snapshot()})
}

// OnInviteSessionProgress implements engine.CallbackHandler. Codec lists
// and media flags are captured here as at every callback that supplies
// them, last write wins.
func (d *Dispatcher) OnInviteSessionProgress(sessionID int, info engine.InviteInfo) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	snap, ok := d.registry.UpdateMedia(sessionID, mediaFromInfo(info))
	if !ok {
		d.logger.WithField("session_id", sessionID).Debug("Progress for unknown session, dropping")
		return
	}
	d.Publish(CallProgress{Session: snap})
}

// OnInviteRinging implements engine.CallbackHandler.
func (d *Dispatcher) OnInviteRinging(sessionID int, statusText string, statusCode int32) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	s, ok := d.resolve(sessionID, "onInviteRinging")
	if !ok {
		return
	}
	d.Publish(CallRinging{Session: s.Snapshot(), Reason: statusText, Code: statusCode})
}

// OnInviteAnswered implements engine.CallbackHandler.
func (d *Dispatcher) OnInviteAnswered(sessionID int, info engine.InviteInfo) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	if _, ok := d.registry.UpdatePeer(sessionID, peerFromInfo(info)); !ok {
		d.logger.WithField("session_id", sessionID).Debug("Answer for unknown session, dropping")
		return
	}
	snap, _ := d.registry.UpdateMedia(sessionID, mediaFromInfo(info))
	d.Publish(CallAnswered{Session: snap})
}

// OnInviteFailure implements engine.CallbackHandler. A terminal failure
// removes the session before publishing, so handlers looking the id up
// correctly see it gone while the event still carries the final state.
func (d *Dispatcher) OnInviteFailure(sessionID int, reason string, code int32) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	snap, ok := d.registry.Close(sessionID)
	if !ok {
		d.logger.WithField("session_id", sessionID).Debug("Failure for unknown session, dropping")
		return
	}

	metrics.SetSessionsActive(d.registry.Count())
	d.Publish(CallFailed{Session: snap, Reason: reason, Code: code})
}

// OnInviteUpdated implements engine.CallbackHandler.
func (d *Dispatcher) OnInviteUpdated(sessionID int, info engine.InviteInfo) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	snap, ok := d.registry.UpdateMedia(sessionID, mediaFromInfo(info))
	if !ok {
		d.logger.WithField("session_id", sessionID).Debug("Update for unknown session, dropping")
		return
	}
	d.Publish(CallUpdated{Session: snap})
}

// OnInviteConnected implements engine.CallbackHandler. A late connect
// for a session already ended locally is dropped; it must not resurrect
// the removed session.
func (d *Dispatcher) OnInviteConnected(sessionID int) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	snap, ok := d.registry.UpdateStatus(sessionID, session.StatusActive)
	if !ok {
		d.logger.WithField("session_id", sessionID).Debug("Connect for unknown session, dropping")
		return
	}
	d.Publish(CallConnected{Session: snap})
}

// OnInviteClosed implements engine.CallbackHandler.
func (d *Dispatcher) OnInviteClosed(sessionID int) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	snap, ok := d.registry.Close(sessionID)
	if !ok {
		d.logger.WithField("session_id", sessionID).Debug("Close for unknown session, dropping")
		return
	}

	metrics.SetSessionsActive(d.registry.Count())
	metrics.ObserveCallDuration(snap.Duration.Seconds())
	d.Publish(CallClosed{Session: snap})
}

// OnRemoteHold implements engine.CallbackHandler.
func (d *Dispatcher) OnRemoteHold(sessionID int) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	snap, ok := d.registry.UpdateStatus(sessionID, session.StatusOnHold)
	if !ok {
		d.logger.WithField("session_id", sessionID).Debug("Remote hold for unknown session, dropping")
		return
	}
	d.Publish(CallRemoteHold{Session: snap})
}

// OnRemoteUnhold implements engine.CallbackHandler.
func (d *Dispatcher) OnRemoteUnhold(sessionID int) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	snap, ok := d.registry.UpdateStatus(sessionID, session.StatusActive)
	if !ok {
		d.logger.WithField("session_id", sessionID).Debug("Remote unhold for unknown session, dropping")
		return
	}
	d.Publish(CallRemoteUnhold{Session: snap})
}

// OnReceivedRefer implements engine.CallbackHandler.
func (d *Dispatcher) OnReceivedRefer(sessionID int, referID int, to, from, referSignalingMessage string) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	s, ok := d.resolve(sessionID, "onReceivedRefer")
	if !ok {
		return
	}
	d.Publish(ReferReceived{
		Session: s.Snapshot(),
		Referral: Referral{
			ID:      referID,
			To:      to,
			From:    from,
			Message: referSignalingMessage,
		},
	})
}

// OnReferAccepted implements engine.CallbackHandler.
func (d *Dispatcher) OnReferAccepted(sessionID int) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	s, ok := d.resolve(sessionID, "onReferAccepted")
	if !ok {
		return
	}
	d.Publish(ReferAccepted{Session: s.Snapshot()})
}

// OnReferRejected implements engine.CallbackHandler.
func (d *Dispatcher) OnReferRejected(sessionID int, reason string, code int32) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	s, ok := d.resolve(sessionID, "onReferRejected")
	if !ok {
		return
	}
	d.Publish(ReferRejected{Session: s.Snapshot(), Reason: reason, Code: code})
}

// OnTransferSuccess implements engine.CallbackHandler.
func (d *Dispatcher) OnTransferSuccess(sessionID int) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	s, ok := d.resolve(sessionID, "onTransferSuccess")
	if !ok {
		return
	}
	d.Publish(ReferSuccess{Session: s.Snapshot()})
}

// OnTransferFailure implements engine.CallbackHandler.
func (d *Dispatcher) OnTransferFailure(sessionID int, reason string, code int32) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	s, ok := d.resolve(sessionID, "onTransferFailure")
	if !ok {
		return
	}
	d.Publish(ReferFailure{Session: s.Snapshot(), Reason: reason, Code: code})
}

// OnRecvDTMFTone implements engine.CallbackHandler.
func (d *Dispatcher) OnRecvDTMFTone(sessionID int, tone engine.DTMFTone) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	s, ok := d.resolve(sessionID, "onRecvDtmfTone")
	if !ok {
		return
	}
	d.Publish(DTMFReceived{Session: s.Snapshot(), Tone: tone})
}

// OnRecvMessage implements engine.CallbackHandler.
func (d *Dispatcher) OnRecvMessage(sessionID int, mimeType, subMimeType string, body []byte) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	s, ok := d.resolve(sessionID, "onRecvMessage")
	if !ok {
		return
	}
	snap := s.Snapshot()
	d.Publish(MessageReceived{
		Session: &snap,
		Message: InstantMessage{
			MimeType:    mimeType,
			SubMimeType: subMimeType,
			Body:        body,
		},
	})
}

// OnRecvOutOfDialogMessage implements engine.CallbackHandler.
func (d *Dispatcher) OnRecvOutOfDialogMessage(fromDisplayName, fromNumber, toDisplayName, toNumber, mimeType, subMimeType string, body []byte) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	d.Publish(MessageReceived{
		Message: InstantMessage{
			FromName:    fromDisplayName,
			FromNumber:  fromNumber,
			ToName:      toDisplayName,
			ToNumber:    toNumber,
			MimeType:    mimeType,
			SubMimeType: subMimeType,
			Body:        body,
		},
	})
}

// OnSendMessageSuccess implements engine.CallbackHandler.
func (d *Dispatcher) OnSendMessageSuccess(sessionID int, messageID int64) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	s, ok := d.resolve(sessionID, "onSendMessageSuccess")
	if !ok {
		return
	}
	d.Publish(MessageSent{Session: s.Snapshot(), MessageID: messageID})
}

// OnSendMessageFailure implements engine.CallbackHandler.
func (d *Dispatcher) OnSendMessageFailure(sessionID int, messageID int64, reason string, code int32) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	s, ok := d.resolve(sessionID, "onSendMessageFailure")
	if !ok {
		return
	}
	d.Publish(MessageFailed{Session: s.Snapshot(), MessageID: messageID, Reason: reason, Code: code})
}

// OnPresenceRecvSubscribe implements engine.CallbackHandler.
func (d *Dispatcher) OnPresenceRecvSubscribe(subscribeID int64, fromDisplayName, fromNumber, subject string) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	d.Publish(PresenceSubscription{Subscription: Subscription{
		ID:      subscribeID,
		Subject: subject,
		Name:    fromDisplayName,
		Number:  fromNumber,
	}})
}

// OnPresenceOnline implements engine.CallbackHandler.
func (d *Dispatcher) OnPresenceOnline(fromDisplayName, fromNumber, stateText string) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	d.Publish(PresenceOnline{Presence: Presence{
		Name:      fromDisplayName,
		Number:    fromNumber,
		StateText: stateText,
	}})
}

// OnPresenceOffline implements engine.CallbackHandler.
func (d *Dispatcher) OnPresenceOffline(fromDisplayName, fromNumber string) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	d.Publish(PresenceOffline{Presence: Presence{
		Name:   fromDisplayName,
		Number: fromNumber,
	}})
}

// OnWaitingVoiceMessage implements engine.CallbackHandler.
func (d *Dispatcher) OnWaitingVoiceMessage(account string, urgentNew, urgentOld, newCount, oldCount int32) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	d.Publish(VoiceMessageWaiting{Waiting: WaitingMessage{
		Account:   account,
		UrgentNew: urgentNew,
		UrgentOld: urgentOld,
		New:       newCount,
		Old:       oldCount,
	}})
}

// OnWaitingFaxMessage implements engine.CallbackHandler.
func (d *Dispatcher) OnWaitingFaxMessage(account string, urgentNew, urgentOld, newCount, oldCount int32) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	d.Publish(FaxMessageWaiting{Waiting: WaitingMessage{
		Account:   account,
		UrgentNew: urgentNew,
		UrgentOld: urgentOld,
		New:       newCount,
		Old:       oldCount,
	}})
}

var _ engine.CallbackHandler = (*Dispatcher)(nil)
