// Package service is the call control surface of the signaling core. It
// validates session state, issues engine commands, keeps the session
// registry in step with locally-initiated transitions, and publishes the
// corresponding domain events.
package service

import (
	"sync"

	"github.com/sirupsen/logrus"

	"sipkit-server/pkg/codec"
	"sipkit-server/pkg/engine"
	"sipkit-server/pkg/errors"
	"sipkit-server/pkg/events"
	"sipkit-server/pkg/metrics"
	"sipkit-server/pkg/registration"
	"sipkit-server/pkg/session"
)

// Response codes for call rejection.
const (
	CodeBusyHere    int32 = 486
	CodeUnavailable int32 = 480
)

// DTMFOptions controls how SendTone transmits tones.
type DTMFOptions struct {
	Method      engine.DTMFMethod
	DurationMS  int
	PlayLocally bool
}

// DefaultDTMFOptions matches common softphone behaviour: RFC 2833
// out-of-band tones of 160ms, played back locally.
func DefaultDTMFOptions() DTMFOptions {
	return DTMFOptions{
		Method:      engine.DTMFRFC2833,
		DurationMS:  160,
		PlayLocally: true,
	}
}

// Service executes call control operations against the engine. All
// methods are safe for concurrent use.
type Service struct {
	logger     *logrus.Logger
	engine     engine.Engine
	registry   *session.Registry
	dispatcher *events.Dispatcher
	controller *registration.Controller

	audioCodecs *codec.AudioCatalog
	videoCodecs *codec.VideoCatalog

	// devMu guards the local device flags below.
	devMu       sync.Mutex
	dtmf        DTMFOptions
	speakerOn   bool
	micMuted    bool
	outputMuted bool
	keepAwake   bool
}

// NewService wires the call control service over its collaborators.
func NewService(
	logger *logrus.Logger,
	eng engine.Engine,
	registry *session.Registry,
	dispatcher *events.Dispatcher,
	controller *registration.Controller,
	audioCodecs *codec.AudioCatalog,
	videoCodecs *codec.VideoCatalog,
) *Service {
	return &Service{
		logger:      logger,
		engine:      eng,
		registry:    registry,
		dispatcher:  dispatcher,
		controller:  controller,
		audioCodecs: audioCodecs,
		videoCodecs: videoCodecs,
		dtmf:        DefaultDTMFOptions(),
	}
}

// AudioCodecs returns the audio codec catalog.
func (s *Service) AudioCodecs() *codec.AudioCatalog { return s.audioCodecs }

// VideoCodecs returns the video codec catalog.
func (s *Service) VideoCodecs() *codec.VideoCatalog { return s.videoCodecs }

// Sessions returns snapshots of all live sessions in creation order.
func (s *Service) Sessions() []session.Snapshot {
	live := s.registry.Sessions()
	out := make([]session.Snapshot, 0, len(live))
	for _, sess := range live {
		out = append(out, sess.Snapshot())
	}
	return out
}

// Session returns the snapshot of one live session.
func (s *Service) Session(id int) (session.Snapshot, error) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return session.Snapshot{}, errors.NewSessionNotFound(id)
	}
	return sess.Snapshot(), nil
}

// MakeCall starts an outgoing call. The session enters the registry in
// ringing status before the call-outgoing event is published; subsequent
// progress arrives through engine callbacks.
func (s *Service) MakeCall(number string, sendSDP, videoCall bool) (session.Snapshot, error) {
	if !s.controller.IsInitialised() {
		return session.Snapshot{}, errors.NewNotInitialised("call")
	}
	if number == "" {
		return session.Snapshot{}, errors.NewAPICallFailed("call", 0).
			WithField("reason", "empty callee number")
	}

	id := s.engine.Call(number, sendSDP, videoCall)
	if id <= 0 {
		metrics.RecordEngineFailure("call")
		return session.Snapshot{}, errors.NewAPICallFailed("call", int32(id)).
			WithField("number", number)
	}

	account := s.controller.Account()
	peer := session.PeerInfo{CalleeNumber: number}
	if account != nil {
		peer.CallerName = account.DisplayName
		peer.CallerNumber = account.UserName
	}

	sess, err := s.registry.Add(id, session.Outgoing, peer, session.MediaInfo{
		HasAudio: true,
		HasVideo: videoCall,
	})
	if err != nil {
		// The engine handed out a live id; hang it up rather than track
		// two sessions under one id.
		s.engine.HangUp(id)
		return session.Snapshot{}, err
	}

	metrics.RecordSessionCreated(session.Outgoing.String())
	metrics.SetSessionsActive(s.registry.Count())

	snap := sess.Snapshot()
	s.logger.WithFields(logrus.Fields{
		"session_id": id,
		"number":     number,
		"video":      videoCall,
	}).Info("Outgoing call started")

	s.dispatcher.Publish(events.CallOutgoing{Session: snap})
	return snap, nil
}

// Answer accepts an incoming ringing call.
func (s *Service) Answer(sessionID int, videoCall bool) error {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return errors.NewSessionNotFound(sessionID)
	}
	if status := sess.Status(); status != session.StatusRinging {
		return errors.NewInvalidState("answer", status.String())
	}

	if code := s.engine.AnswerCall(sessionID, videoCall); code != 0 {
		metrics.RecordEngineFailure("answerCall")
		return errors.NewAPICallFailed("answerCall", code)
	}

	s.logger.WithField("session_id", sessionID).Info("Call answered")
	return nil
}

// Reject declines an incoming ringing call with the given response code.
// The session is removed before the call-closed event is published.
func (s *Service) Reject(sessionID int, code int32) error {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return errors.NewSessionNotFound(sessionID)
	}
	if status := sess.Status(); status != session.StatusRinging {
		return errors.NewInvalidState("rejectCall", status.String())
	}

	if engineCode := s.engine.RejectCall(sessionID, code); engineCode != 0 {
		metrics.RecordEngineFailure("rejectCall")
		return errors.NewAPICallFailed("rejectCall", engineCode)
	}

	snap, ok := s.registry.Close(sessionID)
	if !ok {
		return nil
	}
	metrics.SetSessionsActive(s.registry.Count())

	s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"code":       code,
	}).Info("Call rejected")
	s.dispatcher.Publish(events.CallClosed{Session: snap})
	return nil
}

// RejectWithBusyHere declines a ringing call with 486 Busy Here.
func (s *Service) RejectWithBusyHere(sessionID int) error {
	return s.Reject(sessionID, CodeBusyHere)
}

// RejectWithUnavailable declines a ringing call with 480 Temporarily
// Unavailable.
func (s *Service) RejectWithUnavailable(sessionID int) error {
	return s.Reject(sessionID, CodeUnavailable)
}

// End hangs up a call in any state. The session is removed before the
// call-closed event is published, so a stale engine callback arriving
// afterwards finds no session and is dropped.
func (s *Service) End(sessionID int) error {
	if _, ok := s.registry.Get(sessionID); !ok {
		return errors.NewSessionNotFound(sessionID)
	}

	if code := s.engine.HangUp(sessionID); code != 0 {
		metrics.RecordEngineFailure("hangUp")
		return errors.NewAPICallFailed("hangUp", code)
	}

	snap, ok := s.registry.Close(sessionID)
	if !ok {
		return nil
	}
	metrics.SetSessionsActive(s.registry.Count())
	metrics.ObserveCallDuration(snap.Duration.Seconds())

	s.logger.WithField("session_id", sessionID).Info("Call ended")
	s.dispatcher.Publish(events.CallClosed{Session: snap})
	return nil
}

// SetHold places a connected call on hold or releases it. Hold is only
// meaningful on an established call; a ringing call reports an invalid
// state.
func (s *Service) SetHold(sessionID int, onHold bool) error {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return errors.NewSessionNotFound(sessionID)
	}
	status := sess.Status()
	if status != session.StatusActive && status != session.StatusOnHold {
		return errors.NewInvalidState("hold", status.String())
	}

	var code int32
	command := "hold"
	if onHold {
		code = s.engine.Hold(sessionID)
	} else {
		command = "unHold"
		code = s.engine.Unhold(sessionID)
	}
	if code != 0 {
		metrics.RecordEngineFailure(command)
		return errors.NewAPICallFailed(command, code)
	}

	s.registry.SetOnHold(sessionID, onHold)
	s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"on_hold":    onHold,
	}).Info("Hold state changed")
	return nil
}

// SetDTMFOptions replaces the tone transmission parameters used by
// SendTone.
func (s *Service) SetDTMFOptions(opts DTMFOptions) {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	if opts.DurationMS <= 0 {
		opts.DurationMS = DefaultDTMFOptions().DurationMS
	}
	s.dtmf = opts
}

// SendTone transmits one DTMF tone on an established call.
func (s *Service) SendTone(sessionID int, tone engine.DTMFTone) error {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return errors.NewSessionNotFound(sessionID)
	}
	status := sess.Status()
	if status != session.StatusActive && status != session.StatusOnHold {
		return errors.NewInvalidState("sendDtmf", status.String())
	}

	s.devMu.Lock()
	opts := s.dtmf
	s.devMu.Unlock()

	if code := s.engine.SendDTMF(sessionID, opts.Method, tone, opts.DurationMS, opts.PlayLocally); code != 0 {
		metrics.RecordEngineFailure("sendDtmf")
		return errors.NewAPICallFailed("sendDtmf", code)
	}
	return nil
}

// SendMessage sends an in-dialog instant message and returns the message
// id used to correlate the asynchronous send result.
func (s *Service) SendMessage(sessionID int, mimeType, subMimeType string, body []byte) (int64, error) {
	if _, ok := s.registry.Get(sessionID); !ok {
		return 0, errors.NewSessionNotFound(sessionID)
	}

	messageID := s.engine.SendMessage(sessionID, mimeType, subMimeType, body)
	if messageID <= 0 {
		metrics.RecordEngineFailure("sendMessage")
		return 0, errors.NewAPICallFailed("sendMessage", int32(messageID))
	}
	return messageID, nil
}

// AcceptRefer accepts a previously received call transfer request.
func (s *Service) AcceptRefer(referID int, referSignalingMessage string) error {
	if code := s.engine.AcceptRefer(referID, referSignalingMessage); code != 0 {
		metrics.RecordEngineFailure("acceptRefer")
		return errors.NewAPICallFailed("acceptRefer", code)
	}
	return nil
}

// RejectRefer declines a previously received call transfer request.
func (s *Service) RejectRefer(referID int) error {
	if code := s.engine.RejectRefer(referID); code != 0 {
		metrics.RecordEngineFailure("rejectRefer")
		return errors.NewAPICallFailed("rejectRefer", code)
	}
	return nil
}

// SetLoudspeaker routes audio output to the loudspeaker or the earpiece.
// The tracked flag only changes when the engine accepts the command.
func (s *Service) SetLoudspeaker(on bool) error {
	s.devMu.Lock()
	defer s.devMu.Unlock()

	if code := s.engine.SetLoudspeakerOn(on); code != 0 {
		metrics.RecordEngineFailure("setLoudspeakerStatus")
		return errors.NewAPICallFailed("setLoudspeakerStatus", code)
	}
	s.speakerOn = on
	return nil
}

// LoudspeakerOn reports whether output is routed to the loudspeaker.
func (s *Service) LoudspeakerOn() bool {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	return s.speakerOn
}

// SetMicrophoneMuted mutes or unmutes the capture device.
func (s *Service) SetMicrophoneMuted(muted bool) error {
	s.devMu.Lock()
	defer s.devMu.Unlock()

	if code := s.engine.MuteMicrophone(muted); code != 0 {
		metrics.RecordEngineFailure("muteMicrophone")
		return errors.NewAPICallFailed("muteMicrophone", code)
	}
	s.micMuted = muted
	return nil
}

// MicrophoneMuted reports whether the capture device is muted.
func (s *Service) MicrophoneMuted() bool {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	return s.micMuted
}

// SetSpeakerMuted mutes or unmutes the output device.
func (s *Service) SetSpeakerMuted(muted bool) error {
	s.devMu.Lock()
	defer s.devMu.Unlock()

	if code := s.engine.MuteSpeaker(muted); code != 0 {
		metrics.RecordEngineFailure("muteSpeaker")
		return errors.NewAPICallFailed("muteSpeaker", code)
	}
	s.outputMuted = muted
	return nil
}

// SpeakerMuted reports whether the output device is muted.
func (s *Service) SpeakerMuted() bool {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	return s.outputMuted
}

// StartKeepAwake asks the engine to hold its background keep-alive.
func (s *Service) StartKeepAwake() bool {
	s.devMu.Lock()
	defer s.devMu.Unlock()

	if s.keepAwake {
		return true
	}
	s.keepAwake = s.engine.StartKeepAwake()
	return s.keepAwake
}

// StopKeepAwake releases the engine's background keep-alive.
func (s *Service) StopKeepAwake() {
	s.devMu.Lock()
	defer s.devMu.Unlock()

	if !s.keepAwake {
		return
	}
	s.engine.StopKeepAwake()
	s.keepAwake = false
}
