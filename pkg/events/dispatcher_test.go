package events

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipkit-server/pkg/codec"
	"sipkit-server/pkg/engine"
	"sipkit-server/pkg/errors"
	"sipkit-server/pkg/session"
)

type recordingRegistration struct {
	successes []int32
	failures  []int32
}

func (r *recordingRegistration) HandleRegisterSuccess(_ string, code int32) {
	r.successes = append(r.successes, code)
}

func (r *recordingRegistration) HandleRegisterFailure(_ string, code int32) {
	r.failures = append(r.failures, code)
}

func newTestDispatcher() (*Dispatcher, *session.Registry, *recordingRegistration) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	registry := session.NewRegistry(logger)
	reg := &recordingRegistration{}
	return NewDispatcher(logger, registry, reg), registry, reg
}

// drain collects everything currently buffered on the subscriber channel.
func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func incomingInfo() engine.InviteInfo {
	return engine.InviteInfo{
		CallerDisplayName: "Alice",
		CallerNumber:      "1001",
		CalleeDisplayName: "Bob",
		CalleeNumber:      "1002",
		AudioCodecs:       []codec.Audio{codec.AudioPCMU, codec.AudioOpus},
		HasAudio:          true,
	}
}

func TestIncomingCallLifecycle(t *testing.T) {
	d, registry, _ := newTestDispatcher()
	ch, cancel := d.Subscribe(16)
	defer cancel()

	d.OnInviteIncoming(42, incomingInfo())

	s, ok := registry.Get(42)
	require.True(t, ok)
	assert.Equal(t, session.StatusRinging, s.Status())

	events := drain(ch)
	require.Len(t, events, 1)
	incoming, ok := events[0].(CallIncoming)
	require.True(t, ok)
	assert.Equal(t, 42, incoming.Session.ID)
	assert.Equal(t, "ringing", incoming.Session.Status)
	assert.Equal(t, "Alice", incoming.Session.CallerName)

	d.OnInviteConnected(42)

	assert.Equal(t, session.StatusActive, s.Status())
	events = drain(ch)
	require.Len(t, events, 1)
	connected, ok := events[0].(CallConnected)
	require.True(t, ok)
	assert.Equal(t, "active", connected.Session.Status)

	d.OnInviteClosed(42)

	_, ok = registry.Get(42)
	assert.False(t, ok, "closed session must be removed before the event publishes")

	events = drain(ch)
	require.Len(t, events, 1)
	closed, ok := events[0].(CallClosed)
	require.True(t, ok)
	assert.Equal(t, "inactive", closed.Session.Status)
	assert.Equal(t, "1001", closed.Session.CallerNumber, "final snapshot keeps peer details")
}

func TestDuplicateIncomingPublishesSessionError(t *testing.T) {
	d, registry, _ := newTestDispatcher()

	d.OnInviteIncoming(7, incomingInfo())

	ch, cancel := d.Subscribe(16)
	defer cancel()

	second := incomingInfo()
	second.CallerNumber = "9999"
	d.OnInviteIncoming(7, second)

	events := drain(ch)
	require.Len(t, events, 1)
	sessErr, ok := events[0].(SessionError)
	require.True(t, ok)
	assert.Equal(t, 7, sessErr.SessionID)
	assert.ErrorIs(t, sessErr.Err, errors.ErrSessionExists)

	// The existing session is untouched.
	s, ok := registry.Get(7)
	require.True(t, ok)
	assert.Equal(t, "1001", s.Peer().CallerNumber)
}

func TestSessionlessCallbacksAreDropped(t *testing.T) {
	d, registry, _ := newTestDispatcher()
	ch, cancel := d.Subscribe(16)
	defer cancel()

	d.OnInviteConnected(99)
	d.OnInviteClosed(99)
	d.OnRemoteHold(99)
	d.OnRecvDTMFTone(99, engine.Tone5)
	d.OnInviteRinging(99, "Ringing", 180)

	assert.Empty(t, drain(ch))
	assert.Zero(t, registry.Count(), "dropped callbacks must not fabricate sessions")
}

func TestLateConnectAfterCloseIsDropped(t *testing.T) {
	d, registry, _ := newTestDispatcher()

	d.OnInviteIncoming(3, incomingInfo())
	snap, ok := registry.Close(3)
	require.True(t, ok)
	assert.Equal(t, "inactive", snap.Status)

	ch, cancel := d.Subscribe(16)
	defer cancel()

	// Engine delivers a stale connect for the already-ended call.
	d.OnInviteConnected(3)

	assert.Empty(t, drain(ch))
	_, ok = registry.Get(3)
	assert.False(t, ok, "stale connect must not resurrect the session")
}

func TestRegisterOutcomesReachControllerBeforeSubscribers(t *testing.T) {
	d, _, reg := newTestDispatcher()
	ch, cancel := d.Subscribe(16)
	defer cancel()

	d.OnRegisterSuccess("OK", 200)
	d.OnRegisterFailure("Forbidden", 403)

	assert.Equal(t, []int32{200}, reg.successes)
	assert.Equal(t, []int32{403}, reg.failures)

	events := drain(ch)
	require.Len(t, events, 2)
	assert.Equal(t, "register-success", events[0].EventName())
	assert.Equal(t, "register-failure", events[1].EventName())
}

func TestRemoteHoldAndUnhold(t *testing.T) {
	d, registry, _ := newTestDispatcher()
	d.OnInviteIncoming(5, incomingInfo())
	d.OnInviteConnected(5)

	ch, cancel := d.Subscribe(16)
	defer cancel()

	d.OnRemoteHold(5)
	s, _ := registry.Get(5)
	assert.Equal(t, session.StatusOnHold, s.Status())

	d.OnRemoteUnhold(5)
	assert.Equal(t, session.StatusActive, s.Status())

	events := drain(ch)
	require.Len(t, events, 2)
	assert.Equal(t, "call-remote-hold", events[0].EventName())
	assert.Equal(t, "call-remote-unhold", events[1].EventName())
}

func TestProgressUpdatesMedia(t *testing.T) {
	d, registry, _ := newTestDispatcher()

	info := incomingInfo()
	info.AudioCodecs = nil
	d.OnInviteIncoming(8, info)

	ch, cancel := d.Subscribe(16)
	defer cancel()

	progress := incomingInfo()
	progress.HasEarlyMedia = true
	d.OnInviteSessionProgress(8, progress)

	s, _ := registry.Get(8)
	media := s.Media()
	assert.True(t, media.HasEarlyMedia)
	assert.Equal(t, []codec.Audio{codec.AudioPCMU, codec.AudioOpus}, media.AudioCodecs)

	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, "call-progress", events[0].EventName())
}

func TestOutOfDialogMessageHasNoSession(t *testing.T) {
	d, _, _ := newTestDispatcher()
	ch, cancel := d.Subscribe(16)
	defer cancel()

	d.OnRecvOutOfDialogMessage("Carol", "1003", "Dave", "1004", "text", "plain", []byte("hi"))

	events := drain(ch)
	require.Len(t, events, 1)
	msg, ok := events[0].(MessageReceived)
	require.True(t, ok)
	assert.Nil(t, msg.Session)
	assert.Equal(t, "1003", msg.Message.FromNumber)
	assert.Equal(t, []byte("hi"), msg.Message.Body)
}

func TestSaturatedSubscriberDropsWithoutBlocking(t *testing.T) {
	d, _, _ := newTestDispatcher()
	ch, cancel := d.Subscribe(1)
	defer cancel()

	d.OnInviteIncoming(1, incomingInfo())
	// Channel capacity 1 is now full; further publishes must not block.
	d.OnInviteTrying(1)
	d.OnInviteConnected(1)

	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, "call-incoming", events[0].EventName())
}

func TestCancelClosesSubscriberChannel(t *testing.T) {
	d, _, _ := newTestDispatcher()
	ch, cancel := d.Subscribe(4)

	cancel()
	cancel() // safe to call twice

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel reaches no one and does not panic.
	d.OnInviteIncoming(2, incomingInfo())
}
