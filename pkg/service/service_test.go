package service

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipkit-server/pkg/codec"
	"sipkit-server/pkg/engine"
	"sipkit-server/pkg/engine/enginetest"
	"sipkit-server/pkg/errors"
	"sipkit-server/pkg/events"
	"sipkit-server/pkg/registration"
	"sipkit-server/pkg/session"
)

type fixture struct {
	service    *Service
	engine     *enginetest.FakeEngine
	registry   *session.Registry
	dispatcher *events.Dispatcher
	controller *registration.Controller
}

func newFixture(t *testing.T, initialise bool) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	eng := enginetest.New()
	registry := session.NewRegistry(logger)
	controller := registration.NewController(logger, eng)
	dispatcher := events.NewDispatcher(logger, registry, controller)
	eng.SetCallbackHandler(dispatcher)

	svc := NewService(logger, eng, registry, dispatcher, controller,
		codec.NewAudioCatalog(logger, eng), codec.NewVideoCatalog(logger, eng))

	if initialise {
		require.NoError(t, controller.Initialize(registration.Config{
			Transport:   engine.TransportUDP,
			AgentString: "sipkit",
		}))
	}

	return &fixture{
		service:    svc,
		engine:     eng,
		registry:   registry,
		dispatcher: dispatcher,
		controller: controller,
	}
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestMakeCallRequiresInitialise(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.service.MakeCall("1002", true, false)
	assert.ErrorIs(t, err, errors.ErrNotInitialised)
	assert.Zero(t, f.registry.Count())
}

func TestMakeCallPublishesOutgoing(t *testing.T) {
	f := newFixture(t, true)
	ch, cancel := f.dispatcher.Subscribe(16)
	defer cancel()

	snap, err := f.service.MakeCall("1002", true, false)
	require.NoError(t, err)

	assert.Equal(t, 1, snap.ID)
	assert.Equal(t, "outgoing", snap.Direction)
	assert.Equal(t, "ringing", snap.Status)
	assert.Equal(t, "1002", snap.CalleeNumber)

	_, ok := f.registry.Get(1)
	assert.True(t, ok, "session registered before the event publishes")

	published := drain(ch)
	require.Len(t, published, 1)
	outgoing, ok := published[0].(events.CallOutgoing)
	require.True(t, ok)
	assert.Equal(t, 1, outgoing.Session.ID)
}

func TestMakeCallSurfacesEngineCode(t *testing.T) {
	f := newFixture(t, true)
	f.engine.FailWith("call", -3)

	_, err := f.service.MakeCall("1002", true, false)
	require.Error(t, err)

	code, ok := errors.EngineCode(err)
	require.True(t, ok)
	assert.Equal(t, int32(-3), code)
	assert.Zero(t, f.registry.Count())
}

func TestAnswerOnlyFromRinging(t *testing.T) {
	f := newFixture(t, true)
	f.dispatcher.OnInviteIncoming(10, engine.InviteInfo{CallerNumber: "1001"})

	require.NoError(t, f.service.Answer(10, false))
	assert.Contains(t, f.engine.Commands(), "answerCall(10,false)")

	f.dispatcher.OnInviteConnected(10)
	err := f.service.Answer(10, false)
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	err = f.service.Answer(404, false)
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestRejectWithStandardCodes(t *testing.T) {
	f := newFixture(t, true)
	ch, cancel := f.dispatcher.Subscribe(16)
	defer cancel()

	f.dispatcher.OnInviteIncoming(20, engine.InviteInfo{CallerNumber: "1001"})
	drain(ch)

	require.NoError(t, f.service.RejectWithBusyHere(20))
	assert.Contains(t, f.engine.Commands(), "rejectCall(20,486)")

	_, ok := f.registry.Get(20)
	assert.False(t, ok, "rejected session removed")

	published := drain(ch)
	require.Len(t, published, 1)
	closed, ok := published[0].(events.CallClosed)
	require.True(t, ok)
	assert.Equal(t, "inactive", closed.Session.Status)

	f.dispatcher.OnInviteIncoming(21, engine.InviteInfo{CallerNumber: "1001"})
	require.NoError(t, f.service.RejectWithUnavailable(21))
	assert.Contains(t, f.engine.Commands(), "rejectCall(21,480)")
}

func TestRejectOnlyFromRinging(t *testing.T) {
	f := newFixture(t, true)
	f.dispatcher.OnInviteIncoming(22, engine.InviteInfo{})
	f.dispatcher.OnInviteConnected(22)

	err := f.service.Reject(22, CodeBusyHere)
	assert.ErrorIs(t, err, errors.ErrInvalidState)
}

func TestEndRemovesBeforePublishing(t *testing.T) {
	f := newFixture(t, true)
	ch, cancel := f.dispatcher.Subscribe(16)
	defer cancel()

	f.dispatcher.OnInviteIncoming(30, engine.InviteInfo{CallerNumber: "1001"})
	f.dispatcher.OnInviteConnected(30)
	drain(ch)

	require.NoError(t, f.service.End(30))
	assert.Contains(t, f.engine.Commands(), "hangUp(30)")

	_, ok := f.registry.Get(30)
	assert.False(t, ok)

	published := drain(ch)
	require.Len(t, published, 1)
	closed, ok := published[0].(events.CallClosed)
	require.True(t, ok)
	assert.Equal(t, 30, closed.Session.ID)
	assert.Equal(t, "1001", closed.Session.CallerNumber)
}

func TestStaleConnectAfterLocalEndIsDropped(t *testing.T) {
	f := newFixture(t, true)

	f.dispatcher.OnInviteIncoming(31, engine.InviteInfo{})
	require.NoError(t, f.service.End(31))

	ch, cancel := f.dispatcher.Subscribe(16)
	defer cancel()

	// The engine raced: its connected callback lands after the local
	// hang-up already removed the session.
	f.dispatcher.OnInviteConnected(31)

	assert.Empty(t, drain(ch))
	_, ok := f.registry.Get(31)
	assert.False(t, ok)
}

func TestHoldLifecycle(t *testing.T) {
	f := newFixture(t, true)
	f.dispatcher.OnInviteIncoming(40, engine.InviteInfo{})

	err := f.service.SetHold(40, true)
	assert.ErrorIs(t, err, errors.ErrInvalidState, "no hold while ringing")

	f.dispatcher.OnInviteConnected(40)
	require.NoError(t, f.service.SetHold(40, true))
	assert.Contains(t, f.engine.Commands(), "hold(40)")

	s, _ := f.registry.Get(40)
	assert.Equal(t, session.StatusOnHold, s.Status())
	assert.True(t, s.OnHold())

	require.NoError(t, f.service.SetHold(40, false))
	assert.Contains(t, f.engine.Commands(), "unHold(40)")
	assert.Equal(t, session.StatusActive, s.Status())
	assert.False(t, s.OnHold())
}

func TestSendToneUsesConfiguredOptions(t *testing.T) {
	f := newFixture(t, true)
	f.dispatcher.OnInviteIncoming(50, engine.InviteInfo{})

	err := f.service.SendTone(50, engine.Tone5)
	assert.ErrorIs(t, err, errors.ErrInvalidState, "no tones while ringing")

	f.dispatcher.OnInviteConnected(50)
	require.NoError(t, f.service.SendTone(50, engine.Tone5))
	assert.Contains(t, f.engine.Commands(), "sendDtmf(50,0,5,160,true)")

	f.service.SetDTMFOptions(DTMFOptions{Method: engine.DTMFInfo, DurationMS: 200})
	require.NoError(t, f.service.SendTone(50, engine.ToneStar))
	assert.Contains(t, f.engine.Commands(), "sendDtmf(50,1,*,200,false)")
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t, true)
	f.dispatcher.OnInviteIncoming(60, engine.InviteInfo{})
	f.dispatcher.OnInviteConnected(60)

	id, err := f.service.SendMessage(60, "text", "plain", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	_, err = f.service.SendMessage(404, "text", "plain", nil)
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)

	f.engine.FailWith("sendMessage", -8)
	_, err = f.service.SendMessage(60, "text", "plain", nil)
	code, ok := errors.EngineCode(err)
	require.True(t, ok)
	assert.Equal(t, int32(-8), code)
}

func TestDeviceFlagsOnlyChangeOnSuccess(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.service.SetLoudspeaker(true))
	assert.True(t, f.service.LoudspeakerOn())

	f.engine.FailWith("muteMicrophone", -4)
	err := f.service.SetMicrophoneMuted(true)
	require.Error(t, err)
	assert.False(t, f.service.MicrophoneMuted(), "flag unchanged on engine failure")

	require.NoError(t, f.service.SetSpeakerMuted(true))
	assert.True(t, f.service.SpeakerMuted())
}

func TestKeepAwakeIsRefCounted(t *testing.T) {
	f := newFixture(t, true)

	assert.True(t, f.service.StartKeepAwake())
	assert.True(t, f.service.StartKeepAwake(), "second start is a no-op")

	var starts int
	for _, cmd := range f.engine.Commands() {
		if cmd == "startKeepAwake()" {
			starts++
		}
	}
	assert.Equal(t, 1, starts)

	f.service.StopKeepAwake()
	f.service.StopKeepAwake()

	var stops int
	for _, cmd := range f.engine.Commands() {
		if cmd == "stopKeepAwake()" {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
}
