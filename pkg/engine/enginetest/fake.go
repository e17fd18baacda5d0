// Package enginetest provides an in-memory Engine implementation used by
// tests across the signaling core. It records every issued command and
// lets tests inject callbacks, including from separate goroutines to
// exercise the concurrency contract.
package enginetest

import (
	"fmt"
	"sync"

	"sipkit-server/pkg/codec"
	"sipkit-server/pkg/engine"
)

// FakeEngine implements engine.Engine. The zero value is usable.
type FakeEngine struct {
	mu sync.Mutex

	handler engine.CallbackHandler

	commands    []string
	failCodes   map[string]int32
	nextSession int
	nextMessage int64

	initialized bool
	registered  bool
}

// New creates a fake engine whose first outgoing call gets session id 1.
func New() *FakeEngine {
	return &FakeEngine{
		failCodes: make(map[string]int32),
	}
}

// FailWith makes the named command return the given engine code.
func (f *FakeEngine) FailWith(command string, code int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCodes == nil {
		f.failCodes = make(map[string]int32)
	}
	f.failCodes[command] = code
}

// Commands returns the commands issued so far, in order.
func (f *FakeEngine) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// Handler returns the installed callback handler for tests that drive
// engine events directly.
func (f *FakeEngine) Handler() engine.CallbackHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

// IsInitialized reports whether Initialize has succeeded and
// Uninitialize has not been called since.
func (f *FakeEngine) IsInitialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

func (f *FakeEngine) record(command string) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recordLocked(command)
}

func (f *FakeEngine) recordLocked(command string) int32 {
	f.commands = append(f.commands, command)
	if code, ok := f.failCodes[commandName(command)]; ok {
		return code
	}
	return 0
}

func commandName(command string) string {
	for i := 0; i < len(command); i++ {
		if command[i] == '(' {
			return command[:i]
		}
	}
	return command
}

// SetCallbackHandler implements engine.Engine.
func (f *FakeEngine) SetCallbackHandler(handler engine.CallbackHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

// Initialize implements engine.Engine.
func (f *FakeEngine) Initialize(cfg engine.InitConfig) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	code := f.recordLocked(fmt.Sprintf("initialize(%s)", cfg.Transport))
	if code == 0 {
		f.initialized = true
	}
	return code
}

// Uninitialize implements engine.Engine.
func (f *FakeEngine) Uninitialize() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordLocked("uninitialize()")
	f.initialized = false
	f.registered = false
}

func (f *FakeEngine) SetLicenseKey(key string) int32 {
	return f.record(fmt.Sprintf("setLicenseKey(%s)", key))
}

func (f *FakeEngine) SetSRTPPolicy(policy engine.SRTPPolicy) int32 {
	return f.record(fmt.Sprintf("setSrtpPolicy(%d)", policy))
}

func (f *FakeEngine) SetUser(user engine.UserConfig) int32 {
	return f.record(fmt.Sprintf("setUser(%s@%s)", user.UserName, user.ServerAddr))
}

func (f *FakeEngine) RegisterServer(expiresSeconds, retryCount int) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	code := f.recordLocked(fmt.Sprintf("registerServer(%d,%d)", expiresSeconds, retryCount))
	if code == 0 {
		f.registered = true
	}
	return code
}

func (f *FakeEngine) UnregisterServer() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	code := f.recordLocked("unRegisterServer()")
	f.registered = false
	return code
}

func (f *FakeEngine) RefreshRegistration(intervalSeconds int) int32 {
	return f.record(fmt.Sprintf("refreshRegisterServer(%d)", intervalSeconds))
}

// Call implements engine.Engine, allocating session ids 1, 2, 3...
func (f *FakeEngine) Call(number string, sendSDP, videoCall bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code := f.recordLocked(fmt.Sprintf("call(%s,%t,%t)", number, sendSDP, videoCall)); code != 0 {
		return int(code)
	}
	f.nextSession++
	return f.nextSession
}

func (f *FakeEngine) AnswerCall(sessionID int, videoCall bool) int32 {
	return f.record(fmt.Sprintf("answerCall(%d,%t)", sessionID, videoCall))
}

func (f *FakeEngine) RejectCall(sessionID int, code int32) int32 {
	return f.record(fmt.Sprintf("rejectCall(%d,%d)", sessionID, code))
}

func (f *FakeEngine) HangUp(sessionID int) int32 {
	return f.record(fmt.Sprintf("hangUp(%d)", sessionID))
}

func (f *FakeEngine) Hold(sessionID int) int32 {
	return f.record(fmt.Sprintf("hold(%d)", sessionID))
}

func (f *FakeEngine) Unhold(sessionID int) int32 {
	return f.record(fmt.Sprintf("unHold(%d)", sessionID))
}

func (f *FakeEngine) SendDTMF(sessionID int, method engine.DTMFMethod, tone engine.DTMFTone, durationMS int, playLocally bool) int32 {
	return f.record(fmt.Sprintf("sendDtmf(%d,%d,%s,%d,%t)", sessionID, method, tone, durationMS, playLocally))
}

func (f *FakeEngine) SendMessage(sessionID int, mimeType, subMimeType string, body []byte) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code := f.recordLocked(fmt.Sprintf("sendMessage(%d,%s/%s)", sessionID, mimeType, subMimeType)); code != 0 {
		return int64(code)
	}
	f.nextMessage++
	return f.nextMessage
}

func (f *FakeEngine) AcceptRefer(referID int, referSignalingMessage string) int32 {
	return f.record(fmt.Sprintf("acceptRefer(%d)", referID))
}

func (f *FakeEngine) RejectRefer(referID int) int32 {
	return f.record(fmt.Sprintf("rejectRefer(%d)", referID))
}

func (f *FakeEngine) SetLoudspeakerOn(on bool) int32 {
	return f.record(fmt.Sprintf("setLoudspeakerStatus(%t)", on))
}

func (f *FakeEngine) MuteMicrophone(muted bool) int32 {
	return f.record(fmt.Sprintf("muteMicrophone(%t)", muted))
}

func (f *FakeEngine) MuteSpeaker(muted bool) int32 {
	return f.record(fmt.Sprintf("muteSpeaker(%t)", muted))
}

func (f *FakeEngine) StartKeepAwake() bool {
	return f.record("startKeepAwake()") == 0
}

func (f *FakeEngine) StopKeepAwake() {
	f.record("stopKeepAwake()")
}

func (f *FakeEngine) AddAudioCodec(c codec.Audio) int32 {
	return f.record(fmt.Sprintf("addAudioCodec(%s)", c))
}

func (f *FakeEngine) ClearAudioCodecs() int32 {
	return f.record("clearAudioCodec()")
}

func (f *FakeEngine) SetAudioCodecPayloadType(c codec.Audio, payloadType int32) int32 {
	return f.record(fmt.Sprintf("setAudioCodecPayloadType(%s,%d)", c, payloadType))
}

func (f *FakeEngine) SetAudioCodecParameter(c codec.Audio, parameter string) int32 {
	return f.record(fmt.Sprintf("setAudioCodecParameter(%s,%s)", c, parameter))
}

func (f *FakeEngine) AddVideoCodec(c codec.Video) int32 {
	return f.record(fmt.Sprintf("addVideoCodec(%s)", c))
}

func (f *FakeEngine) ClearVideoCodecs() int32 {
	return f.record("clearVideoCodec()")
}

func (f *FakeEngine) SetVideoCodecPayloadType(c codec.Video, payloadType int32) int32 {
	return f.record(fmt.Sprintf("setVideoCodecPayloadType(%s,%d)", c, payloadType))
}

func (f *FakeEngine) SetVideoCodecParameter(c codec.Video, parameter string) int32 {
	return f.record(fmt.Sprintf("setVideoCodecParameter(%s,%s)", c, parameter))
}

var _ engine.Engine = (*FakeEngine)(nil)
