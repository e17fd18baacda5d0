// Package engine defines the narrow command/event boundary between the
// signaling core and the underlying signaling engine. The core never
// performs SIP parsing, transport I/O or media work itself; it issues
// commands through Engine and consumes asynchronous results through
// CallbackHandler.
package engine

import "sipkit-server/pkg/codec"

// Transport selects the SIP transport used by the engine.
type Transport int32

const (
	TransportUDP Transport = iota
	TransportTLS
	TransportTCP
	TransportPERS
)

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTLS:
		return "tls"
	case TransportTCP:
		return "tcp"
	case TransportPERS:
		return "pers"
	}
	return "unknown"
}

// LogLevel controls the engine's own log output.
type LogLevel int32

const (
	LogNone    LogLevel = -1
	LogError   LogLevel = 1
	LogWarning LogLevel = 2
	LogInfo    LogLevel = 3
	LogDebug   LogLevel = 4
)

// DeviceLayer selects between OS-backed and virtual audio/video devices.
type DeviceLayer int32

const (
	DeviceLayerOS DeviceLayer = iota
	DeviceLayerVirtual
)

// SRTPPolicy controls media encryption negotiation.
type SRTPPolicy int32

const (
	SRTPNone SRTPPolicy = iota
	SRTPForce
	SRTPPrefer
)

// DTMFMethod selects how DTMF tones are transmitted.
type DTMFMethod int32

const (
	DTMFRFC2833 DTMFMethod = iota
	DTMFInfo
)

// DTMFTone is a dialpad tone.
type DTMFTone int32

const (
	Tone0 DTMFTone = iota
	Tone1
	Tone2
	Tone3
	Tone4
	Tone5
	Tone6
	Tone7
	Tone8
	Tone9
	ToneStar
	ToneHash
	ToneA
	ToneB
	ToneC
	ToneD
	ToneFlash
)

var toneRunes = []byte("0123456789*#ABCD")

func (t DTMFTone) String() string {
	if t == ToneFlash {
		return "flash"
	}
	if t >= 0 && int(t) < len(toneRunes) {
		return string(toneRunes[t])
	}
	return "?"
}

// InitConfig carries the parameters for engine initialisation.
type InitConfig struct {
	Transport        Transport
	LocalAddr        string
	LocalPort        int
	LogLevel         LogLevel
	LogPath          string
	MaxLogFileLines  int
	AgentString      string
	AudioDeviceLayer DeviceLayer
	VideoDeviceLayer DeviceLayer
}

// UserConfig carries the credentials and server addresses pushed to the
// engine by an authenticate call.
type UserConfig struct {
	UserName    string
	DisplayName string
	AuthName    string
	Password    string

	UserDomain string

	LocalAddr string
	LocalPort int

	ServerAddr string
	ServerPort int

	STUNAddr string
	STUNPort int

	OutboundAddr string
	OutboundPort int
}

// Engine is the command surface of the signaling engine. Commands that
// are local to the engine return their result code synchronously; results
// of protocol exchanges (register, invite, refer) arrive later through
// CallbackHandler. A result code of 0 means success.
type Engine interface {
	codec.AudioSink
	codec.VideoSink

	// SetCallbackHandler installs the sink for asynchronous engine
	// events. Must be called before Initialize.
	SetCallbackHandler(handler CallbackHandler)

	Initialize(cfg InitConfig) int32
	Uninitialize()
	SetLicenseKey(key string) int32
	SetSRTPPolicy(policy SRTPPolicy) int32

	SetUser(user UserConfig) int32
	RegisterServer(expiresSeconds, retryCount int) int32
	UnregisterServer() int32
	RefreshRegistration(intervalSeconds int) int32

	// Call starts an outgoing call and returns the new session id, or a
	// negative engine error code.
	Call(number string, sendSDP, videoCall bool) int
	AnswerCall(sessionID int, videoCall bool) int32
	RejectCall(sessionID int, code int32) int32
	HangUp(sessionID int) int32

	Hold(sessionID int) int32
	Unhold(sessionID int) int32

	SendDTMF(sessionID int, method DTMFMethod, tone DTMFTone, durationMS int, playLocally bool) int32

	// SendMessage sends an in-dialog instant message and returns the
	// message id used to correlate the send result callback, or a
	// negative engine error code.
	SendMessage(sessionID int, mimeType, subMimeType string, body []byte) int64

	AcceptRefer(referID int, referSignalingMessage string) int32
	RejectRefer(referID int) int32

	SetLoudspeakerOn(on bool) int32
	MuteMicrophone(muted bool) int32
	MuteSpeaker(muted bool) int32
	StartKeepAwake() bool
	StopKeepAwake()
}
