// Package sipgoengine implements the engine boundary on top of the
// sipgo SIP stack. It covers registration with digest authentication,
// call setup and teardown, in-dialog messaging, DTMF via INFO, and
// message-waiting notifications. Media is signaling-only: SDP offers
// and answers are built from the configured codec catalogs, actual RTP
// is out of scope.
package sipgoengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/sirupsen/logrus"

	"sipkit-server/pkg/codec"
	"sipkit-server/pkg/engine"
)

// Engine result codes returned for local failures, mirroring the
// convention that 0 is success and negatives are errors.
const (
	codeNotInitialised int32 = -1
	codeTransport      int32 = -2
	codeBadArgument    int32 = -3
	codeNoAccount      int32 = -4
	codeAuthRejected   int32 = -5
	codeNotSupported   int32 = -9
)

// Engine is a sipgo-backed implementation of engine.Engine.
type Engine struct {
	logger *logrus.Logger

	mu      sync.Mutex
	handler engine.CallbackHandler

	cfg  engine.InitConfig
	user engine.UserConfig

	initialised bool
	hasUser     bool
	srtpPolicy  engine.SRTPPolicy

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	serveCancel context.CancelFunc

	audioCodecs  []codec.Audio
	videoCodecs  []codec.Video
	payloadType  map[codec.Audio]int32
	audioFmtp    map[codec.Audio]string
	videoPayload map[codec.Video]int32
	videoFmtp    map[codec.Video]string

	calls      map[int]*call
	callsByID  map[string]int
	refers     map[int]*refer
	nextCall   int
	nextRefer  int
	nextMsg    int64
	regCSeq    uint32
	regCallID  string
	regCancel  context.CancelFunc
	regExpires int
}

// New creates an uninitialised engine. Initialize must be called before
// any other command.
func New(logger *logrus.Logger) *Engine {
	return &Engine{
		logger:       logger,
		payloadType:  make(map[codec.Audio]int32),
		audioFmtp:    make(map[codec.Audio]string),
		videoPayload: make(map[codec.Video]int32),
		videoFmtp:    make(map[codec.Video]string),
		calls:        make(map[int]*call),
		callsByID:    make(map[string]int),
		refers:       make(map[int]*refer),
		regCallID:    uuid.NewString(),
	}
}

// SetCallbackHandler implements engine.Engine.
func (e *Engine) SetCallbackHandler(handler engine.CallbackHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *Engine) callbackHandler() engine.CallbackHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

// Initialize implements engine.Engine. It brings up the SIP user agent
// and starts listening on the configured transport and address.
func (e *Engine) Initialize(cfg engine.InitConfig) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialised {
		return 0
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.AgentString))
	if err != nil {
		e.logger.WithError(err).Error("Failed to create SIP user agent")
		return codeTransport
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		e.logger.WithError(err).Error("Failed to create SIP server")
		return codeTransport
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		e.logger.WithError(err).Error("Failed to create SIP client")
		return codeTransport
	}

	srv.OnRequest(sip.INVITE, e.onInvite)
	srv.OnRequest(sip.ACK, e.onAck)
	srv.OnRequest(sip.CANCEL, e.onCancel)
	srv.OnRequest(sip.BYE, e.onBye)
	srv.OnRequest(sip.MESSAGE, e.onMessage)
	srv.OnRequest(sip.INFO, e.onInfo)
	srv.OnRequest(sip.REFER, e.onRefer)
	srv.OnRequest(sip.NOTIFY, e.onNotify)
	srv.OnRequest(sip.SUBSCRIBE, e.onSubscribe)

	ctx, cancel := context.WithCancel(context.Background())
	listenAddr := fmt.Sprintf("%s:%d", cfg.LocalAddr, cfg.LocalPort)
	go func() {
		if err := srv.ListenAndServe(ctx, cfg.Transport.String(), listenAddr); err != nil && ctx.Err() == nil {
			e.logger.WithError(err).Error("SIP listener stopped")
		}
	}()

	e.ua = ua
	e.server = srv
	e.client = client
	e.serveCancel = cancel
	e.cfg = cfg
	e.initialised = true

	e.logger.WithFields(logrus.Fields{
		"transport": cfg.Transport.String(),
		"addr":      listenAddr,
	}).Info("SIP engine listening")
	return 0
}

// Uninitialize implements engine.Engine.
func (e *Engine) Uninitialize() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialised {
		return
	}

	if e.regCancel != nil {
		e.regCancel()
		e.regCancel = nil
	}
	if e.serveCancel != nil {
		e.serveCancel()
		e.serveCancel = nil
	}
	if e.ua != nil {
		e.ua.Close()
	}

	e.ua = nil
	e.server = nil
	e.client = nil
	e.calls = make(map[int]*call)
	e.callsByID = make(map[string]int)
	e.refers = make(map[int]*refer)
	e.hasUser = false
	e.initialised = false

	e.logger.Info("SIP engine shut down")
}

// SetLicenseKey implements engine.Engine. The sipgo stack is unlicensed,
// any non-empty key is accepted.
func (e *Engine) SetLicenseKey(key string) int32 {
	if key == "" {
		return codeBadArgument
	}
	return 0
}

// SetSRTPPolicy implements engine.Engine. The policy is recorded and
// advertised in SDP; media encryption itself is out of scope here.
func (e *Engine) SetSRTPPolicy(policy engine.SRTPPolicy) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.srtpPolicy = policy
	return 0
}

// SetUser implements engine.Engine.
func (e *Engine) SetUser(user engine.UserConfig) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialised {
		return codeNotInitialised
	}
	if user.UserName == "" || user.ServerAddr == "" {
		return codeBadArgument
	}
	if user.ServerPort == 0 {
		user.ServerPort = 5060
	}
	if user.UserDomain == "" {
		user.UserDomain = user.ServerAddr
	}
	if user.AuthName == "" {
		user.AuthName = user.UserName
	}

	e.user = user
	e.hasUser = true
	return 0
}

// RegisterServer implements engine.Engine. The REGISTER exchange runs
// asynchronously; the outcome is reported through the callback handler.
func (e *Engine) RegisterServer(expiresSeconds, retryCount int) int32 {
	e.mu.Lock()
	if !e.initialised {
		e.mu.Unlock()
		return codeNotInitialised
	}
	if !e.hasUser {
		e.mu.Unlock()
		return codeNoAccount
	}
	if expiresSeconds <= 0 {
		e.mu.Unlock()
		return codeBadArgument
	}

	if e.regCancel != nil {
		e.regCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.regCancel = cancel
	e.regExpires = expiresSeconds
	e.mu.Unlock()

	go e.registerLoop(ctx, expiresSeconds, retryCount)
	return 0
}

// UnregisterServer implements engine.Engine.
func (e *Engine) UnregisterServer() int32 {
	e.mu.Lock()
	if !e.initialised {
		e.mu.Unlock()
		return codeNotInitialised
	}
	if e.regCancel != nil {
		e.regCancel()
		e.regCancel = nil
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Expires: 0 removes the binding. Best effort, the binding lapses
	// server-side anyway.
	if _, _, err := e.sendRegister(ctx, 0); err != nil {
		e.logger.WithError(err).Warn("Unregister exchange failed")
		return codeTransport
	}
	return 0
}

// RefreshRegistration implements engine.Engine.
func (e *Engine) RefreshRegistration(intervalSeconds int) int32 {
	if intervalSeconds <= 0 {
		return codeBadArgument
	}
	return e.RegisterServer(intervalSeconds, 1)
}

// registerLoop performs the initial REGISTER and then refreshes the
// binding until cancelled.
func (e *Engine) registerLoop(ctx context.Context, expiresSeconds, retryCount int) {
	if retryCount < 1 {
		retryCount = 1
	}

	var statusCode int32
	var reason string
	var err error

	for attempt := 1; attempt <= retryCount; attempt++ {
		regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		statusCode, reason, err = e.sendRegister(regCtx, expiresSeconds)
		cancel()

		if err == nil && statusCode == 200 {
			break
		}
		if ctx.Err() != nil {
			return
		}

		e.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"status":  statusCode,
		}).Warn("Registration attempt failed")
		time.Sleep(time.Second)
	}

	handler := e.callbackHandler()
	if handler == nil {
		return
	}

	if err != nil {
		handler.OnRegisterFailure(err.Error(), codeTransport)
		return
	}
	if statusCode != 200 {
		handler.OnRegisterFailure(reason, statusCode)
		return
	}

	handler.OnRegisterSuccess(reason, statusCode)

	ticker := time.NewTicker(refreshInterval(expiresSeconds))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			statusCode, reason, err = e.sendRegister(regCtx, expiresSeconds)
			cancel()

			if err != nil || statusCode != 200 {
				if err != nil {
					reason = err.Error()
					statusCode = codeTransport
				}
				handler.OnRegisterFailure(reason, statusCode)
				return
			}
		}
	}
}

// refreshInterval is half the granted registration expiry, clamped to a
// minimum of one second: NewTicker rejects non-positive intervals and an
// expiry of 1 is legal.
func refreshInterval(expiresSeconds int) time.Duration {
	refresh := time.Duration(expiresSeconds/2) * time.Second
	if refresh < time.Second {
		refresh = time.Second
	}
	return refresh
}

// sendRegister performs one REGISTER exchange, answering a digest
// challenge when the registrar issues one.
func (e *Engine) sendRegister(ctx context.Context, expiresSeconds int) (int32, string, error) {
	req := e.buildRegister(expiresSeconds, "")

	resp, err := e.roundTrip(ctx, req)
	if err != nil {
		return 0, "", err
	}

	if resp.StatusCode == 401 || resp.StatusCode == 407 {
		authorization, err := e.answerChallenge(resp, sip.REGISTER.String(), req.Recipient.String())
		if err != nil {
			return int32(resp.StatusCode), resp.Reason, err
		}

		req = e.buildRegister(expiresSeconds, authorization)
		resp, err = e.roundTrip(ctx, req)
		if err != nil {
			return 0, "", err
		}
	}

	return int32(resp.StatusCode), resp.Reason, nil
}

func (e *Engine) buildRegister(expiresSeconds int, authorization string) *sip.Request {
	e.mu.Lock()
	user := e.user
	cfg := e.cfg
	e.regCSeq++
	cseq := e.regCSeq
	callID := e.regCallID
	e.mu.Unlock()

	serverURI := sip.Uri{Scheme: "sip", Host: user.ServerAddr, Port: user.ServerPort}
	req := sip.NewRequest(sip.REGISTER, serverURI)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	aor := sip.Uri{Scheme: "sip", User: user.UserName, Host: user.UserDomain}
	fromParams := sip.NewParams()
	fromParams.Add("tag", generateTag())
	req.AppendHeader(&sip.FromHeader{
		DisplayName: user.DisplayName,
		Address:     aor,
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{Address: e.contactURI(user, cfg)})
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expiresSeconds)))

	if authorization != "" {
		req.AppendHeader(sip.NewHeader("Authorization", authorization))
	}

	return req
}

// answerChallenge computes a digest Authorization value for the
// challenge carried on a 401/407 response.
func (e *Engine) answerChallenge(resp *sip.Response, method, uri string) (string, error) {
	headerName := "WWW-Authenticate"
	if resp.StatusCode == 407 {
		headerName = "Proxy-Authenticate"
	}

	header := resp.GetHeader(headerName)
	if header == nil {
		return "", fmt.Errorf("challenge response without %s header", headerName)
	}

	challenge, err := digest.ParseChallenge(header.Value())
	if err != nil {
		return "", fmt.Errorf("parse digest challenge: %w", err)
	}

	e.mu.Lock()
	user := e.user
	e.mu.Unlock()

	credentials, err := digest.Digest(challenge, digest.Options{
		Method:   method,
		URI:      uri,
		Username: user.AuthName,
		Password: user.Password,
	})
	if err != nil {
		return "", fmt.Errorf("compute digest: %w", err)
	}

	return credentials.String(), nil
}

// roundTrip sends a request and waits for its final response.
func (e *Engine) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()

	if client == nil {
		return nil, fmt.Errorf("engine not initialised")
	}

	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("%s transaction ended without response", req.Method)
			}
			if resp.StatusCode < 200 {
				continue
			}
			return resp, nil
		case <-tx.Done():
			return nil, fmt.Errorf("%s transaction terminated", req.Method)
		}
	}
}

func (e *Engine) contactURI(user engine.UserConfig, cfg engine.InitConfig) sip.Uri {
	host := user.LocalAddr
	if host == "" || host == "0.0.0.0" {
		host = cfg.LocalAddr
	}
	port := user.LocalPort
	if port == 0 {
		port = cfg.LocalPort
	}
	return sip.Uri{Scheme: "sip", User: user.UserName, Host: host, Port: port}
}

// Device controls. There is no local media layer behind this engine, so
// the audio routing commands succeed without effect.

func (e *Engine) SetLoudspeakerOn(on bool) int32 {
	e.logger.WithField("on", on).Debug("Loudspeaker routing ignored, no local media layer")
	return 0
}

func (e *Engine) MuteMicrophone(muted bool) int32 {
	e.logger.WithField("muted", muted).Debug("Microphone mute ignored, no local media layer")
	return 0
}

func (e *Engine) MuteSpeaker(muted bool) int32 {
	e.logger.WithField("muted", muted).Debug("Speaker mute ignored, no local media layer")
	return 0
}

func (e *Engine) StartKeepAwake() bool { return true }

func (e *Engine) StopKeepAwake() {}

// Codec sink. The configured lists drive the SDP offers and answers
// this engine produces.

func (e *Engine) AddAudioCodec(c codec.Audio) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audioCodecs = append(e.audioCodecs, c)
	return 0
}

func (e *Engine) ClearAudioCodecs() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audioCodecs = nil
	return 0
}

func (e *Engine) SetAudioCodecPayloadType(c codec.Audio, payloadType int32) int32 {
	if payloadType < 0 || payloadType > 127 {
		return codeBadArgument
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.payloadType[c] = payloadType
	return 0
}

func (e *Engine) SetAudioCodecParameter(c codec.Audio, parameter string) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if parameter == "" {
		delete(e.audioFmtp, c)
		return 0
	}
	e.audioFmtp[c] = parameter
	return 0
}

func (e *Engine) AddVideoCodec(c codec.Video) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.videoCodecs = append(e.videoCodecs, c)
	return 0
}

func (e *Engine) ClearVideoCodecs() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.videoCodecs = nil
	return 0
}

func (e *Engine) SetVideoCodecPayloadType(c codec.Video, payloadType int32) int32 {
	if payloadType < 0 || payloadType > 127 {
		return codeBadArgument
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.videoPayload[c] = payloadType
	return 0
}

func (e *Engine) SetVideoCodecParameter(c codec.Video, parameter string) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if parameter == "" {
		delete(e.videoFmtp, c)
		return 0
	}
	e.videoFmtp[c] = parameter
	return 0
}

func generateTag() string {
	return uuid.NewString()[:8]
}

var _ engine.Engine = (*Engine)(nil)
