package sipgoengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sipkit-server/pkg/engine"
)

// call tracks one dialog, incoming or outgoing.
type call struct {
	id       int
	incoming bool
	answered bool
	// connected is set once the dialog is confirmed (ACK seen for
	// incoming, 2xx ACKed for outgoing).
	connected bool
	video     bool
	// remoteHeld tracks whether the peer's last offer put us on hold.
	remoteHeld bool

	callID string
	invite *sip.Request
	// serverTx is the pending INVITE transaction for an unanswered
	// incoming call.
	serverTx sip.ServerTransaction

	remoteTarget sip.Uri
	localSeq     uint32
	localFrom    *sip.FromHeader
	remoteTo     *sip.ToHeader
}

// refer tracks one received REFER pending an accept/reject decision.
type refer struct {
	sessionID int
	tx        sip.ServerTransaction
	req       *sip.Request
}

// Call implements engine.Engine. The INVITE exchange runs
// asynchronously; progress arrives through the callback handler.
func (e *Engine) Call(number string, sendSDP, videoCall bool) int {
	e.mu.Lock()
	if !e.initialised {
		e.mu.Unlock()
		return int(codeNotInitialised)
	}
	if !e.hasUser {
		e.mu.Unlock()
		return int(codeNoAccount)
	}
	if number == "" {
		e.mu.Unlock()
		return int(codeBadArgument)
	}

	user := e.user
	cfg := e.cfg

	e.nextCall++
	id := e.nextCall
	callID := uuid.NewString()

	target := sip.Uri{Scheme: "sip", User: number, Host: user.UserDomain, Port: user.ServerPort}

	fromParams := sip.NewParams()
	fromParams.Add("tag", generateTag())
	localFrom := &sip.FromHeader{
		DisplayName: user.DisplayName,
		Address:     sip.Uri{Scheme: "sip", User: user.UserName, Host: user.UserDomain},
		Params:      fromParams,
	}

	c := &call{
		id:           id,
		callID:       callID,
		video:        videoCall,
		remoteTarget: target,
		localSeq:     1,
		localFrom:    localFrom,
	}
	e.calls[id] = c
	e.callsByID[callID] = id

	var body []byte
	if sendSDP {
		body = e.buildOfferLocked(videoCall, "sendrecv")
	}
	e.mu.Unlock()

	invite := sip.NewRequest(sip.INVITE, target)
	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)
	invite.AppendHeader(localFrom)
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: e.contactURI(user, cfg)})
	if body != nil {
		contentType := sip.ContentTypeHeader("application/sdp")
		invite.AppendHeader(&contentType)
		invite.SetBody(body)
	}

	c.invite = invite

	go e.runInvite(c, invite, false)
	return id
}

// runInvite drives the outgoing INVITE transaction and maps its
// responses to callbacks. A digest challenge is answered once.
func (e *Engine) runInvite(c *call, invite *sip.Request, retried bool) {
	handler := e.callbackHandler()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return
	}

	tx, err := client.TransactionRequest(ctx, invite)
	if err != nil {
		e.logger.WithError(err).WithField("session_id", c.id).Error("Failed to send INVITE")
		e.dropCall(c.id)
		if handler != nil {
			handler.OnInviteFailure(c.id, err.Error(), codeTransport)
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			e.dropCall(c.id)
			if handler != nil {
				handler.OnInviteFailure(c.id, "request timeout", 408)
			}
			return

		case resp := <-tx.Responses():
			if resp == nil {
				continue
			}
			if e.handleInviteResponse(c, invite, resp, retried, handler) {
				return
			}

		case <-tx.Done():
			if c.connected {
				return
			}
			e.dropCall(c.id)
			if handler != nil {
				handler.OnInviteFailure(c.id, "transaction terminated", 408)
			}
			return
		}
	}
}

// handleInviteResponse returns true when the transaction is settled.
func (e *Engine) handleInviteResponse(c *call, invite *sip.Request, resp *sip.Response, retried bool, handler engine.CallbackHandler) bool {
	code := int32(resp.StatusCode)

	switch {
	case code == 100:
		if handler != nil {
			handler.OnInviteTrying(c.id)
		}
		return false

	case code == 180 || code == 181:
		if handler != nil {
			handler.OnInviteRinging(c.id, resp.Reason, code)
		}
		return false

	case code == 183:
		if handler != nil {
			info := e.infoFromResponse(c, resp)
			info.HasEarlyMedia = len(resp.Body()) > 0
			handler.OnInviteSessionProgress(c.id, info)
		}
		return false

	case code < 200:
		return false

	case code >= 200 && code < 300:
		e.completeDialog(c, resp)
		e.sendAck(c, invite, resp)
		if handler != nil {
			handler.OnInviteAnswered(c.id, e.infoFromResponse(c, resp))
			handler.OnInviteConnected(c.id)
		}
		return true

	case (code == 401 || code == 407) && !retried:
		authorization, err := e.answerChallenge(resp, sip.INVITE.String(), invite.Recipient.String())
		if err != nil {
			e.dropCall(c.id)
			if handler != nil {
				handler.OnInviteFailure(c.id, resp.Reason, code)
			}
			return true
		}

		retry := e.authRetryInvite(c, invite, resp.StatusCode, authorization)
		go e.runInvite(c, retry, true)
		return true

	default:
		e.dropCall(c.id)
		if handler != nil {
			handler.OnInviteFailure(c.id, resp.Reason, code)
		}
		return true
	}
}

// authRetryInvite clones the INVITE with a fresh CSeq and the computed
// digest credentials.
func (e *Engine) authRetryInvite(c *call, invite *sip.Request, challengeCode sip.StatusCode, authorization string) *sip.Request {
	retry := sip.NewRequest(sip.INVITE, invite.Recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	retry.AppendHeader(&maxFwd)
	sip.CopyHeaders("From", invite, retry)
	sip.CopyHeaders("To", invite, retry)
	sip.CopyHeaders("Call-ID", invite, retry)
	sip.CopyHeaders("Contact", invite, retry)

	e.mu.Lock()
	c.localSeq++
	seq := c.localSeq
	e.mu.Unlock()
	retry.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.INVITE})

	headerName := "Authorization"
	if challengeCode == 407 {
		headerName = "Proxy-Authorization"
	}
	retry.AppendHeader(sip.NewHeader(headerName, authorization))

	if body := invite.Body(); body != nil {
		contentType := sip.ContentTypeHeader("application/sdp")
		retry.AppendHeader(&contentType)
		retry.SetBody(body)
	}

	c.invite = retry
	return retry
}

// completeDialog records the dialog state learned from the 2xx.
func (e *Engine) completeDialog(c *call, resp *sip.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c.answered = true
	c.connected = true
	if contact := resp.Contact(); contact != nil {
		c.remoteTarget = contact.Address
	}
	if to := resp.To(); to != nil {
		c.remoteTo = &sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		}
	}
}

// sendAck acknowledges a 2xx. Per RFC 3261 the ACK for a 2xx is a new
// request sent directly through the transport.
func (e *Engine) sendAck(c *call, invite *sip.Request, resp *sip.Response) {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)

	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if source := resp.Source(); source != "" {
		ack.SetDestination(source)
	}

	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return
	}

	if err := client.WriteRequest(ack); err != nil {
		e.logger.WithError(err).WithField("session_id", c.id).Warn("Failed to send ACK")
	}
}

// AnswerCall implements engine.Engine.
func (e *Engine) AnswerCall(sessionID int, videoCall bool) int32 {
	e.mu.Lock()
	c, ok := e.calls[sessionID]
	if !ok || !c.incoming || c.answered || c.serverTx == nil {
		e.mu.Unlock()
		return codeBadArgument
	}
	body := e.buildOfferLocked(videoCall && c.video, "sendrecv")
	tx := c.serverTx
	invite := c.invite
	c.answered = true
	e.mu.Unlock()

	res := sip.NewResponseFromRequest(invite, 200, "OK", body)
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", generateTag())
		}
	}
	e.mu.Lock()
	res.AppendHeader(&sip.ContactHeader{Address: e.contactURI(e.user, e.cfg)})
	e.mu.Unlock()
	contentType := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&contentType)

	if err := tx.Respond(res); err != nil {
		e.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to answer call")
		return codeTransport
	}
	return 0
}

// RejectCall implements engine.Engine.
func (e *Engine) RejectCall(sessionID int, code int32) int32 {
	e.mu.Lock()
	c, ok := e.calls[sessionID]
	if !ok || !c.incoming || c.answered || c.serverTx == nil {
		e.mu.Unlock()
		return codeBadArgument
	}
	tx := c.serverTx
	invite := c.invite
	e.mu.Unlock()

	res := sip.NewResponseFromRequest(invite, sip.StatusCode(code), reasonPhrase(code), nil)
	if err := tx.Respond(res); err != nil {
		e.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to reject call")
		return codeTransport
	}

	e.dropCall(sessionID)
	return 0
}

// HangUp implements engine.Engine. It sends whatever teardown the
// dialog state calls for: a rejection for an unanswered incoming call, a
// CANCEL for a pending outgoing one, or a BYE for an established dialog.
func (e *Engine) HangUp(sessionID int) int32 {
	e.mu.Lock()
	c, ok := e.calls[sessionID]
	if !ok {
		e.mu.Unlock()
		return codeBadArgument
	}
	incoming := c.incoming
	answered := c.answered
	e.mu.Unlock()

	switch {
	case incoming && !answered:
		return e.RejectCall(sessionID, 486)

	case !incoming && !answered:
		go e.sendCancel(c)
		e.dropCall(sessionID)
		return 0

	default:
		go e.sendBye(c)
		e.dropCall(sessionID)
		return 0
	}
}

func (e *Engine) sendCancel(c *call) {
	invite := c.invite
	if invite == nil {
		return
	}

	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.roundTrip(ctx, cancelReq); err != nil {
		e.logger.WithError(err).WithField("session_id", c.id).Warn("CANCEL failed")
	}
}

func (e *Engine) sendBye(c *call) {
	bye := e.newInDialogRequest(c, sip.BYE, "", nil)
	if bye == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.roundTrip(ctx, bye); err != nil {
		e.logger.WithError(err).WithField("session_id", c.id).Warn("BYE failed")
	}
}

// Hold implements engine.Engine by re-inviting with a sendonly offer.
func (e *Engine) Hold(sessionID int) int32 {
	return e.reinvite(sessionID, "sendonly")
}

// Unhold implements engine.Engine by re-inviting with a sendrecv offer.
func (e *Engine) Unhold(sessionID int) int32 {
	return e.reinvite(sessionID, "sendrecv")
}

func (e *Engine) reinvite(sessionID int, direction string) int32 {
	e.mu.Lock()
	c, ok := e.calls[sessionID]
	if !ok || !c.answered {
		e.mu.Unlock()
		return codeBadArgument
	}
	body := e.buildOfferLocked(c.video, direction)
	e.mu.Unlock()

	req := e.newInDialogRequest(c, sip.INVITE, "application/sdp", body)
	if req == nil {
		return codeTransport
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resp, err := e.roundTrip(ctx, req)
		if err != nil {
			e.logger.WithError(err).WithField("session_id", sessionID).Warn("re-INVITE failed")
			return
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			e.sendAck(c, req, resp)
		}
	}()

	return 0
}

// SendDTMF implements engine.Engine. Tones are carried out-of-dialog
// media as SIP INFO regardless of the requested method: there is no RTP
// path for RFC 2833 events behind this engine.
func (e *Engine) SendDTMF(sessionID int, method engine.DTMFMethod, tone engine.DTMFTone, durationMS int, playLocally bool) int32 {
	e.mu.Lock()
	c, ok := e.calls[sessionID]
	if !ok || !c.answered {
		e.mu.Unlock()
		return codeBadArgument
	}
	e.mu.Unlock()

	if method == engine.DTMFRFC2833 {
		e.logger.Debug("RFC 2833 requested, sending SIP INFO instead")
	}

	body := []byte(fmt.Sprintf("Signal=%s\r\nDuration=%d\r\n", tone.String(), durationMS))
	req := e.newInDialogRequest(c, sip.INFO, "application/dtmf-relay", body)
	if req == nil {
		return codeTransport
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := e.roundTrip(ctx, req); err != nil {
			e.logger.WithError(err).WithField("session_id", sessionID).Warn("INFO failed")
		}
	}()

	return 0
}

// SendMessage implements engine.Engine.
func (e *Engine) SendMessage(sessionID int, mimeType, subMimeType string, body []byte) int64 {
	e.mu.Lock()
	c, ok := e.calls[sessionID]
	if !ok {
		e.mu.Unlock()
		return int64(codeBadArgument)
	}
	e.nextMsg++
	messageID := e.nextMsg
	e.mu.Unlock()

	contentType := fmt.Sprintf("%s/%s", mimeType, subMimeType)
	req := e.newInDialogRequest(c, sip.MESSAGE, contentType, body)
	if req == nil {
		return int64(codeTransport)
	}

	go func() {
		handler := e.callbackHandler()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		resp, err := e.roundTrip(ctx, req)
		if handler == nil {
			return
		}
		if err != nil {
			handler.OnSendMessageFailure(sessionID, messageID, err.Error(), codeTransport)
			return
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			handler.OnSendMessageSuccess(sessionID, messageID)
		} else {
			handler.OnSendMessageFailure(sessionID, messageID, resp.Reason, int32(resp.StatusCode))
		}
	}()

	return messageID
}

// AcceptRefer implements engine.Engine.
func (e *Engine) AcceptRefer(referID int, referSignalingMessage string) int32 {
	e.mu.Lock()
	r, ok := e.refers[referID]
	if ok {
		delete(e.refers, referID)
	}
	e.mu.Unlock()
	if !ok {
		return codeBadArgument
	}

	res := sip.NewResponseFromRequest(r.req, 202, "Accepted", nil)
	if err := r.tx.Respond(res); err != nil {
		return codeTransport
	}

	if handler := e.callbackHandler(); handler != nil {
		handler.OnReferAccepted(r.sessionID)
	}
	return 0
}

// RejectRefer implements engine.Engine.
func (e *Engine) RejectRefer(referID int) int32 {
	e.mu.Lock()
	r, ok := e.refers[referID]
	if ok {
		delete(e.refers, referID)
	}
	e.mu.Unlock()
	if !ok {
		return codeBadArgument
	}

	res := sip.NewResponseFromRequest(r.req, 603, "Decline", nil)
	if err := r.tx.Respond(res); err != nil {
		return codeTransport
	}

	if handler := e.callbackHandler(); handler != nil {
		handler.OnReferRejected(r.sessionID, "Decline", 603)
	}
	return 0
}

// newInDialogRequest builds a request inside an established dialog,
// reusing the stored route set and bumping the local sequence number.
func (e *Engine) newInDialogRequest(c *call, method sip.RequestMethod, contentType string, body []byte) *sip.Request {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c.localFrom == nil || c.remoteTo == nil {
		return nil
	}

	c.localSeq++
	req := sip.NewRequest(method, c.remoteTarget)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(c.localFrom)
	req.AppendHeader(c.remoteTo)
	callIDHdr := sip.CallIDHeader(c.callID)
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.localSeq, MethodName: method})

	if body != nil {
		ct := sip.ContentTypeHeader(contentType)
		req.AppendHeader(&ct)
		req.SetBody(body)
	}

	return req
}

// dropCall removes a call from the tracking maps.
func (e *Engine) dropCall(sessionID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.calls[sessionID]; ok {
		delete(e.callsByID, c.callID)
		delete(e.calls, sessionID)
	}
}

func (e *Engine) callByRequest(req *sip.Request) (*call, bool) {
	cid := req.CallID()
	if cid == nil {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.callsByID[string(*cid)]
	if !ok {
		return nil, false
	}
	c, ok := e.calls[id]
	return c, ok
}

// onInvite handles incoming INVITE and re-INVITE requests.
func (e *Engine) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	handler := e.callbackHandler()

	if c, ok := e.callByRequest(req); ok {
		// re-INVITE: answer with our current offer and surface the
		// updated media to the core. An offer that stops sending to us
		// is the peer putting the call on hold.
		holding := offerHolds(req.Body())

		answerDirection := "sendrecv"
		if holding {
			answerDirection = "recvonly"
		}

		e.mu.Lock()
		body := e.buildOfferLocked(c.video, answerDirection)
		wasHeld := c.remoteHeld
		c.remoteHeld = holding
		e.mu.Unlock()

		res := sip.NewResponseFromRequest(req, 200, "OK", body)
		contentType := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&contentType)
		if err := tx.Respond(res); err != nil {
			e.logger.WithError(err).Warn("Failed to answer re-INVITE")
			return
		}

		if handler == nil {
			return
		}
		switch {
		case holding && !wasHeld:
			handler.OnRemoteHold(c.id)
		case !holding && wasHeld:
			handler.OnRemoteUnhold(c.id)
		default:
			handler.OnInviteUpdated(c.id, e.infoFromRequest(c, req))
		}
		return
	}

	cid := req.CallID()
	if cid == nil {
		res := sip.NewResponseFromRequest(req, 400, "Missing Call-ID", nil)
		_ = tx.Respond(res)
		return
	}

	e.mu.Lock()
	c, info := e.trackIncomingCallLocked(req, tx)
	id := c.id
	e.mu.Unlock()

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		e.logger.WithError(err).Warn("Failed to send 180 Ringing")
	}

	e.logger.WithFields(logrus.Fields{
		"session_id": id,
		"caller":     info.CallerNumber,
	}).Info("Incoming call")

	if handler != nil {
		handler.OnInviteIncoming(id, info)
	}
}

// trackIncomingCallLocked allocates dialog-tracking state for a
// dialog-creating INVITE. The caller holds e.mu and has verified the
// request carries a Call-ID.
func (e *Engine) trackIncomingCallLocked(req *sip.Request, tx sip.ServerTransaction) (*call, engine.InviteInfo) {
	e.nextCall++
	c := &call{
		id:       e.nextCall,
		incoming: true,
		callID:   string(*req.CallID()),
		invite:   req,
		serverTx: tx,
		localSeq: 1,
	}
	if contact := req.Contact(); contact != nil {
		c.remoteTarget = contact.Address
	} else if from := req.From(); from != nil {
		c.remoteTarget = from.Address
	}

	// Prepare our side of the dialog for in-dialog requests after the
	// answer: our identity is the INVITE's To, theirs is its From.
	if to := req.To(); to != nil {
		fromParams := sip.NewParams()
		fromParams.Add("tag", generateTag())
		c.localFrom = &sip.FromHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      fromParams,
		}
	}
	if from := req.From(); from != nil {
		c.remoteTo = &sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Params:      from.Params,
		}
	}

	e.calls[c.id] = c
	e.callsByID[c.callID] = c.id

	info := e.inviteInfoLocked(req)
	// Remember whether the offer carried video so an answer with the
	// video flag set can include a video section.
	c.video = info.HasVideo
	return c, info
}

func (e *Engine) onAck(req *sip.Request, tx sip.ServerTransaction) {
	c, ok := e.callByRequest(req)
	if !ok {
		return
	}

	e.mu.Lock()
	fire := c.incoming && c.answered && !c.connected
	if fire {
		c.connected = true
		c.serverTx = nil
	}
	e.mu.Unlock()

	if fire {
		if handler := e.callbackHandler(); handler != nil {
			handler.OnInviteConnected(c.id)
		}
	}
}

func (e *Engine) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_ = tx.Respond(res)

	c, ok := e.callByRequest(req)
	if !ok {
		return
	}

	e.mu.Lock()
	pending := c.incoming && !c.answered && c.serverTx != nil
	var inviteTx sip.ServerTransaction
	var invite *sip.Request
	if pending {
		inviteTx = c.serverTx
		invite = c.invite
	}
	e.mu.Unlock()

	if pending {
		terminated := sip.NewResponseFromRequest(invite, 487, "Request Terminated", nil)
		_ = inviteTx.Respond(terminated)
	}

	e.dropCall(c.id)
	if handler := e.callbackHandler(); handler != nil {
		handler.OnInviteClosed(c.id)
	}
}

func (e *Engine) onBye(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_ = tx.Respond(res)

	c, ok := e.callByRequest(req)
	if !ok {
		return
	}

	e.dropCall(c.id)
	if handler := e.callbackHandler(); handler != nil {
		handler.OnInviteClosed(c.id)
	}
}

func (e *Engine) onMessage(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_ = tx.Respond(res)

	handler := e.callbackHandler()
	if handler == nil {
		return
	}

	mimeType, subMimeType := splitContentType(req)
	body := req.Body()

	if c, ok := e.callByRequest(req); ok {
		handler.OnRecvMessage(c.id, mimeType, subMimeType, body)
		return
	}

	var fromName, fromNumber, toName, toNumber string
	if from := req.From(); from != nil {
		fromName = from.DisplayName
		fromNumber = from.Address.User
	}
	if to := req.To(); to != nil {
		toName = to.DisplayName
		toNumber = to.Address.User
	}
	handler.OnRecvOutOfDialogMessage(fromName, fromNumber, toName, toNumber, mimeType, subMimeType, body)
}

func (e *Engine) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_ = tx.Respond(res)

	mimeType, subMimeType := splitContentType(req)
	if mimeType != "application" || !strings.HasPrefix(subMimeType, "dtmf") {
		return
	}

	c, ok := e.callByRequest(req)
	if !ok {
		return
	}

	tone, ok := parseDTMFSignal(string(req.Body()))
	if !ok {
		return
	}

	if handler := e.callbackHandler(); handler != nil {
		handler.OnRecvDTMFTone(c.id, tone)
	}
}

// onRefer holds the REFER transaction open until the application accepts
// or rejects the transfer.
func (e *Engine) onRefer(req *sip.Request, tx sip.ServerTransaction) {
	c, ok := e.callByRequest(req)
	if !ok {
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}

	referTo := headerValue(req, "Refer-To")
	referredBy := headerValue(req, "Referred-By")

	e.mu.Lock()
	e.nextRefer++
	referID := e.nextRefer
	e.refers[referID] = &refer{sessionID: c.id, tx: tx, req: req}
	e.mu.Unlock()

	if handler := e.callbackHandler(); handler != nil {
		handler.OnReceivedRefer(c.id, referID, referTo, referredBy, req.String())
	}
}

func (e *Engine) onNotify(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_ = tx.Respond(res)

	handler := e.callbackHandler()
	if handler == nil {
		return
	}

	event := strings.ToLower(headerValue(req, "Event"))
	switch {
	case strings.HasPrefix(event, "message-summary"):
		e.handleMessageSummary(req, handler)
	case strings.HasPrefix(event, "presence"):
		e.handlePresenceNotify(req, handler)
	}
}

func (e *Engine) onSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 202, "Accepted", nil)
	_ = tx.Respond(res)

	event := strings.ToLower(headerValue(req, "Event"))
	if !strings.HasPrefix(event, "presence") {
		return
	}

	handler := e.callbackHandler()
	if handler == nil {
		return
	}

	var fromName, fromNumber string
	if from := req.From(); from != nil {
		fromName = from.DisplayName
		fromNumber = from.Address.User
	}

	e.mu.Lock()
	e.nextMsg++
	subscribeID := e.nextMsg
	e.mu.Unlock()

	handler.OnPresenceRecvSubscribe(subscribeID, fromName, fromNumber, event)
}

// handleMessageSummary parses an RFC 3842 message-summary body, e.g.
//
//	Messages-Waiting: yes
//	Message-Account: sip:alice@example.com
//	Voice-Message: 2/8 (0/1)
func (e *Engine) handleMessageSummary(req *sip.Request, handler engine.CallbackHandler) {
	account := ""
	if to := req.To(); to != nil {
		account = to.Address.User
	}

	for _, line := range strings.Split(string(req.Body()), "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)

		switch {
		case strings.HasPrefix(lower, "message-account:"):
			account = strings.TrimSpace(line[len("message-account:"):])

		case strings.HasPrefix(lower, "voice-message:"):
			newCount, oldCount, urgentNew, urgentOld := parseSummaryCounts(line[len("voice-message:"):])
			handler.OnWaitingVoiceMessage(account, urgentNew, urgentOld, newCount, oldCount)

		case strings.HasPrefix(lower, "fax-message:"):
			newCount, oldCount, urgentNew, urgentOld := parseSummaryCounts(line[len("fax-message:"):])
			handler.OnWaitingFaxMessage(account, urgentNew, urgentOld, newCount, oldCount)
		}
	}
}

// parseSummaryCounts parses "2/8 (0/1)" into new/old plus urgent counts.
func parseSummaryCounts(value string) (newCount, oldCount, urgentNew, urgentOld int32) {
	value = strings.TrimSpace(value)

	var urgent string
	if open := strings.IndexByte(value, '('); open >= 0 {
		if close := strings.IndexByte(value, ')'); close > open {
			urgent = value[open+1 : close]
		}
		value = strings.TrimSpace(value[:open])
	}

	newCount, oldCount = parseCountPair(value)
	urgentNew, urgentOld = parseCountPair(urgent)
	return
}

func parseCountPair(value string) (int32, int32) {
	parts := strings.SplitN(strings.TrimSpace(value), "/", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	var a, b int32
	fmt.Sscanf(parts[0], "%d", &a)
	fmt.Sscanf(parts[1], "%d", &b)
	return a, b
}

// handlePresenceNotify surfaces a peer's basic open/closed state from a
// PIDF body without pulling in a full XML model.
func (e *Engine) handlePresenceNotify(req *sip.Request, handler engine.CallbackHandler) {
	var fromName, fromNumber string
	if from := req.From(); from != nil {
		fromName = from.DisplayName
		fromNumber = from.Address.User
	}

	body := strings.ToLower(string(req.Body()))
	switch {
	case strings.Contains(body, "<basic>open</basic>"):
		handler.OnPresenceOnline(fromName, fromNumber, "open")
	case strings.Contains(body, "<basic>closed</basic>"):
		handler.OnPresenceOffline(fromName, fromNumber)
	}
}

func headerValue(req *sip.Request, name string) string {
	if header := req.GetHeader(name); header != nil {
		return header.Value()
	}
	return ""
}

func splitContentType(req *sip.Request) (string, string) {
	value := headerValue(req, "Content-Type")
	if value == "" {
		return "", ""
	}
	parts := strings.SplitN(value, "/", 2)
	if len(parts) != 2 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}

func parseDTMFSignal(body string) (engine.DTMFTone, bool) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToLower(line), "signal=") {
			continue
		}
		signal := strings.TrimSpace(line[len("signal="):])
		return toneFromSignal(signal)
	}
	return 0, false
}

func toneFromSignal(signal string) (engine.DTMFTone, bool) {
	if signal == "" {
		return 0, false
	}
	switch signal[0] {
	case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return engine.DTMFTone(signal[0] - '0'), true
	case '*':
		return engine.ToneStar, true
	case '#':
		return engine.ToneHash, true
	case 'A', 'a':
		return engine.ToneA, true
	case 'B', 'b':
		return engine.ToneB, true
	case 'C', 'c':
		return engine.ToneC, true
	case 'D', 'd':
		return engine.ToneD, true
	}
	return 0, false
}

func reasonPhrase(code int32) string {
	switch code {
	case 480:
		return "Temporarily Unavailable"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 603:
		return "Decline"
	}
	return "Rejected"
}
