package engine

import "sipkit-server/pkg/codec"

// InviteInfo carries the peer and media details an invite-related
// callback reports. Codec slices may be nil when the callback does not
// renegotiate media.
type InviteInfo struct {
	CallerDisplayName string
	CallerNumber      string
	CalleeDisplayName string
	CalleeNumber      string

	AudioCodecs []codec.Audio
	VideoCodecs []codec.Video

	HasEarlyMedia bool
	HasAudio      bool
	HasVideo      bool
}

// CallbackHandler receives asynchronous engine events. The engine invokes
// these from its own internal threads, concurrently with any
// application-initiated command; implementations must perform their own
// synchronization.
type CallbackHandler interface {
	OnRegisterSuccess(statusText string, statusCode int32)
	OnRegisterFailure(statusText string, statusCode int32)

	OnInviteIncoming(sessionID int, info InviteInfo)
	OnInviteTrying(sessionID int)
	OnInviteSessionProgress(sessionID int, info InviteInfo)
	OnInviteRinging(sessionID int, statusText string, statusCode int32)
	OnInviteAnswered(sessionID int, info InviteInfo)
	OnInviteFailure(sessionID int, reason string, code int32)
	OnInviteUpdated(sessionID int, info InviteInfo)
	OnInviteConnected(sessionID int)
	OnInviteClosed(sessionID int)

	OnRemoteHold(sessionID int)
	OnRemoteUnhold(sessionID int)

	OnReceivedRefer(sessionID int, referID int, to, from, referSignalingMessage string)
	OnReferAccepted(sessionID int)
	OnReferRejected(sessionID int, reason string, code int32)
	OnTransferSuccess(sessionID int)
	OnTransferFailure(sessionID int, reason string, code int32)

	OnRecvDTMFTone(sessionID int, tone DTMFTone)

	OnRecvMessage(sessionID int, mimeType, subMimeType string, body []byte)
	OnRecvOutOfDialogMessage(fromDisplayName, fromNumber, toDisplayName, toNumber, mimeType, subMimeType string, body []byte)
	OnSendMessageSuccess(sessionID int, messageID int64)
	OnSendMessageFailure(sessionID int, messageID int64, reason string, code int32)

	OnPresenceRecvSubscribe(subscribeID int64, fromDisplayName, fromNumber, subject string)
	OnPresenceOnline(fromDisplayName, fromNumber, stateText string)
	OnPresenceOffline(fromDisplayName, fromNumber string)

	OnWaitingVoiceMessage(account string, urgentNew, urgentOld, newCount, oldCount int32)
	OnWaitingFaxMessage(account string, urgentNew, urgentOld, newCount, oldCount int32)
}
