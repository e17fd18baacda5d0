package sipgoengine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"

	"sipkit-server/pkg/codec"
	"sipkit-server/pkg/engine"
)

// mediaPort is advertised in offers. There is no RTP stack behind this
// engine, so the port is a placeholder the peer can direct media at.
const mediaPort = 10000

var audioRTPMap = map[codec.Audio]string{
	codec.AudioPCMU:    "PCMU/8000",
	codec.AudioGSM:     "GSM/8000",
	codec.AudioPCMA:    "PCMA/8000",
	codec.AudioG722:    "G722/8000",
	codec.AudioG729:    "G729/8000",
	codec.AudioILBC:    "iLBC/8000",
	codec.AudioAMR:     "AMR/8000",
	codec.AudioAMRWB:   "AMR-WB/16000",
	codec.AudioSpeex:   "speex/8000",
	codec.AudioDTMF:    "telephone-event/8000",
	codec.AudioSpeexWB: "speex/16000",
	codec.AudioISACWB:  "iSAC/16000",
	codec.AudioISACSWB: "iSAC/32000",
	codec.AudioOpus:    "opus/48000/2",
	codec.AudioG7221:   "G7221/16000",
}

var videoRTPMap = map[codec.Video]string{
	codec.VideoH263:     "H263/90000",
	codec.VideoI420:     "I420/90000",
	codec.VideoH2631998: "H263-1998/90000",
	codec.VideoVP8:      "VP8/90000",
	codec.VideoH264:     "H264/90000",
}

// buildOfferLocked builds an SDP offer from the configured codec lists.
// The caller must hold e.mu.
func (e *Engine) buildOfferLocked(video bool, direction string) []byte {
	host := e.cfg.LocalAddr
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	audioCodecs := e.audioCodecs
	if len(audioCodecs) == 0 {
		audioCodecs = []codec.Audio{codec.AudioPCMU, codec.AudioPCMA}
	}

	sessionID := uint64(time.Now().UnixNano())
	desc := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "sipkit",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: mediaPort},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, c := range audioCodecs {
		payload := int32(c)
		if override, ok := e.payloadType[c]; ok {
			payload = override
		}
		audio.MediaName.Formats = append(audio.MediaName.Formats, strconv.Itoa(int(payload)))
		if rtpmap, ok := audioRTPMap[c]; ok {
			audio.Attributes = append(audio.Attributes, sdp.Attribute{
				Key:   "rtpmap",
				Value: fmt.Sprintf("%d %s", payload, rtpmap),
			})
		}
		if params, ok := e.audioFmtp[c]; ok {
			audio.Attributes = append(audio.Attributes, sdp.Attribute{
				Key:   "fmtp",
				Value: fmt.Sprintf("%d %s", payload, params),
			})
		}
	}
	audio.Attributes = append(audio.Attributes, sdp.Attribute{Key: direction})
	desc.MediaDescriptions = append(desc.MediaDescriptions, audio)

	if video && len(e.videoCodecs) > 0 {
		videoMedia := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  "video",
				Port:   sdp.RangedPort{Value: mediaPort + 2},
				Protos: []string{"RTP", "AVP"},
			},
		}
		for _, c := range e.videoCodecs {
			payload := int32(c)
			if override, ok := e.videoPayload[c]; ok {
				payload = override
			}
			videoMedia.MediaName.Formats = append(videoMedia.MediaName.Formats, strconv.Itoa(int(payload)))
			if rtpmap, ok := videoRTPMap[c]; ok {
				videoMedia.Attributes = append(videoMedia.Attributes, sdp.Attribute{
					Key:   "rtpmap",
					Value: fmt.Sprintf("%d %s", payload, rtpmap),
				})
			}
			if params, ok := e.videoFmtp[c]; ok {
				videoMedia.Attributes = append(videoMedia.Attributes, sdp.Attribute{
					Key:   "fmtp",
					Value: fmt.Sprintf("%d %s", payload, params),
				})
			}
		}
		videoMedia.Attributes = append(videoMedia.Attributes, sdp.Attribute{Key: direction})
		desc.MediaDescriptions = append(desc.MediaDescriptions, videoMedia)
	}

	body, err := desc.Marshal()
	if err != nil {
		e.logger.WithError(err).Error("Failed to marshal SDP offer")
		return nil
	}
	return body
}

// offerHolds reports whether an SDP body stops media towards us, which
// is how a peer signals hold.
func offerHolds(body []byte) bool {
	if len(body) == 0 {
		return false
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return false
	}

	sessionHeld := directionHolds(desc.Attributes, false)
	if len(desc.MediaDescriptions) == 0 {
		return sessionHeld
	}
	for _, media := range desc.MediaDescriptions {
		if !directionHolds(media.Attributes, sessionHeld) {
			return false
		}
	}
	return true
}

// directionHolds resolves the direction attribute against an inherited
// session-level default.
func directionHolds(attributes []sdp.Attribute, inherited bool) bool {
	held := inherited
	for _, attr := range attributes {
		switch attr.Key {
		case "sendonly", "inactive":
			held = true
		case "sendrecv", "recvonly":
			held = false
		}
	}
	return held
}

// parseRemoteSDP extracts the negotiated codec identifiers from a peer's
// SDP body. Codecs are resolved from rtpmap names first, then from the
// static payload type assignments.
func parseRemoteSDP(body []byte) (audio []codec.Audio, video []codec.Video, hasAudio, hasVideo bool) {
	if len(body) == 0 {
		return nil, nil, false, false
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, nil, false, false
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Port.Value == 0 {
			continue
		}

		names := rtpmapNames(media.Attributes)

		switch media.MediaName.Media {
		case "audio":
			hasAudio = true
			for _, format := range media.MediaName.Formats {
				if c, ok := resolveAudio(format, names); ok {
					audio = append(audio, c)
				}
			}
		case "video":
			hasVideo = true
			for _, format := range media.MediaName.Formats {
				if c, ok := resolveVideo(format, names); ok {
					video = append(video, c)
				}
			}
		}
	}
	return audio, video, hasAudio, hasVideo
}

// rtpmapNames maps payload format strings to codec names, e.g.
// "105" -> "opus" for the attribute "rtpmap:105 opus/48000/2".
func rtpmapNames(attributes []sdp.Attribute) map[string]string {
	names := make(map[string]string)
	for _, attr := range attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		parts := strings.SplitN(attr.Value, " ", 2)
		if len(parts) != 2 {
			continue
		}
		name := parts[1]
		if slash := strings.IndexByte(name, '/'); slash >= 0 {
			name = name[:slash]
		}
		names[parts[0]] = name
	}
	return names
}

func resolveAudio(format string, names map[string]string) (codec.Audio, bool) {
	if name, ok := names[format]; ok {
		if c, ok := codec.AudioFromText(normalizeCodecName(name)); ok {
			return c, true
		}
	}
	payload, err := strconv.Atoi(format)
	if err != nil || payload > 34 {
		// Dynamic payload types carry no meaning without an rtpmap.
		return 0, false
	}
	c := codec.Audio(payload)
	if _, known := audioRTPMap[c]; known {
		return c, true
	}
	return 0, false
}

func resolveVideo(format string, names map[string]string) (codec.Video, bool) {
	if name, ok := names[format]; ok {
		if c, ok := codec.VideoFromText(name); ok {
			return c, true
		}
	}
	payload, err := strconv.Atoi(format)
	if err != nil {
		return 0, false
	}
	c := codec.Video(payload)
	if _, known := videoRTPMap[c]; known {
		return c, true
	}
	return 0, false
}

// normalizeCodecName maps rtpmap spellings onto catalog names.
func normalizeCodecName(name string) string {
	switch strings.ToLower(name) {
	case "telephone-event":
		return "DTMF"
	case "amr-wb":
		return "AMRWB"
	case "isac":
		return "ISACWB"
	}
	return name
}

// inviteInfoLocked builds the peer and media details for a new incoming
// INVITE. The caller holds e.mu; nothing here needs it.
func (e *Engine) inviteInfoLocked(req *sip.Request) engine.InviteInfo {
	return inviteInfo(req.From(), req.To(), req.Body())
}

// infoFromRequest builds the media details carried on an in-dialog
// request such as a re-INVITE.
func (e *Engine) infoFromRequest(c *call, req *sip.Request) engine.InviteInfo {
	return inviteInfo(req.From(), req.To(), req.Body())
}

// infoFromResponse builds the peer and media details from a provisional
// or final response to our INVITE.
func (e *Engine) infoFromResponse(c *call, resp *sip.Response) engine.InviteInfo {
	return inviteInfo(resp.From(), resp.To(), resp.Body())
}

func inviteInfo(from *sip.FromHeader, to *sip.ToHeader, body []byte) engine.InviteInfo {
	var info engine.InviteInfo
	if from != nil {
		info.CallerDisplayName = from.DisplayName
		info.CallerNumber = from.Address.User
	}
	if to != nil {
		info.CalleeDisplayName = to.DisplayName
		info.CalleeNumber = to.Address.User
	}
	info.AudioCodecs, info.VideoCodecs, info.HasAudio, info.HasVideo = parseRemoteSDP(body)
	return info
}
