package sipgoengine

import (
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipkit-server/pkg/codec"
	"sipkit-server/pkg/engine"
)

func newTestEngine() *Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(logger)
}

func TestBuildOfferListsConfiguredCodecs(t *testing.T) {
	e := newTestEngine()
	e.cfg = engine.InitConfig{LocalAddr: "192.0.2.10"}
	e.audioCodecs = []codec.Audio{codec.AudioOpus, codec.AudioPCMU}
	e.payloadType[codec.AudioOpus] = 111

	body := e.buildOfferLocked(false, "sendrecv")
	require.NotNil(t, body)

	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal(body))
	require.Len(t, desc.MediaDescriptions, 1)

	audio := desc.MediaDescriptions[0]
	assert.Equal(t, "audio", audio.MediaName.Media)
	assert.Equal(t, []string{"111", "0"}, audio.MediaName.Formats)

	var rtpmaps []string
	var direction string
	for _, attr := range audio.Attributes {
		switch attr.Key {
		case "rtpmap":
			rtpmaps = append(rtpmaps, attr.Value)
		case "sendrecv", "sendonly", "recvonly", "inactive":
			direction = attr.Key
		}
	}
	assert.Contains(t, rtpmaps, "111 opus/48000/2")
	assert.Contains(t, rtpmaps, "0 PCMU/8000")
	assert.Equal(t, "sendrecv", direction)
}

func TestBuildOfferFallsBackWithoutCodecs(t *testing.T) {
	e := newTestEngine()

	body := e.buildOfferLocked(false, "sendrecv")
	require.NotNil(t, body)

	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal(body))
	require.Len(t, desc.MediaDescriptions, 1)
	assert.Equal(t, []string{"0", "8"}, desc.MediaDescriptions[0].MediaName.Formats)
}

func TestBuildOfferIncludesVideoWhenRequested(t *testing.T) {
	e := newTestEngine()
	e.audioCodecs = []codec.Audio{codec.AudioPCMU}
	e.videoCodecs = []codec.Video{codec.VideoH264}

	body := e.buildOfferLocked(true, "sendrecv")
	require.NotNil(t, body)

	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal(body))
	require.Len(t, desc.MediaDescriptions, 2)
	assert.Equal(t, "video", desc.MediaDescriptions[1].MediaName.Media)
	assert.Equal(t, []string{"125"}, desc.MediaDescriptions[1].MediaName.Formats)
}

func TestOfferHoldsDetection(t *testing.T) {
	held := "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.1\r\n" +
		"s=call\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"a=sendonly\r\n"
	assert.True(t, offerHolds([]byte(held)))

	active := "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.1\r\n" +
		"s=call\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"a=sendrecv\r\n"
	assert.False(t, offerHolds([]byte(active)))

	// Media-level sendrecv overrides a session-level sendonly.
	mixed := "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.1\r\n" +
		"s=call\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n" +
		"a=sendonly\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"a=sendrecv\r\n"
	assert.False(t, offerHolds([]byte(mixed)))

	assert.False(t, offerHolds(nil))
}

func TestParseRemoteSDPResolvesCodecs(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.1\r\n" +
		"s=call\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 111 0\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n"

	audio, video, hasAudio, hasVideo := parseRemoteSDP([]byte(body))
	assert.True(t, hasAudio)
	assert.False(t, hasVideo)
	assert.Empty(t, video)
	assert.Equal(t, []codec.Audio{codec.AudioOpus, codec.AudioPCMU}, audio)
}

func TestParseRemoteSDPSkipsUnknownDynamicPayloads(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.1\r\n" +
		"s=call\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 96 8\r\n"

	audio, _, hasAudio, _ := parseRemoteSDP([]byte(body))
	assert.True(t, hasAudio)
	assert.Equal(t, []codec.Audio{codec.AudioPCMA}, audio)
}

func TestToneFromSignal(t *testing.T) {
	tone, ok := toneFromSignal("5")
	require.True(t, ok)
	assert.Equal(t, engine.DTMFTone(5), tone)

	tone, ok = toneFromSignal("*")
	require.True(t, ok)
	assert.Equal(t, engine.ToneStar, tone)

	tone, ok = toneFromSignal("#")
	require.True(t, ok)
	assert.Equal(t, engine.ToneHash, tone)

	_, ok = toneFromSignal("")
	assert.False(t, ok)
}

func TestParseDTMFSignalBody(t *testing.T) {
	tone, ok := parseDTMFSignal("Signal=9\r\nDuration=160\r\n")
	require.True(t, ok)
	assert.Equal(t, engine.DTMFTone(9), tone)

	_, ok = parseDTMFSignal("Duration=160\r\n")
	assert.False(t, ok)
}

func TestParseSummaryCounts(t *testing.T) {
	newCount, oldCount, urgentNew, urgentOld := parseSummaryCounts(" 2/8 (0/1)")
	assert.Equal(t, int32(2), newCount)
	assert.Equal(t, int32(8), oldCount)
	assert.Equal(t, int32(0), urgentNew)
	assert.Equal(t, int32(1), urgentOld)

	newCount, oldCount, urgentNew, urgentOld = parseSummaryCounts("4/6")
	assert.Equal(t, int32(4), newCount)
	assert.Equal(t, int32(6), oldCount)
	assert.Equal(t, int32(0), urgentNew)
	assert.Equal(t, int32(0), urgentOld)
}

func TestSetLicenseKeyRejectsEmpty(t *testing.T) {
	e := newTestEngine()
	assert.Equal(t, codeBadArgument, e.SetLicenseKey(""))
	assert.Equal(t, int32(0), e.SetLicenseKey("trial"))
}

func TestReasonPhrases(t *testing.T) {
	assert.Equal(t, "Busy Here", reasonPhrase(486))
	assert.Equal(t, "Temporarily Unavailable", reasonPhrase(480))
	assert.Equal(t, "Rejected", reasonPhrase(499))
}

func TestBuildOfferCarriesCodecParameters(t *testing.T) {
	e := newTestEngine()
	e.audioCodecs = []codec.Audio{codec.AudioOpus}
	e.videoCodecs = []codec.Video{codec.VideoH264}

	require.Zero(t, e.SetAudioCodecPayloadType(codec.AudioOpus, 111))
	require.Zero(t, e.SetAudioCodecParameter(codec.AudioOpus, "maxplaybackrate=16000;useinbandfec=1"))
	require.Zero(t, e.SetVideoCodecPayloadType(codec.VideoH264, 102))
	require.Zero(t, e.SetVideoCodecParameter(codec.VideoH264, "profile-level-id=42801F"))

	body := e.buildOfferLocked(true, "sendrecv")
	require.NotNil(t, body)

	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal(body))
	require.Len(t, desc.MediaDescriptions, 2)

	assert.Contains(t, attrValues(desc.MediaDescriptions[0], "fmtp"),
		"111 maxplaybackrate=16000;useinbandfec=1")
	assert.Equal(t, []string{"102"}, desc.MediaDescriptions[1].MediaName.Formats)
	assert.Contains(t, attrValues(desc.MediaDescriptions[1], "fmtp"),
		"102 profile-level-id=42801F")

	// An empty parameter clears the attribute again.
	require.Zero(t, e.SetAudioCodecParameter(codec.AudioOpus, ""))
	body = e.buildOfferLocked(false, "sendrecv")
	var cleared sdp.SessionDescription
	require.NoError(t, cleared.Unmarshal(body))
	assert.Empty(t, attrValues(cleared.MediaDescriptions[0], "fmtp"))
}

func attrValues(media *sdp.MediaDescription, key string) []string {
	var out []string
	for _, attr := range media.Attributes {
		if attr.Key == key {
			out = append(out, attr.Value)
		}
	}
	return out
}
