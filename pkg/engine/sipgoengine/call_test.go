package sipgoengine

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipkit-server/pkg/codec"
)

func newIncomingInvite(body []byte) *sip.Request {
	target := sip.Uri{User: "bob", Host: "192.0.2.10"}
	req := sip.NewRequest(sip.INVITE, target)

	fromParams := sip.NewParams()
	fromParams.Add("tag", "1928301774")
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Alice",
		Address:     sip.Uri{User: "alice", Host: "198.51.100.7"},
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	callID := sip.CallIDHeader("a84b4c76e66710")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: "alice", Host: "198.51.100.7", Port: 5060},
	})
	if body != nil {
		ct := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&ct)
		req.SetBody(body)
	}
	return req
}

func TestIncomingVideoOfferEnablesVideoAnswer(t *testing.T) {
	e := newTestEngine()
	e.videoCodecs = []codec.Video{codec.VideoH264}

	offer := []byte("v=0\r\n" +
		"o=- 1 1 IN IP4 198.51.100.7\r\n" +
		"s=call\r\n" +
		"c=IN IP4 198.51.100.7\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n" +
		"m=video 4002 RTP/AVP 125\r\n" +
		"a=rtpmap:125 H264/90000\r\n")

	e.mu.Lock()
	c, info := e.trackIncomingCallLocked(newIncomingInvite(offer), nil)
	e.mu.Unlock()

	require.True(t, info.HasVideo)
	assert.True(t, c.video, "offered video must be remembered on the dialog")
	assert.Equal(t, "alice", info.CallerNumber)

	// Answering with the video flag set only includes a video section
	// when the peer offered one.
	e.mu.Lock()
	body := e.buildOfferLocked(c.video, "sendrecv")
	e.mu.Unlock()
	assert.Contains(t, string(body), "m=video")
}

func TestIncomingAudioOnlyOfferStaysAudioOnly(t *testing.T) {
	e := newTestEngine()
	e.videoCodecs = []codec.Video{codec.VideoH264}

	offer := []byte("v=0\r\n" +
		"o=- 1 1 IN IP4 198.51.100.7\r\n" +
		"s=call\r\n" +
		"c=IN IP4 198.51.100.7\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n")

	e.mu.Lock()
	c, info := e.trackIncomingCallLocked(newIncomingInvite(offer), nil)
	e.mu.Unlock()

	require.True(t, info.HasAudio)
	assert.False(t, c.video)

	e.mu.Lock()
	body := e.buildOfferLocked(c.video, "sendrecv")
	e.mu.Unlock()
	assert.NotContains(t, string(body), "m=video")
}

func TestRegisterRefreshIntervalClamped(t *testing.T) {
	assert.Equal(t, time.Second, refreshInterval(1))
	assert.Equal(t, time.Second, refreshInterval(2))
	assert.Equal(t, 30*time.Second, refreshInterval(60))
	assert.Equal(t, 30*time.Minute, refreshInterval(3600))
}
