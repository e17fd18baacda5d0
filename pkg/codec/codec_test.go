package codec

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipkit-server/pkg/errors"
)

func TestAudioFromTextCaseInsensitive(t *testing.T) {
	upper, ok := AudioFromText("PCMU")
	require.True(t, ok)

	lower, ok := AudioFromText("pcmu")
	require.True(t, ok)

	assert.Equal(t, upper, lower)
	assert.Equal(t, AudioPCMU, lower)
}

func TestAudioFromTextUnknown(t *testing.T) {
	_, ok := AudioFromText("bogus")
	assert.False(t, ok)
}

func TestParseAudioListSkipsUnknownTokens(t *testing.T) {
	codecs := ParseAudioList("PCMU#bogus#G729")
	require.Len(t, codecs, 2)
	assert.Equal(t, AudioPCMU, codecs[0])
	assert.Equal(t, AudioG729, codecs[1])
}

func TestParseAudioListEmpty(t *testing.T) {
	assert.Empty(t, ParseAudioList(""))
	assert.Empty(t, ParseAudioList("###"))
}

func TestParseVideoList(t *testing.T) {
	codecs := ParseVideoList("H264#nope#VP8")
	require.Len(t, codecs, 2)
	assert.Equal(t, VideoH264, codecs[0])
	assert.Equal(t, VideoVP8, codecs[1])
}

// recordingAudioSink records catalog commands and lets tests force
// failure codes.
type recordingAudioSink struct {
	added    []Audio
	cleared  int
	failWith int32
}

func (s *recordingAudioSink) AddAudioCodec(c Audio) int32 {
	if s.failWith != 0 {
		return s.failWith
	}
	s.added = append(s.added, c)
	return 0
}

func (s *recordingAudioSink) ClearAudioCodecs() int32 {
	if s.failWith != 0 {
		return s.failWith
	}
	s.cleared++
	s.added = nil
	return 0
}

func (s *recordingAudioSink) SetAudioCodecPayloadType(Audio, int32) int32 { return s.failWith }
func (s *recordingAudioSink) SetAudioCodecParameter(Audio, string) int32  { return s.failWith }

func TestAudioCatalogPreservesOrder(t *testing.T) {
	sink := &recordingAudioSink{}
	catalog := NewAudioCatalog(logrus.New(), sink)

	require.NoError(t, catalog.Add(AudioOpus))
	require.NoError(t, catalog.Add(AudioPCMU))
	require.NoError(t, catalog.Add(AudioG729))

	assert.Equal(t, []Audio{AudioOpus, AudioPCMU, AudioG729}, catalog.List())
	assert.Equal(t, []Audio{AudioOpus, AudioPCMU, AudioG729}, sink.added)
}

func TestAudioCatalogIgnoresDuplicates(t *testing.T) {
	sink := &recordingAudioSink{}
	catalog := NewAudioCatalog(logrus.New(), sink)

	require.NoError(t, catalog.Add(AudioPCMU))
	require.NoError(t, catalog.Add(AudioPCMU))

	// The engine-facing list must not be corrupted by the duplicate.
	assert.Equal(t, []Audio{AudioPCMU}, sink.added)
	assert.Equal(t, []Audio{AudioPCMU}, catalog.List())
}

func TestAudioCatalogClear(t *testing.T) {
	sink := &recordingAudioSink{}
	catalog := NewAudioCatalog(logrus.New(), sink)

	require.NoError(t, catalog.Add(AudioPCMA))
	require.NoError(t, catalog.Clear())

	assert.True(t, catalog.IsEmpty())
	assert.Equal(t, 1, sink.cleared)
}

func TestAudioCatalogSurfacesEngineCode(t *testing.T) {
	sink := &recordingAudioSink{failWith: -70001}
	catalog := NewAudioCatalog(logrus.New(), sink)

	err := catalog.Add(AudioPCMU)
	require.Error(t, err)

	code, ok := errors.EngineCode(err)
	require.True(t, ok)
	assert.Equal(t, int32(-70001), code)
	assert.True(t, catalog.IsEmpty())
}
