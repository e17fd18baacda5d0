// Package codec defines the audio and video codec identifiers the
// signaling core negotiates with, the textual wire names used by the
// engine, and the ordered catalogs pushed to the engine before
// registration.
package codec

import "strings"

// Audio identifies an audio codec by its conventional payload type.
type Audio int32

const (
	AudioNone    Audio = -1
	AudioPCMU    Audio = 0
	AudioGSM     Audio = 3
	AudioPCMA    Audio = 8
	AudioG722    Audio = 9
	AudioG729    Audio = 18
	AudioILBC    Audio = 97
	AudioAMR     Audio = 98
	AudioAMRWB   Audio = 99
	AudioSpeex   Audio = 100
	AudioDTMF    Audio = 101
	AudioSpeexWB Audio = 102
	AudioISACWB  Audio = 103
	AudioISACSWB Audio = 104
	AudioOpus    Audio = 105
	AudioG7221   Audio = 121
)

var audioNames = map[Audio]string{
	AudioNone:    "NONE",
	AudioPCMU:    "PCMU",
	AudioGSM:     "GSM",
	AudioPCMA:    "PCMA",
	AudioG722:    "G722",
	AudioG729:    "G729",
	AudioILBC:    "ILBC",
	AudioAMR:     "AMR",
	AudioAMRWB:   "AMRWB",
	AudioSpeex:   "SPEEX",
	AudioDTMF:    "DTMF",
	AudioSpeexWB: "SPEEXWB",
	AudioISACWB:  "ISACWB",
	AudioISACSWB: "ISACSWB",
	AudioOpus:    "OPUS",
	AudioG7221:   "G7221",
}

var audioByName = func() map[string]Audio {
	m := make(map[string]Audio, len(audioNames))
	for c, name := range audioNames {
		m[strings.ToLower(name)] = c
	}
	return m
}()

// String returns the codec's wire name.
func (a Audio) String() string {
	if name, ok := audioNames[a]; ok {
		return name
	}
	return "UNKNOWN"
}

// AudioFromText resolves a textual codec name case-insensitively.
func AudioFromText(text string) (Audio, bool) {
	c, ok := audioByName[strings.ToLower(strings.TrimSpace(text))]
	return c, ok
}

// ParseAudioList parses a '#'-delimited codec list as supplied by the
// engine (e.g. a remote-offered codec set). Unrecognized tokens are
// skipped so a partially-understood list is still usable.
func ParseAudioList(list string) []Audio {
	var results []Audio
	for _, item := range strings.Split(list, "#") {
		c, ok := AudioFromText(item)
		if !ok {
			continue
		}
		results = append(results, c)
	}
	return results
}

// Video identifies a video codec by its conventional payload type.
type Video int32

const (
	VideoNone     Video = -1
	VideoH263     Video = 32
	VideoI420     Video = 113
	VideoH2631998 Video = 115
	VideoVP8      Video = 120
	VideoH264     Video = 125
)

var videoNames = map[Video]string{
	VideoNone:     "NONE",
	VideoH263:     "H263",
	VideoI420:     "I420",
	VideoH2631998: "H263-1998",
	VideoVP8:      "VP8",
	VideoH264:     "H264",
}

var videoByName = func() map[string]Video {
	m := make(map[string]Video, len(videoNames))
	for c, name := range videoNames {
		m[strings.ToLower(name)] = c
	}
	return m
}()

// String returns the codec's wire name.
func (v Video) String() string {
	if name, ok := videoNames[v]; ok {
		return name
	}
	return "UNKNOWN"
}

// VideoFromText resolves a textual codec name case-insensitively.
func VideoFromText(text string) (Video, bool) {
	c, ok := videoByName[strings.ToLower(strings.TrimSpace(text))]
	return c, ok
}

// ParseVideoList parses a '#'-delimited video codec list, skipping
// unrecognized tokens.
func ParseVideoList(list string) []Video {
	var results []Video
	for _, item := range strings.Split(list, "#") {
		c, ok := VideoFromText(item)
		if !ok {
			continue
		}
		results = append(results, c)
	}
	return results
}
