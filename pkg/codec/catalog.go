package codec

import (
	"sync"

	"github.com/sirupsen/logrus"

	"sipkit-server/pkg/errors"
)

// AudioSink is the slice of the signaling engine the audio catalog talks
// to. Commands return the engine's native result code, 0 on success.
type AudioSink interface {
	AddAudioCodec(codec Audio) int32
	ClearAudioCodecs() int32
	SetAudioCodecPayloadType(codec Audio, payloadType int32) int32
	SetAudioCodecParameter(codec Audio, parameter string) int32
}

// VideoSink is the video counterpart of AudioSink.
type VideoSink interface {
	AddVideoCodec(codec Video) int32
	ClearVideoCodecs() int32
	SetVideoCodecPayloadType(codec Video, payloadType int32) int32
	SetVideoCodecParameter(codec Video, parameter string) int32
}

// AudioCatalog maintains the ordered list of audio codecs offered for
// negotiation. Order is preference order; duplicates are ignored rather
// than forwarded, so the engine-facing list never degrades.
type AudioCatalog struct {
	logger *logrus.Logger
	sink   AudioSink

	mu     sync.Mutex
	codecs []Audio
}

// NewAudioCatalog creates an audio codec catalog backed by the engine.
func NewAudioCatalog(logger *logrus.Logger, sink AudioSink) *AudioCatalog {
	return &AudioCatalog{
		logger: logger,
		sink:   sink,
	}
}

// Add appends a codec to the engine-facing list, preserving call order.
// Adding a codec that is already present is a no-op.
func (c *AudioCatalog) Add(codec Audio) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.codecs {
		if existing == codec {
			c.logger.WithField("codec", codec.String()).Debug("Audio codec already in catalog, ignoring")
			return nil
		}
	}

	if code := c.sink.AddAudioCodec(codec); code != 0 {
		return errors.NewAPICallFailed("addAudioCodec", code).WithField("codec", codec.String())
	}

	c.codecs = append(c.codecs, codec)
	return nil
}

// Clear empties the engine-facing list.
func (c *AudioCatalog) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if code := c.sink.ClearAudioCodecs(); code != 0 {
		return errors.NewAPICallFailed("clearAudioCodec", code)
	}

	c.codecs = c.codecs[:0]
	return nil
}

// SetPayloadType overrides the payload type used for a codec in
// subsequent negotiations. Sessions already negotiated are unaffected.
func (c *AudioCatalog) SetPayloadType(codec Audio, payloadType int32) error {
	if code := c.sink.SetAudioCodecPayloadType(codec, payloadType); code != 0 {
		return errors.NewAPICallFailed("setAudioCodecPayloadType", code).WithField("codec", codec.String())
	}
	return nil
}

// SetParameter sets a codec-specific fmtp parameter string used in
// subsequent negotiations.
func (c *AudioCatalog) SetParameter(codec Audio, parameter string) error {
	if code := c.sink.SetAudioCodecParameter(codec, parameter); code != 0 {
		return errors.NewAPICallFailed("setAudioCodecParameter", code).WithField("codec", codec.String())
	}
	return nil
}

// IsEmpty reports whether any codec has been added.
func (c *AudioCatalog) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.codecs) == 0
}

// List returns the catalog contents in preference order.
func (c *AudioCatalog) List() []Audio {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Audio, len(c.codecs))
	copy(out, c.codecs)
	return out
}

// VideoCatalog maintains the ordered list of video codecs offered for
// negotiation.
type VideoCatalog struct {
	logger *logrus.Logger
	sink   VideoSink

	mu     sync.Mutex
	codecs []Video
}

// NewVideoCatalog creates a video codec catalog backed by the engine.
func NewVideoCatalog(logger *logrus.Logger, sink VideoSink) *VideoCatalog {
	return &VideoCatalog{
		logger: logger,
		sink:   sink,
	}
}

// Add appends a codec to the engine-facing list, preserving call order.
// Adding a codec that is already present is a no-op.
func (c *VideoCatalog) Add(codec Video) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.codecs {
		if existing == codec {
			c.logger.WithField("codec", codec.String()).Debug("Video codec already in catalog, ignoring")
			return nil
		}
	}

	if code := c.sink.AddVideoCodec(codec); code != 0 {
		return errors.NewAPICallFailed("addVideoCodec", code).WithField("codec", codec.String())
	}

	c.codecs = append(c.codecs, codec)
	return nil
}

// Clear empties the engine-facing list.
func (c *VideoCatalog) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if code := c.sink.ClearVideoCodecs(); code != 0 {
		return errors.NewAPICallFailed("clearVideoCodec", code)
	}

	c.codecs = c.codecs[:0]
	return nil
}

// SetPayloadType overrides the payload type used for a codec in
// subsequent negotiations.
func (c *VideoCatalog) SetPayloadType(codec Video, payloadType int32) error {
	if code := c.sink.SetVideoCodecPayloadType(codec, payloadType); code != 0 {
		return errors.NewAPICallFailed("setVideoCodecPayloadType", code).WithField("codec", codec.String())
	}
	return nil
}

// SetParameter sets a codec-specific fmtp parameter string.
func (c *VideoCatalog) SetParameter(codec Video, parameter string) error {
	if code := c.sink.SetVideoCodecParameter(codec, parameter); code != 0 {
		return errors.NewAPICallFailed("setVideoCodecParameter", code).WithField("codec", codec.String())
	}
	return nil
}

// IsEmpty reports whether any codec has been added.
func (c *VideoCatalog) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.codecs) == 0
}

// List returns the catalog contents in preference order.
func (c *VideoCatalog) List() []Video {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Video, len(c.codecs))
	copy(out, c.codecs)
	return out
}
