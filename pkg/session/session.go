// Package session owns the collection of in-progress call sessions and
// their lifecycle state. The registry is the single source of truth:
// callers receive handles into it, never detached copies, so every
// reader observes updates immediately.
package session

import (
	"sync"
	"time"

	"sipkit-server/pkg/codec"
)

// Status is the lifecycle state of a call session.
type Status int

const (
	// StatusRinging is the initial state for both directions.
	StatusRinging Status = iota
	// StatusActive means the call is connected with live media.
	StatusActive
	// StatusOnHold means the call is connected but held.
	StatusOnHold
	// StatusInactive is terminal; inactive sessions are removed from the
	// registry rather than retained.
	StatusInactive
)

func (s Status) String() string {
	switch s {
	case StatusRinging:
		return "ringing"
	case StatusActive:
		return "active"
	case StatusOnHold:
		return "onHold"
	case StatusInactive:
		return "inactive"
	}
	return "unknown"
}

// Direction distinguishes incoming from outgoing calls.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// PeerInfo holds the caller and callee identities of a call.
type PeerInfo struct {
	CallerName   string
	CallerNumber string
	CalleeName   string
	CalleeNumber string
}

// MediaInfo holds the negotiated codec lists and media-presence flags.
// Codec lists are captured at every callback that supplies them,
// last write wins.
type MediaInfo struct {
	AudioCodecs   []codec.Audio
	VideoCodecs   []codec.Video
	HasAudio      bool
	HasVideo      bool
	HasEarlyMedia bool
}

// Session represents one call, incoming or outgoing. Fields are mutated
// in place through the owning Registry; all accessors are safe for
// concurrent use.
type Session struct {
	id        int
	direction Direction

	mu        sync.RWMutex
	status    Status
	peer      PeerInfo
	media     MediaInfo
	onHold    bool
	startedAt time.Time
	endedAt   time.Time
}

// ID returns the engine-assigned session id.
func (s *Session) ID() int { return s.id }

// Direction returns whether the call is incoming or outgoing.
func (s *Session) Direction() Direction { return s.direction }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Peer returns the caller/callee identities.
func (s *Session) Peer() PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

// Media returns the negotiated media details.
func (s *Session) Media() MediaInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.media
}

// OnHold reports whether the call is locally held.
func (s *Session) OnHold() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onHold
}

// StartedAt returns the connect time, zero until the call connects.
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Duration returns the accumulated call time: now minus connect time
// while the call is up, frozen once it closes, zero before connect.
func (s *Session) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.durationLocked()
}

func (s *Session) durationLocked() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	if !s.endedAt.IsZero() {
		return s.endedAt.Sub(s.startedAt)
	}
	return time.Since(s.startedAt)
}

// Snapshot is an immutable point-in-time copy of a session, carried on
// published events so handlers keep full final details for calls that
// have already been removed from the registry.
type Snapshot struct {
	ID        int    `json:"id"`
	Direction string `json:"direction"`
	Status    string `json:"status"`

	CallerName   string `json:"caller_name"`
	CallerNumber string `json:"caller_number"`
	CalleeName   string `json:"callee_name"`
	CalleeNumber string `json:"callee_number"`

	AudioCodecs   []codec.Audio `json:"audio_codecs,omitempty"`
	VideoCodecs   []codec.Video `json:"video_codecs,omitempty"`
	HasAudio      bool          `json:"has_audio"`
	HasVideo      bool          `json:"has_video"`
	HasEarlyMedia bool          `json:"has_early_media"`
	OnHold        bool          `json:"on_hold"`

	StartedAt time.Time     `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Snapshot returns a copy of the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	audio := make([]codec.Audio, len(s.media.AudioCodecs))
	copy(audio, s.media.AudioCodecs)
	video := make([]codec.Video, len(s.media.VideoCodecs))
	copy(video, s.media.VideoCodecs)

	return Snapshot{
		ID:            s.id,
		Direction:     s.direction.String(),
		Status:        s.status.String(),
		CallerName:    s.peer.CallerName,
		CallerNumber:  s.peer.CallerNumber,
		CalleeName:    s.peer.CalleeName,
		CalleeNumber:  s.peer.CalleeNumber,
		AudioCodecs:   audio,
		VideoCodecs:   video,
		HasAudio:      s.media.HasAudio,
		HasVideo:      s.media.HasVideo,
		HasEarlyMedia: s.media.HasEarlyMedia,
		OnHold:        s.onHold,
		StartedAt:     s.startedAt,
		Duration:      s.durationLocked(),
	}
}
