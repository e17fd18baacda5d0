package session

import (
	"sync"

	"github.com/sirupsen/logrus"

	"sipkit-server/pkg/errors"
)

// Registry owns all live sessions, keyed by the engine-assigned numeric
// session id. Ids are unique while a session is live; an id may be
// reused once the prior session with that id has been removed.
// Enumeration order is insertion order.
type Registry struct {
	logger *logrus.Logger

	mu       sync.RWMutex
	sessions map[int]*Session
	order    []int
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		logger:   logger,
		sessions: make(map[int]*Session),
	}
}

// Add creates and stores a new session in ringing status. It fails with
// ErrSessionExists when the id is already live, leaving the existing
// session untouched.
func (r *Registry) Add(id int, direction Direction, peer PeerInfo, media MediaInfo) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, errors.NewDuplicateSession(id)
	}

	s := &Session{
		id:        id,
		direction: direction,
		status:    StatusRinging,
		peer:      peer,
		media:     media,
	}

	r.sessions[id] = s
	r.order = append(r.order, id)

	r.logger.WithFields(logrus.Fields{
		"session_id": id,
		"direction":  direction.String(),
	}).Debug("Session added")

	return s, nil
}

// Get returns the live session with the given id, or false if absent.
func (r *Registry) Get(id int) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the session with the given id. Removing an absent id
// is a no-op.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id int) {
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	for i, other := range r.order {
		if other == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.WithField("session_id", id).Debug("Session removed")
}

// Close marks the session inactive, removes it from the registry, and
// returns the final snapshot, all atomically. It returns false if the
// id is not live. After Close returns, a lookup by id reports absence
// while the returned snapshot still carries the last known details.
func (r *Registry) Close(id int) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}

	s.mu.Lock()
	s.status = StatusInactive
	if !s.startedAt.IsZero() && s.endedAt.IsZero() {
		s.endedAt = now()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	r.removeLocked(id)
	return snap, true
}

// UpdateStatus mutates the stored session's lifecycle state in place and
// returns the post-update snapshot. Transitioning to active stamps the
// call-start time; transitioning to inactive freezes the duration.
//
// All update methods hold the registry lock for the whole
// lookup-and-mutate so they are totally ordered against Close and
// Remove: an update can never land on a session that has already been
// removed.
func (r *Registry) UpdateStatus(id int, status Status) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = status
	switch status {
	case StatusActive:
		if s.startedAt.IsZero() {
			s.startedAt = now()
		}
	case StatusInactive:
		if !s.startedAt.IsZero() && s.endedAt.IsZero() {
			s.endedAt = now()
		}
	}

	return s.snapshotLocked(), true
}

// UpdatePeer mutates the stored session's caller/callee identities.
func (r *Registry) UpdatePeer(id int, peer PeerInfo) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer = peer
	return s.snapshotLocked(), true
}

// UpdateMedia mutates the stored session's codec lists and media flags.
func (r *Registry) UpdateMedia(id int, media MediaInfo) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.media = media
	return s.snapshotLocked(), true
}

// SetOnHold mutates the stored session's hold flag and status together.
func (r *Registry) SetOnHold(id int, onHold bool) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHold = onHold
	if onHold {
		s.status = StatusOnHold
	} else if s.status == StatusOnHold {
		s.status = StatusActive
	}
	return s.snapshotLocked(), true
}

// Sessions returns the live sessions in insertion order.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		if s, ok := r.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
