// Package session holds the set of known conversation threads and which
// one is active. The registry is the single source of truth for that
// state; all mutation goes through its narrow API.
package session

import (
	"errors"

	"github.com/guyuedumingx/chatSpace/internal/message"
	"github.com/guyuedumingx/chatSpace/internal/transport"
)

// ErrUnknownSession is returned when an operation names an id absent from
// the registry. Callers must add a session before activating it.
var ErrUnknownSession = errors.New("session not in registry")

// Session is one conversation thread together with its message list.
type Session struct {
	ID             string
	Label          string
	Group          string
	OrganizationID string
	Thread         message.Thread
}

// FromTransport builds a registry session from the backend's description.
func FromTransport(ts transport.Session) *Session {
	return &Session{
		ID:             ts.ID,
		Label:          ts.Label,
		Group:          ts.Group,
		OrganizationID: ts.OrganizationID,
	}
}

// Registry is the ordered, most-recent-first session list plus the active
// id. An empty registry has no active id; the active id is never stale.
type Registry struct {
	sessions []*Session
	activeID string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Sessions returns the session list in display order (most recent first).
func (r *Registry) Sessions() []*Session {
	out := make([]*Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// Len reports the number of known sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// ActiveID returns the active session id, or "" when the registry is empty.
func (r *Registry) ActiveID() string {
	return r.activeID
}

// Active returns the active session, or nil when none is active.
func (r *Registry) Active() *Session {
	return r.get(r.activeID)
}

// Get returns the session with the given id, or nil.
func (r *Registry) Get(id string) *Session {
	return r.get(id)
}

// Add inserts the session at the front. The active session is unchanged
// unless the registry was empty, in which case the new session becomes
// active. Add reports whether it changed the active id.
func (r *Registry) Add(s *Session) bool {
	r.sessions = append([]*Session{s}, r.sessions...)
	if r.activeID == "" {
		r.activeID = s.ID
		return true
	}
	return false
}

// Remove deletes the session with the given id. If the removed session was
// active, the first remaining session becomes active, or none if the list
// is now empty. Remove returns the new active id and whether it changed;
// the caller must drive the same history-load-and-cancel path as an
// explicit switch when it did.
func (r *Registry) Remove(id string) (newActive string, changed bool) {
	idx := -1
	for i, s := range r.sessions {
		if s.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return r.activeID, false
	}
	r.sessions = append(r.sessions[:idx], r.sessions[idx+1:]...)
	if r.activeID != id {
		return r.activeID, false
	}
	r.activeID = ""
	if len(r.sessions) > 0 {
		r.activeID = r.sessions[0].ID
	}
	return r.activeID, true
}

// SetActive makes id the active session. Already-active ids are a no-op;
// unknown ids are rejected. It reports whether the active id changed, in
// which case the caller owns the history fetch.
func (r *Registry) SetActive(id string) (changed bool, err error) {
	if id == r.activeID {
		return false, nil
	}
	if r.get(id) == nil {
		return false, ErrUnknownSession
	}
	r.activeID = id
	return true, nil
}

func (r *Registry) get(id string) *Session {
	if id == "" {
		return nil
	}
	for _, s := range r.sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}
