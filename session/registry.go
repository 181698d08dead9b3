package session

import (
	"errors"
	"sync"

	"github.com/streamsafe/gateway-go/stream"
)

// ErrDuplicateRequest is returned by Registry.Add when a session with the
// same request id is already live.
var ErrDuplicateRequest = errors.New("session: duplicate request id")

// Registry is the process-scoped map of live sessions keyed by request id.
// Insertion happens once at session start and removal once at terminal
// handling; there is no cross-session locking beyond the map itself.
type Registry struct {
	mu      sync.RWMutex
	byReqID map[string]*Session
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byReqID: make(map[string]*Session)}
}

// Add registers a live session. A second session for the same request id is
// rejected.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byReqID[s.RequestID()]; ok {
		return ErrDuplicateRequest
	}
	r.byReqID[s.RequestID()] = s
	return nil
}

// Get returns the live session for requestID, or nil.
func (r *Registry) Get(requestID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byReqID[requestID]
}

// Remove drops the session for requestID. Removing an absent id is a no-op.
func (r *Registry) Remove(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byReqID, requestID)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byReqID)
}

// CountByMode returns live session counts broken down by delivery mode.
func (r *Registry) CountByMode() map[stream.Mode]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[stream.Mode]int)
	for _, s := range r.byReqID {
		out[s.Mode()]++
	}
	return out
}

// Each calls fn for every live session. fn must not call back into the
// registry.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.byReqID))
	for _, s := range r.byReqID {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()
	for _, s := range snapshot {
		fn(s)
	}
}
