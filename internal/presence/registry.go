// Package presence tracks connected sessions per user. A user counts
// as present until their last session disconnects. The registry is an
// explicit injected service, never ambient global state.
package presence

import (
	"context"
	"sync"
	"time"
)

// Registry is the presence query surface.
type Registry interface {
	AddSession(ctx context.Context, userID, sessionID string)
	RemoveSession(ctx context.Context, userID, sessionID string)
	Sessions(userID string) []string
	IsOnline(userID string) bool
	Snapshot() map[string][]string
}

// LastSeenRecorder persists the last-seen timestamp when a user's final
// session disconnects. Implementations are best-effort.
type LastSeenRecorder interface {
	Touch(ctx context.Context, userID string, at time.Time)
}

// memoryRegistry is the in-process implementation used by the hub.
type memoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]struct{}
	lastSeen LastSeenRecorder
}

// NewRegistry builds an in-memory registry. lastSeen may be nil.
func NewRegistry(lastSeen LastSeenRecorder) Registry {
	return &memoryRegistry{
		sessions: make(map[string]map[string]struct{}),
		lastSeen: lastSeen,
	}
}

func (r *memoryRegistry) AddSession(ctx context.Context, userID, sessionID string) {
	if userID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[userID]
	if !ok {
		set = make(map[string]struct{})
		r.sessions[userID] = set
	}
	set[sessionID] = struct{}{}
}

func (r *memoryRegistry) RemoveSession(ctx context.Context, userID, sessionID string) {
	r.mu.Lock()
	set, ok := r.sessions[userID]
	if ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.sessions, userID)
		}
	}
	lastSession := ok && len(set) == 0
	r.mu.Unlock()

	if lastSession && r.lastSeen != nil {
		r.lastSeen.Touch(ctx, userID, time.Now().UTC())
	}
}

func (r *memoryRegistry) Sessions(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (r *memoryRegistry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID]) > 0
}

func (r *memoryRegistry) Snapshot() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.sessions))
	for userID, set := range r.sessions {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		out[userID] = ids
	}
	return out
}
