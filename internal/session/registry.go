package session

import (
	"sync"
)

// Registry tracks open device sessions keyed by deviceid, plus a "most
// recent" pointer kept as a compatibility shim for callers that do not
// address a specific device (the vendor protocol carries no correlation
// ids, so upstream replies also land on the most recent session when they
// name no device).
type Registry struct {
	mu       sync.Mutex
	byDevice map[string]*Session
	recent   *Session
}

func NewRegistry() *Registry {
	return &Registry{byDevice: map[string]*Session{}}
}

// Add marks a freshly opened session as the most recent one. Called before
// the session has learned its deviceid.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent = s
}

// Bind associates a session with a deviceid once the identity is learned.
// Returns the superseded session for that device, if a different one was
// bound before; the caller decides what to do with it.
func (r *Registry) Bind(deviceID string, s *Session) *Session {
	if deviceID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.byDevice[deviceID]
	r.byDevice[deviceID] = s
	r.recent = s
	if prev == s {
		return nil
	}
	return prev
}

// Remove drops a closing session. Only entries still owned by the session
// are released, so a superseded session closing late cannot evict its
// replacement.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, bound := range r.byDevice {
		if bound == s {
			delete(r.byDevice, id)
		}
	}
	if r.recent == s {
		r.recent = nil
	}
}

// Lookup resolves a deviceid to its session. An empty deviceid falls back
// to the most recent session; unknown deviceids fall back the same way so
// upstream replies for a device that reconnected under a fresh frame still
// reach something. Returns nil when nothing is connected.
func (r *Registry) Lookup(deviceID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if deviceID != "" {
		if s, ok := r.byDevice[deviceID]; ok {
			return s
		}
	}
	return r.recent
}

// Get resolves a deviceid to its bound session with no fallback. Used by
// the control facade, which addresses one specific device.
func (r *Registry) Get(deviceID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byDevice[deviceID]
}

// Connected reports whether a session is currently bound for the deviceid.
func (r *Registry) Connected(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byDevice[deviceID]
	return ok
}

// Devices lists deviceids with a bound session.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byDevice))
	for id := range r.byDevice {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byDevice)
}
