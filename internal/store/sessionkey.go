package store

import "sync"

// SessionKeyHolder keeps the user's session key in memory for the lifetime
// of the process, the way a browser tab holds it until navigation destroys
// it. It is never persisted.
type SessionKeyHolder struct {
	mu  sync.RWMutex
	key []byte
}

// NewSessionKeyHolder returns an empty holder.
func NewSessionKeyHolder() *SessionKeyHolder {
	return &SessionKeyHolder{}
}

// GetSessionKey returns the held key, or nil when no session is active.
func (h *SessionKeyHolder) GetSessionKey() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.key == nil {
		return nil
	}
	out := make([]byte, len(h.key))
	copy(out, h.key)
	return out
}

// SetSessionKey replaces the held key.
func (h *SessionKeyHolder) SetSessionKey(key []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if key == nil {
		h.key = nil
		return
	}
	h.key = make([]byte, len(key))
	copy(h.key, key)
}
