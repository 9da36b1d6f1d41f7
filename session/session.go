// Package session tracks per-browser state across requests, either encrypted
// in the cookie itself or in a server-side KV store keyed by a random ID held
// in the cookie.
package session

import (
	"time"
)

// Metadata keys, persisted alongside the session data.
const (
	metadataCreatedAt = "__createdAt"
	metadataUpdatedAt = "__updatedAt"
)

// Session is the state for a single request. It is not safe for concurrent
// use, and must not be retained after the request completes.
type Session struct {
	data map[string]any

	// cookieValue is what the client presented, empty for a new session.
	cookieValue string
	// id is the KV-mode identifier to save under.
	id string
	// loaded is the encoded data as loaded, for idle refreshes.
	loaded []byte

	dirty   bool
	flushed bool
	rotated bool
}

func newSession() *Session {
	s := &Session{data: make(map[string]any)}
	s.data[metadataCreatedAt] = time.Now()
	return s
}

// Get returns the value for key, or nil.
func (s *Session) Get(key string) any {
	return s.data[key]
}

// GetString returns the value for key if it is a string.
func (s *Session) GetString(key string) (string, bool) {
	v, ok := s.data[key].(string)
	return v, ok
}

// Set stores a value, marking the session to be saved.
func (s *Session) Set(key string, value any) {
	s.data[key] = value
	s.dirty = true
}

// Remove deletes a single key, marking the session to be saved.
func (s *Session) Remove(key string) {
	if _, ok := s.data[key]; !ok {
		return
	}
	delete(s.data, key)
	s.dirty = true
}

// Flush discards all data and destroys the stored session. Values set after
// a flush are saved under a new identifier.
func (s *Session) Flush() {
	s.data = make(map[string]any)
	s.data[metadataCreatedAt] = time.Now()
	s.loaded = nil
	s.dirty = false
	s.flushed = true
}

// Reset keeps the data but moves it to a new identifier, to avoid session
// fixation. Call it when the authenticated identity changes.
func (s *Session) Reset() {
	s.rotated = true
	s.dirty = true
}

// IsNew reports whether the client presented no valid session.
func (s *Session) IsNew() bool {
	return s.cookieValue == ""
}

// CreatedAt returns when the session was first created.
func (s *Session) CreatedAt() time.Time {
	t, _ := s.data[metadataCreatedAt].(time.Time)
	return t
}

func (s *Session) updatedAt() time.Time {
	t, _ := s.data[metadataUpdatedAt].(time.Time)
	return t
}
