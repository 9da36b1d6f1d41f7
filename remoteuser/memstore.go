package remoteuser

import (
	"context"
	"sync"
	"time"
)

var _ UserStore = (*MemoryStore)(nil)

// MemoryStore is an in-process UserStore. Users are lost on restart.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]User
	byName map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[int64]User),
		byName: make(map[string]int64),
	}
}

func (s *MemoryStore) GetByID(_ context.Context, id int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (s *MemoryStore) GetByUsername(_ context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := s.byID[id]
	return &u, nil
}

func (s *MemoryStore) GetOrCreate(_ context.Context, username string) (*User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byName[username]; ok {
		u := s.byID[id]
		return &u, false, nil
	}
	s.nextID++
	u := User{
		ID:        s.nextID,
		Username:  username,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	s.byID[u.ID] = u
	s.byName[username] = u.ID
	return &u, true, nil
}

func (s *MemoryStore) Update(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byID[u.ID]
	if !ok {
		return ErrUserNotFound
	}
	if old.Username != u.Username {
		delete(s.byName, old.Username)
		s.byName[u.Username] = u.ID
	}
	s.byID[u.ID] = *u
	return nil
}

func (s *MemoryStore) RecordLogin(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	u.LastLogin = at
	s.byID[id] = u
	return nil
}
