package store

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// MemoryStore implements IndexStore using in-memory maps.
// This is useful for testing but not recommended for production.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*Record         // sid -> Record
	byIdentity map[string]map[string]bool // provider|usernameHash -> set of sids
	opts       options
}

// NewMemoryStore creates a new in-memory index store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]*Record),
		byIdentity: make(map[string]map[string]bool),
		opts:       applyOptions(opts),
	}
}

func identityKey(rec *Record) string {
	return rec.Provider.String() + "|" + rec.UsernameHash
}

// Get returns the record for sid.
func (s *MemoryStore) Get(_ context.Context, sid string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sessions[sid].Clone(), nil
}

// Create persists a new record.
func (s *MemoryStore) Create(_ context.Context, rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[rec.SID]; exists {
		return nil, errors.New("memory: session already exists")
	}

	stored := rec.Clone()
	stored.Version = 1
	s.put(stored)

	return stored.Clone(), nil
}

// Update replaces the record if its version matches.
func (s *MemoryStore) Update(_ context.Context, rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.sessions[rec.SID]
	if !exists {
		return nil, nil
	}
	if current.Version != rec.Version {
		return current.Clone(), nil
	}

	stored := rec.Clone()
	stored.CreatedAt = current.CreatedAt
	stored.Version = current.Version + 1
	s.remove(current.SID)
	s.put(stored)

	return stored.Clone(), nil
}

// Invalidate removes every record matching filter.
func (s *MemoryStore) Invalidate(_ context.Context, filter Filter) (int, error) {
	if err := filter.validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for sid, rec := range s.sessions {
		if filter.matches(rec) {
			s.remove(sid)
			count++
		}
	}
	return count, nil
}

// IsWithinConcurrentSessionLimit reports whether rec is among the newest
// sessions of its identity.
func (s *MemoryStore) IsWithinConcurrentSessionLimit(_ context.Context, rec *Record) (bool, error) {
	limit := s.opts.maxConcurrentSessions
	if limit == 0 || rec.UsernameHash == "" {
		return true, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var peers []*Record
	for sid := range s.byIdentity[identityKey(rec)] {
		if peer := s.sessions[sid]; peer != nil {
			peers = append(peers, peer)
		}
	}
	if len(peers) <= limit {
		return true, nil
	}

	// Newest first
	slices.SortFunc(peers, func(a, b *Record) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	for _, peer := range peers[:limit] {
		if peer.SID == rec.SID {
			return true, nil
		}
	}
	return false, nil
}

// CleanUp removes records that can no longer be used.
func (s *MemoryStore) CleanUp(_ context.Context, now time.Time, idleGrace time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for sid, rec := range s.sessions {
		if isDead(rec, now, idleGrace) {
			s.remove(sid)
			count++
		}
	}
	return count, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// put stores rec in both maps. The caller must hold the write lock.
func (s *MemoryStore) put(rec *Record) {
	s.sessions[rec.SID] = rec
	if rec.UsernameHash == "" {
		return
	}

	key := identityKey(rec)
	if s.byIdentity[key] == nil {
		s.byIdentity[key] = make(map[string]bool)
	}
	s.byIdentity[key][rec.SID] = true
}

// remove deletes sid from both maps. The caller must hold the write lock.
func (s *MemoryStore) remove(sid string) {
	rec, exists := s.sessions[sid]
	if !exists {
		return
	}

	key := identityKey(rec)
	if sids, ok := s.byIdentity[key]; ok {
		delete(sids, sid)
		if len(sids) == 0 {
			delete(s.byIdentity, key)
		}
	}
	delete(s.sessions, sid)
}
