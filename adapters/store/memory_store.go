package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/didconnect/core"
	"github.com/layer-3/didconnect/ports"
)

// MemoryStore keeps invalidated token IDs in memory until they expire.
type MemoryStore struct {
	invalidatedTokens map[string]time.Time
	mu                sync.RWMutex
	now               func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invalidatedTokens: make(map[string]time.Time),
		now:               time.Now,
	}
}

var _ ports.Store = (*MemoryStore)(nil)

// InvalidateToken marks a token as invalidated for expiry.
// Expired entries are swept on each write.
func (s *MemoryStore) InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, until := range s.invalidatedTokens {
		if !until.After(now) {
			delete(s.invalidatedTokens, id)
		}
	}

	until := now.Add(expiry)
	if prev, ok := s.invalidatedTokens[tokenID]; !ok || until.After(prev) {
		s.invalidatedTokens[tokenID] = until
	}
	return nil
}

// IsTokenInvalidated checks if a token is invalidated
func (s *MemoryStore) IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	until, exists := s.invalidatedTokens[tokenID]
	if !exists {
		return false, nil
	}
	return s.now().Before(until), nil
}

// MemoryNoteStore holds the DID note for the lifetime of the process.
type MemoryNoteStore struct {
	mu  sync.Mutex
	did core.DID
}

func NewMemoryNoteStore() *MemoryNoteStore {
	return &MemoryNoteStore{}
}

var _ ports.NoteStore = (*MemoryNoteStore)(nil)

func (s *MemoryNoteStore) Get(ctx context.Context) (core.DID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.did == "" {
		return "", core.ErrNoteNotFound
	}
	return s.did, nil
}

func (s *MemoryNoteStore) Set(ctx context.Context, did core.DID) error {
	s.mu.Lock()
	s.did = did
	s.mu.Unlock()
	return nil
}

func (s *MemoryNoteStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	s.did = ""
	s.mu.Unlock()
	return nil
}

// MemoryProfileStore is the in-memory profile store used when redis is not configured.
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[core.Address]core.Profile
}

func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{profiles: make(map[core.Address]core.Profile)}
}

var _ ports.ProfileStore = (*MemoryProfileStore)(nil)

func (s *MemoryProfileStore) Merge(ctx context.Context, addr core.Address, profile core.Profile) (core.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := s.profiles[addr].Merge(profile)
	s.profiles[addr] = merged
	return merged, nil
}

func (s *MemoryProfileStore) Get(ctx context.Context, addr core.Address) (core.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles[addr], nil
}
