package barrier

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotFound = errors.New("barrier: key not found")
	ErrExists   = errors.New("barrier: key already exists")
	// ErrConflict is returned by Update when the stored revision moved on.
	ErrConflict = errors.New("barrier: revision conflict")
)

// Entry is a stored value with the revision it was written at.
type Entry struct {
	Value    []byte
	Revision uint64
}

// Store is a shared key-value store with a compare-and-set primitive.
type Store interface {
	Load(ctx context.Context, key string) (Entry, error)
	// Create writes key only if it does not exist, else ErrExists.
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	// Update writes key only if its revision is still rev, else ErrConflict.
	Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error)
	Delete(ctx context.Context, key string) error
}

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	rev     uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Load(ctx context.Context, key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return Entry{Value: append([]byte(nil), e.Value...), Revision: e.Revision}, nil
}

func (s *MemoryStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return 0, ErrExists
	}
	return s.put(key, value), nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.Revision != rev {
		return 0, ErrConflict
	}
	return s.put(key, value), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) put(key string, value []byte) uint64 {
	s.rev++
	s.entries[key] = Entry{Value: append([]byte(nil), value...), Revision: s.rev}
	return s.rev
}
