package vectorindex

import (
	"context"
	"sync"
)

// MemoryBackend keeps stores in process memory, keyed by directory. Contents
// survive reopening within the process but not a restart.
type MemoryBackend struct {
	mu     sync.Mutex
	stores map[string]*memoryStore
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{stores: map[string]*memoryStore{}}
}

func (b *MemoryBackend) Open(_ context.Context, dir string) (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	store, ok := b.stores[dir]
	if !ok {
		store = &memoryStore{}
		b.stores[dir] = store
	}
	return store, nil
}

func (b *MemoryBackend) Purge(_ context.Context, dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stores, dir)
	return nil
}

func (b *MemoryBackend) Populated(dir string) bool {
	b.mu.Lock()
	store, ok := b.stores[dir]
	b.mu.Unlock()
	if !ok {
		return false
	}
	n, _ := store.Count(context.Background())
	return n > 0
}

type memoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func (s *memoryStore) Insert(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func (s *memoryStore) Search(_ context.Context, embedding []float32, k int) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rankBySimilarity(s.records, embedding, k), nil
}

func (s *memoryStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *memoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
