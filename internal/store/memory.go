package store

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps everything in process memory. One mutex guards the
// whole table; Update runs fn under the write lock so it must stay cheap.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(key, value)
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return ErrExists
	}
	s.put(key, value)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out [][]byte
	for _, k := range s.order {
		if strings.HasPrefix(k, prefix) {
			out = append(out, clone(s.data[k]))
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := fn(clone(current))
	if err != nil {
		return nil, err
	}
	s.data[key] = clone(next)
	return clone(next), nil
}

// put must be called with the write lock held.
func (s *MemoryStore) put(key string, value []byte) {
	if _, ok := s.data[key]; !ok {
		s.order = append(s.order, key)
	}
	s.data[key] = clone(value)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
