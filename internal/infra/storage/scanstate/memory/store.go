// Package memory provides a thread-safe in-memory KVStore implementation
// for testing and development.
package memory

import (
	"context"
	"sync"

	"github.com/flairscan/flairscan/internal/domain/census"
)

var _ census.KVStore = (*Store)(nil)

// Store is an in-memory key/value store scoped to a single community.
type Store struct {
	mu     sync.Mutex
	values map[string][]byte
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{values: make(map[string][]byte)}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}

	// Copy to prevent mutation of the stored value.
	return append([]byte(nil), value...), true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	return nil
}
