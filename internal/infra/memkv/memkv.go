// Package memkv is an in-memory domain.KVStore with fault injection, used as
// the store double in engine tests.
package memkv

import (
	"sync"

	"github.com/tutu-network/nudge/internal/domain"
)

var _ domain.KVStore = (*Store)(nil)

// Store keeps blobs in a map. Values are copied on the way in and out.
type Store struct {
	mu     sync.RWMutex
	data   map[string][]byte
	writes int

	// FailWrites makes Set and Delete return this error when non-nil.
	FailWrites error
	// FailReads makes Get return this error when non-nil.
	FailReads error
}

// New returns an empty store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Get returns a copy of the value for key.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailReads != nil {
		return nil, false, s.FailReads
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set stores a copy of value.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.data[key] = append([]byte(nil), value...)
	s.writes++
	return nil
}

// Delete removes key.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	delete(s.data, key)
	return nil
}

// Writes returns how many successful Set calls happened.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
