// internal/store/local.go
package store

import (
	"bytes"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned by Retrieve for unknown keys.
var ErrNotFound = errors.New("value not found")

// Store is an ordered key-value store. Range visits keys in ascending byte order.
type Store interface {
	Store(key, value []byte) error
	Retrieve(key []byte) ([]byte, error)
	Delete(key []byte) error
	Range(fn func(key, value []byte) bool) error
	Count() int
	Close() error
}

type Local struct {
	data map[string][]byte
	mu   sync.RWMutex
}

func NewLocal() *Local {
	return &Local{
		data: make(map[string][]byte),
	}
}

func (s *Local) Store(key []byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (s *Local) Retrieve(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if value, ok := s.data[string(key)]; ok {
		return value, nil
	}
	return nil, ErrNotFound
}

func (s *Local) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	return nil
}

func (s *Local) Range(fn func(key, value []byte) bool) error {
	s.mu.RLock()
	keys := make([][]byte, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, []byte(k))
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	for _, k := range keys {
		s.mu.RLock()
		v, ok := s.data[string(k)]
		s.mu.RUnlock()
		if ok && !fn(k, v) {
			return nil
		}
	}
	return nil
}

func (s *Local) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Local) Close() error {
	return nil
}
