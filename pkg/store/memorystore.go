// Package store implements a simple keyed store for run results.
package store

import (
	"errors"
	"sync"
)

var (
	ErrKeyExists      = errors.New("store: key already exists")
	ErrKeyDoesntExist = errors.New("store: key does not exist")
)

// MemStore keeps values in insertion order.
type MemStore[V any] struct {
	lock  sync.Mutex
	keys  []string
	store map[string]V
}

func NewMemStore[V any]() *MemStore[V] {
	return &MemStore[V]{
		store: make(map[string]V),
	}
}

// Set is used to set a value to a key.
func (m *MemStore[V]) Set(key string, value V) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.store[key]; ok {
		return ErrKeyExists
	}
	m.store[key] = value
	m.keys = append(m.keys, key)
	return nil
}

// Get is used to get a value from a key.
func (m *MemStore[V]) Get(key string) (V, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	v, ok := m.store[key]
	if !ok {
		return v, ErrKeyDoesntExist
	}
	return v, nil
}

// Update can be used to change the value for a given key.
func (m *MemStore[V]) Update(key string, value V) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.store[key]; !ok {
		return ErrKeyDoesntExist
	}
	m.store[key] = value
	return nil
}

// Keys returns the stored keys in the order they were first set.
func (m *MemStore[V]) Keys() []string {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]string(nil), m.keys...)
}
