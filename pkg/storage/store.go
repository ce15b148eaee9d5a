// Package storage provides schema cache backends for the resolver.
//
// Two backends implement schema.Cache:
//
//   - MemoryStore keeps schemas for the process lifetime.
//   - RedisStore keeps JSON-encoded schemas in Redis so restarted or
//     concurrent downsampler instances skip rediscovery.
package storage

import (
	"context"
	"sync"

	"github.com/HatiCode/downsampler/pkg/schema"
)

// Store is a schema cache that can be closed.
type Store interface {
	schema.Cache
	Close() error
}

// MemoryStore is an in-process schema cache safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	schemas map[string]schema.Schema
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schemas: make(map[string]schema.Schema)}
}

// Get returns the cached schema for measurement.
func (m *MemoryStore) Get(_ context.Context, measurement string) (schema.Schema, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schemas[measurement]
	return s, ok, nil
}

// Put replaces the cached schema for measurement.
func (m *MemoryStore) Put(_ context.Context, measurement string, s schema.Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas[measurement] = s
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
