// Package content stores the raw bytes of uploaded files so that
// background workers can read them back by key.
package content

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get for an unknown key.
var ErrNotFound = errors.New("content not found")

// Memory keeps content in process memory. Contents are lost on restart,
// so it only suits single-process deployments and tests.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Put stores a copy of content under key, replacing any previous value.
func (m *Memory) Put(_ context.Context, key string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), content...)
	return nil
}

// Get returns a copy of the content stored under key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}
