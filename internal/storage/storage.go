// Package storage is the dashboard's durable key-value store. Values are JSON
// blobs under fixed string keys; each key is read and written independently.
package storage

import (
	"context"
	"sync"
)

// Keys persisted by the dashboard.
const (
	KeyUnit         = "weatherdash-unit"
	KeyTheme        = "weatherdash-theme"
	KeyRecentCities = "weatherdash-recent-cities"
	KeyLastCity     = "weatherdash-last-city"
)

// KV is a string-keyed blob store. A missing key reports ok=false with a nil error.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
}

// MemoryKV is a process-local KV.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV returns an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// Get implements KV.
func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set implements KV.
func (m *MemoryKV) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}
