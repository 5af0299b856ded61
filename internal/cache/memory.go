package cache

import (
	"context"
	"sync"
)

type memoryBackend struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemory keeps entries in process memory. Intended for tests and
// ephemeral runs.
func NewMemory() Backend {
	return &memoryBackend{entries: make(map[string][]byte)}
}

func (b *memoryBackend) Name() string { return "memory" }

func (b *memoryBackend) Read(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(data), nil
}

func (b *memoryBackend) Write(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = cloneBytes(data)
	return nil
}

func (b *memoryBackend) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; !ok {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

func (b *memoryBackend) Size(_ context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.entries)), nil
}

func (b *memoryBackend) Close(context.Context) error { return nil }

func cloneBytes(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
