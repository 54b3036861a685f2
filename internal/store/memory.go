package store

import (
	"context"
	"strings"
	"sync"
)

// MemoryBackend is a volatile in-process backend. Used as the always-present
// tier and as a deterministic target in tests.
type MemoryBackend struct {
	name  string
	limit int64

	mu   sync.RWMutex
	data map[string][]byte
	used int64
}

// NewMemoryBackend creates a memory backend. limit <= 0 means unlimited.
func NewMemoryBackend(limit int64) *MemoryBackend {
	return &MemoryBackend{
		name:  "memory",
		limit: limit,
		data:  make(map[string][]byte),
	}
}

func (b *MemoryBackend) Name() string { return b.name }

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delta := int64(len(value)) - int64(len(b.data[key]))
	if b.limit > 0 && b.used+delta > b.limit {
		return &QuotaError{Backend: b.name, Needed: int64(len(value)), Limit: b.limit}
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	b.data[key] = stored
	b.used += delta
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.data[key]; ok {
		b.used -= int64(len(v))
		delete(b.data, key)
	}
	return nil
}

func (b *MemoryBackend) List(ctx context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var keys []string
	for k := range b.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (b *MemoryBackend) Quota(ctx context.Context) (QuotaInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info := QuotaInfo{Used: b.used, Limit: b.limit}
	if b.limit > 0 {
		info.PercentUsed = float64(b.used) / float64(b.limit) * 100
	}
	return info, nil
}
