package cache

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryFetcher is a thread-safe, map-backed Fetcher. It serves as a
// terminal source in tests and small deployments, or as the warm layer in
// front of a slower fallback.
type InMemoryFetcher[K comparable, V any] struct {
	fallback Fetcher[K, V]

	mu   sync.RWMutex
	data map[K]V
}

// NewInMemoryFetcher creates an InMemoryFetcher. fallback may be nil.
func NewInMemoryFetcher[K comparable, V any](fallback Fetcher[K, V]) *InMemoryFetcher[K, V] {
	return &InMemoryFetcher[K, V]{
		fallback: fallback,
		data:     make(map[K]V),
	}
}

// Put stores a value, overwriting any previous entry.
func (f *InMemoryFetcher[K, V]) Put(key K, value V) {
	f.mu.Lock()
	f.data[key] = value
	f.mu.Unlock()
}

// Fetch returns the stored value, consulting the fallback on a miss and
// memoizing its answer.
func (f *InMemoryFetcher[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	f.mu.RLock()
	value, ok := f.data[key]
	f.mu.RUnlock()
	if ok {
		return value, nil
	}

	var zero V
	if f.fallback == nil {
		return zero, fmt.Errorf("key '%v': %w", key, ErrNotFound)
	}
	value, err := f.fallback.Fetch(ctx, key)
	if err != nil {
		return zero, err
	}
	f.Put(key, value)
	return value, nil
}

// Close closes the fallback, if any.
func (f *InMemoryFetcher[K, V]) Close() error {
	if f.fallback != nil {
		return f.fallback.Close()
	}
	return nil
}
