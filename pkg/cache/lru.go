package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// LRUFetcher is a fixed-size in-memory caching layer with least-recently-
// used eviction. It is meant as the first layer in front of a Redis or
// Firestore fallback when the hot key set is small.
type LRUFetcher[K comparable, V any] struct {
	maxSize  int
	fallback Fetcher[K, V]

	mu    sync.Mutex
	order *list.List
	items map[K]*list.Element
}

// NewLRUFetcher creates an LRUFetcher holding at most maxSize entries.
// fallback may be nil, which makes the cache read-only over Put.
func NewLRUFetcher[K comparable, V any](maxSize int, fallback Fetcher[K, V]) (*LRUFetcher[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0, got %d", maxSize)
	}
	return &LRUFetcher[K, V]{
		maxSize:  maxSize,
		fallback: fallback,
		order:    list.New(),
		items:    make(map[K]*list.Element),
	}, nil
}

// Put stores a value, evicting the least recently used entry when full.
func (f *LRUFetcher[K, V]) Put(key K, value V) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(key, value)
}

func (f *LRUFetcher[K, V]) putLocked(key K, value V) {
	if element, ok := f.items[key]; ok {
		f.order.MoveToFront(element)
		element.Value.(*lruEntry[K, V]).value = value
		return
	}
	f.items[key] = f.order.PushFront(&lruEntry[K, V]{key: key, value: value})
	if f.order.Len() > f.maxSize {
		oldest := f.order.Back()
		f.order.Remove(oldest)
		delete(f.items, oldest.Value.(*lruEntry[K, V]).key)
	}
}

// Fetch returns the cached value, marking it most recently used. On a miss
// it consults the fallback and caches the answer.
func (f *LRUFetcher[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	f.mu.Lock()
	if element, ok := f.items[key]; ok {
		f.order.MoveToFront(element)
		value := element.Value.(*lruEntry[K, V]).value
		f.mu.Unlock()
		return value, nil
	}
	f.mu.Unlock()

	var zero V
	if f.fallback == nil {
		return zero, fmt.Errorf("key '%v': %w", key, ErrNotFound)
	}
	value, err := f.fallback.Fetch(ctx, key)
	if err != nil {
		return zero, err
	}

	f.mu.Lock()
	f.putLocked(key, value)
	f.mu.Unlock()
	return value, nil
}

// Len returns the number of cached entries.
func (f *LRUFetcher[K, V]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.order.Len()
}

// Close closes the fallback, if any.
func (f *LRUFetcher[K, V]) Close() error {
	if f.fallback != nil {
		return f.fallback.Close()
	}
	return nil
}
