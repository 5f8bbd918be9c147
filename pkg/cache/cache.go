// Package cache provides the lookup layer enrichment steps pull reference
// data from: a generic Fetcher contract with in-memory, LRU, Redis, and
// Firestore implementations that can be chained as fallbacks.
package cache

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key exists in none of the configured
// layers.
var ErrNotFound = errors.New("cache: key not found")

// Fetcher retrieves a value by key. Implementations may be a terminal
// source of truth or a caching layer delegating to a fallback Fetcher on a
// miss.
type Fetcher[K comparable, V any] interface {
	Fetch(ctx context.Context, key K) (V, error)
	Close() error
}
