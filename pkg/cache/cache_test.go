package cache_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbrook-labs/go-flowline/pkg/cache"
)

// countingFetcher counts how often the fallback path is exercised.
type countingFetcher struct {
	values   map[string]string
	fetches  atomic.Int32
	closed   atomic.Int32
	fetchErr error
}

func (c *countingFetcher) Fetch(_ context.Context, key string) (string, error) {
	c.fetches.Add(1)
	if c.fetchErr != nil {
		return "", c.fetchErr
	}
	value, ok := c.values[key]
	if !ok {
		return "", cache.ErrNotFound
	}
	return value, nil
}

func (c *countingFetcher) Close() error {
	c.closed.Add(1)
	return nil
}

func TestInMemoryFetcher_PutAndFetch(t *testing.T) {
	fetcher := cache.NewInMemoryFetcher[string, string](nil)
	fetcher.Put("device-1", "greenhouse")

	value, err := fetcher.Fetch(context.Background(), "device-1")
	require.NoError(t, err)
	assert.Equal(t, "greenhouse", value)

	_, err = fetcher.Fetch(context.Background(), "device-2")
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestInMemoryFetcher_FallbackMemoized(t *testing.T) {
	source := &countingFetcher{values: map[string]string{"device-1": "greenhouse"}}
	fetcher := cache.NewInMemoryFetcher[string, string](source)

	for i := 0; i < 3; i++ {
		value, err := fetcher.Fetch(context.Background(), "device-1")
		require.NoError(t, err)
		assert.Equal(t, "greenhouse", value)
	}
	assert.Equal(t, int32(1), source.fetches.Load(), "the fallback answer is memoized")

	require.NoError(t, fetcher.Close())
	assert.Equal(t, int32(1), source.closed.Load())
}

func TestInMemoryFetcher_FallbackErrorPropagates(t *testing.T) {
	cause := errors.New("source down")
	source := &countingFetcher{fetchErr: cause}
	fetcher := cache.NewInMemoryFetcher[string, string](source)

	_, err := fetcher.Fetch(context.Background(), "device-1")
	require.ErrorIs(t, err, cause)
}

func TestLRUFetcher_EvictsOldest(t *testing.T) {
	fetcher, err := cache.NewLRUFetcher[string, int](2, nil)
	require.NoError(t, err)

	fetcher.Put("a", 1)
	fetcher.Put("b", 2)
	fetcher.Put("c", 3) // Evicts "a".

	assert.Equal(t, 2, fetcher.Len())
	_, err = fetcher.Fetch(context.Background(), "a")
	require.ErrorIs(t, err, cache.ErrNotFound)

	value, err := fetcher.Fetch(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, 3, value)
}

func TestLRUFetcher_FetchRefreshesRecency(t *testing.T) {
	fetcher, err := cache.NewLRUFetcher[string, int](2, nil)
	require.NoError(t, err)

	fetcher.Put("a", 1)
	fetcher.Put("b", 2)

	// Touch "a" so "b" becomes the eviction candidate.
	_, err = fetcher.Fetch(context.Background(), "a")
	require.NoError(t, err)
	fetcher.Put("c", 3)

	_, err = fetcher.Fetch(context.Background(), "b")
	require.ErrorIs(t, err, cache.ErrNotFound)
	value, err := fetcher.Fetch(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, value)
}

func TestLRUFetcher_FallbackPopulates(t *testing.T) {
	source := &countingFetcher{values: map[string]string{"k": "v"}}
	fetcher, err := cache.NewLRUFetcher[string, string](4, source)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		value, fetchErr := fetcher.Fetch(context.Background(), "k")
		require.NoError(t, fetchErr)
		assert.Equal(t, "v", value)
	}
	assert.Equal(t, int32(1), source.fetches.Load())
}

func TestLRUFetcher_RejectsNonPositiveSize(t *testing.T) {
	_, err := cache.NewLRUFetcher[string, string](0, nil)
	require.Error(t, err)
}
