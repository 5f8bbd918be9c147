package cache

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds the configuration for the Firestore fetcher.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// FirestoreFetcher is a terminal Fetcher reading documents from one
// Firestore collection, the source of truth a faster cache layer pulls
// from on a miss.
type FirestoreFetcher[K comparable, V any] struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreFetcher creates a FirestoreFetcher. The client's lifecycle is
// owned by the caller.
func NewFirestoreFetcher[K comparable, V any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreFetcher[K, V], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name is required")
	}
	return &FirestoreFetcher[K, V]{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreFetcher").Str("collection", cfg.CollectionName).Logger(),
	}, nil
}

// Fetch retrieves a single document by key.
func (f *FirestoreFetcher[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := fmt.Sprintf("%v", key)

	snapshot, err := f.client.Collection(f.collectionName).Doc(stringKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			f.logger.Debug().Str("key", stringKey).Msg("Document not found in Firestore.")
			return zero, fmt.Errorf("key '%v': %w", key, ErrNotFound)
		}
		f.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to get document from Firestore.")
		return zero, fmt.Errorf("firestore get for %s: %w", stringKey, err)
	}

	var value V
	if err := snapshot.DataTo(&value); err != nil {
		return zero, fmt.Errorf("failed to decode document %s: %w", stringKey, err)
	}
	return value, nil
}

// Close is a no-op; the Firestore client is managed externally so one
// client can back multiple fetchers.
func (f *FirestoreFetcher[K, V]) Close() error {
	return nil
}
