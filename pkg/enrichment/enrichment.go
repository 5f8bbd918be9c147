// Package enrichment provides a pipeline Step that augments messages with
// reference data looked up through a cache.Fetcher chain.
package enrichment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coldbrook-labs/go-flowline/pkg/cache"
	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

// KeyExtractor derives the lookup key from a message. Returning false skips
// enrichment for that message; it continues down the pipeline unchanged.
type KeyExtractor[K comparable] func(msg pipeline.Message) (K, bool)

// Applier merges the fetched value into a copy of the message and returns
// the enriched copy. It must not mutate msg.
type Applier[V any] func(msg pipeline.Message, value V) pipeline.Message

// Step enriches messages one at a time. A message whose key cannot be
// resolved is passed through untouched; a message whose lookup fails is
// dropped with a log entry rather than failed, so one bad key cannot poison
// retry loops downstream.
type Step[K comparable, V any] struct {
	name      string
	fetcher   cache.Fetcher[K, V]
	extractor KeyExtractor[K]
	applier   Applier[V]
	logger    zerolog.Logger
}

// NewStep creates an enrichment Step.
func NewStep[K comparable, V any](
	name string,
	fetcher cache.Fetcher[K, V],
	extractor KeyExtractor[K],
	applier Applier[V],
	logger zerolog.Logger,
) (*Step[K, V], error) {
	if fetcher == nil || extractor == nil || applier == nil {
		return nil, fmt.Errorf("fetcher, extractor, and applier cannot be nil")
	}
	if name == "" {
		name = "enrichment"
	}
	return &Step[K, V]{
		name:      name,
		fetcher:   fetcher,
		extractor: extractor,
		applier:   applier,
		logger:    logger.With().Str("component", "EnrichmentStep").Str("step", name).Logger(),
	}, nil
}

// Name returns the step's name.
func (s *Step[K, V]) Name() string { return s.name }

// Apply performs the lookup-and-merge for one message.
func (s *Step[K, V]) Apply(ctx context.Context, msg pipeline.Message) ([]pipeline.Message, error) {
	key, ok := s.extractor(msg)
	if !ok {
		s.logger.Debug().Str("msg_id", msg.ID).Msg("No enrichment key in message, passing through.")
		return []pipeline.Message{msg}, nil
	}

	value, err := s.fetcher.Fetch(ctx, key)
	if err != nil {
		s.logger.Error().Err(err).Str("msg_id", msg.ID).Msgf("Failed to fetch enrichment data for key '%v', dropping message.", key)
		return nil, nil
	}

	enriched := s.applier(msg, value)
	s.logger.Debug().Str("msg_id", msg.ID).Msg("Message enriched.")
	return []pipeline.Message{enriched}, nil
}
