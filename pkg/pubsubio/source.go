package pubsubio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

// SourceConfig holds configuration for the Pub/Sub source.
type SourceConfig struct {
	SubscriptionID         string
	MaxOutstandingMessages int
	NumGoroutines          int
	// SubscriptionExistsTimeout bounds the existence check at construction.
	SubscriptionExistsTimeout time.Duration
}

// Source consumes a Pub/Sub subscription and exposes it as a pipeline
// Source. Messages are acknowledged on hand-off to the pipeline; permanent
// processing failures are handled downstream by the retry and dead-letter
// layers rather than by redelivery.
type Source struct {
	subscription *pubsub.Subscription
	logger       zerolog.Logger
	outputChan   chan pipeline.Message
	cancelFn     context.CancelFunc
	closeOnce    sync.Once
	doneChan     chan struct{}
}

// NewSource validates the subscription exists and returns a Source. The
// Pub/Sub client's lifecycle is owned by the caller.
func NewSource(ctx context.Context, cfg SourceConfig, client *pubsub.Client, logger zerolog.Logger) (*Source, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if cfg.MaxOutstandingMessages <= 0 {
		cfg.MaxOutstandingMessages = 100
	}
	if cfg.NumGoroutines <= 0 {
		cfg.NumGoroutines = 5
	}
	if cfg.SubscriptionExistsTimeout <= 0 {
		cfg.SubscriptionExistsTimeout = 20 * time.Second
	}

	sub := client.Subscription(cfg.SubscriptionID)
	existsCtx, cancel := context.WithTimeout(ctx, cfg.SubscriptionExistsTimeout)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}

	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	return &Source{
		subscription: sub,
		logger:       logger.With().Str("component", "PubsubSource").Str("subscription_id", cfg.SubscriptionID).Logger(),
		outputChan:   make(chan pipeline.Message, cfg.MaxOutstandingMessages),
		doneChan:     make(chan struct{}),
	}, nil
}

// Name identifies the source by its subscription.
func (s *Source) Name() string { return "pubsub:" + s.subscription.ID() }

// Start begins the Receive loop.
func (s *Source) Start(ctx context.Context) error {
	receiveCtx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel

	go func() {
		defer close(s.outputChan)
		defer close(s.doneChan)

		s.logger.Info().Msg("Pub/Sub receive loop started.")
		err := s.subscription.Receive(receiveCtx, func(_ context.Context, raw *pubsub.Message) {
			payload := make([]byte, len(raw.Data))
			copy(payload, raw.Data)
			msg := Decode(raw.ID, payload, raw.Attributes, raw.PublishTime)

			select {
			case s.outputChan <- msg:
				raw.Ack()
			case <-receiveCtx.Done():
				raw.Nack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("Pub/Sub Receive exited with error.")
		}
		s.logger.Info().Msg("Pub/Sub receive loop stopped.")
	}()
	return nil
}

// Messages returns the delivery channel.
func (s *Source) Messages() <-chan pipeline.Message { return s.outputChan }

// Close stops the receive loop and waits for it to drain. It is idempotent.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if s.cancelFn != nil {
			s.cancelFn()
			select {
			case <-s.doneChan:
			case <-time.After(30 * time.Second):
				s.logger.Error().Msg("Timeout waiting for Pub/Sub receive loop to stop.")
			}
		}
	})
	return nil
}
