package pubsubio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

// SinkConfig holds configuration for the Pub/Sub sink.
type SinkConfig struct {
	TopicID string
	// BatchSize and BatchDelay tune the client's own publish coalescing.
	// This is transport-level batching below the engine's time-windowed
	// batcher, not a replacement for it.
	BatchSize  int
	BatchDelay time.Duration
	// TopicExistsTimeout bounds the existence check at construction.
	TopicExistsTimeout time.Duration
	// PublishConfirmationTimeout bounds how long Send waits for the
	// broker to confirm one message.
	PublishConfirmationTimeout time.Duration
}

// Sink publishes pipeline messages to one Pub/Sub topic, waiting for the
// broker's confirmation before reporting success.
type Sink struct {
	topic          *pubsub.Topic
	logger         zerolog.Logger
	confirmTimeout time.Duration
	closeOnce      sync.Once
}

// NewSink validates the topic exists and returns a Sink. The Pub/Sub
// client's lifecycle is owned by the caller.
func NewSink(ctx context.Context, cfg SinkConfig, client *pubsub.Client, logger zerolog.Logger) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = 100 * time.Millisecond
	}
	if cfg.TopicExistsTimeout <= 0 {
		cfg.TopicExistsTimeout = 15 * time.Second
	}
	if cfg.PublishConfirmationTimeout <= 0 {
		cfg.PublishConfirmationTimeout = 20 * time.Second
	}

	topic := client.Topic(cfg.TopicID)
	topic.PublishSettings.CountThreshold = cfg.BatchSize
	topic.PublishSettings.DelayThreshold = cfg.BatchDelay

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	return &Sink{
		topic:          topic,
		logger:         logger.With().Str("component", "PubsubSink").Str("topic_id", cfg.TopicID).Logger(),
		confirmTimeout: cfg.PublishConfirmationTimeout,
	}, nil
}

// Name identifies the sink by its topic.
func (s *Sink) Name() string { return "pubsub:" + s.topic.ID() }

// Send publishes one message and waits for confirmation.
func (s *Sink) Send(ctx context.Context, msg pipeline.Message) error {
	data, attributes, err := Encode(msg)
	if err != nil {
		return err
	}

	result := s.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes})

	confirmCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()
	serverID, err := result.Get(confirmCtx)
	if err != nil {
		return fmt.Errorf("failed to publish message %s: %w", msg.ID, err)
	}
	s.logger.Debug().Str("msg_id", msg.ID).Str("server_id", serverID).Msg("Message published.")
	return nil
}

// Close flushes pending publishes. It is idempotent.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.topic.Stop()
		s.logger.Info().Msg("Pub/Sub sink stopped.")
	})
	return nil
}
