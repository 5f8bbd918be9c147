package rabbitio

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

// SinkConfig holds configuration for the RabbitMQ sink.
type SinkConfig struct {
	Exchange   string
	RoutingKey string
}

// Sink publishes pipeline messages to a RabbitMQ exchange as persistent
// JSON deliveries.
type Sink struct {
	channel   Channel
	cfg       SinkConfig
	logger    zerolog.Logger
	closeOnce sync.Once
}

// NewSink returns a Sink for the given exchange and routing key. The AMQP
// connection's lifecycle is owned by the caller; the channel is closed
// with the sink.
func NewSink(channel Channel, cfg SinkConfig, logger zerolog.Logger) (*Sink, error) {
	if channel == nil {
		return nil, fmt.Errorf("amqp channel cannot be nil")
	}
	if cfg.RoutingKey == "" {
		return nil, fmt.Errorf("routing key is required")
	}
	return &Sink{
		channel: channel,
		cfg:     cfg,
		logger: logger.With().
			Str("component", "RabbitSink").
			Str("exchange", cfg.Exchange).
			Str("routing_key", cfg.RoutingKey).
			Logger(),
	}, nil
}

// Name identifies the sink by its routing target.
func (s *Sink) Name() string { return "rabbitmq:" + s.cfg.Exchange + "/" + s.cfg.RoutingKey }

// Send publishes one message.
func (s *Sink) Send(ctx context.Context, msg pipeline.Message) error {
	publishing, err := toPublishing(msg)
	if err != nil {
		return err
	}
	if err := s.channel.PublishWithContext(ctx, s.cfg.Exchange, s.cfg.RoutingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message %s to %s/%s: %w", msg.ID, s.cfg.Exchange, s.cfg.RoutingKey, err)
	}
	s.logger.Debug().Str("msg_id", msg.ID).Msg("Message published.")
	return nil
}

// Close closes the AMQP channel. It is idempotent.
func (s *Sink) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.channel.Close()
		s.logger.Info().Msg("RabbitMQ sink stopped.")
	})
	return closeErr
}
