package rabbitio

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

// SourceConfig holds configuration for the RabbitMQ source.
type SourceConfig struct {
	Queue string
	// Prefetch bounds how many unacknowledged deliveries the broker keeps
	// in flight. Defaults to 10.
	Prefetch int
}

// Source consumes one RabbitMQ queue and exposes it as a pipeline Source.
// Deliveries are acknowledged on hand-off to the pipeline; permanent
// processing failures are handled downstream by the retry and dead-letter
// layers rather than by redelivery.
type Source struct {
	channel   Channel
	cfg       SourceConfig
	logger    zerolog.Logger
	output    chan pipeline.Message
	cancelFn  context.CancelFunc
	closeOnce sync.Once
	doneChan  chan struct{}
}

// NewSource returns a Source for the given queue. The AMQP connection's
// lifecycle is owned by the caller; the channel is closed with the source.
func NewSource(channel Channel, cfg SourceConfig, logger zerolog.Logger) (*Source, error) {
	if channel == nil {
		return nil, fmt.Errorf("amqp channel cannot be nil")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	return &Source{
		channel:  channel,
		cfg:      cfg,
		logger:   logger.With().Str("component", "RabbitSource").Str("queue", cfg.Queue).Logger(),
		output:   make(chan pipeline.Message, cfg.Prefetch),
		doneChan: make(chan struct{}),
	}, nil
}

// Name identifies the source by its queue.
func (s *Source) Name() string { return "rabbitmq:" + s.cfg.Queue }

// Start registers the consumer and begins the delivery loop.
func (s *Source) Start(ctx context.Context) error {
	if err := s.channel.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos on queue %s: %w", s.cfg.Queue, err)
	}

	deliveries, err := s.channel.Consume(s.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %s: %w", s.cfg.Queue, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel

	go func() {
		defer close(s.output)
		defer close(s.doneChan)

		s.logger.Info().Msg("RabbitMQ delivery loop started.")
		for {
			select {
			case <-consumeCtx.Done():
				s.logger.Info().Msg("RabbitMQ delivery loop stopped.")
				return
			case d, ok := <-deliveries:
				if !ok {
					s.logger.Warn().Msg("RabbitMQ deliveries channel closed by broker.")
					return
				}
				msg := fromDelivery(d)
				select {
				case s.output <- msg:
					if err := d.Ack(false); err != nil {
						s.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to ack delivery.")
					}
				case <-consumeCtx.Done():
					if err := d.Nack(false, true); err != nil {
						s.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to nack delivery during shutdown.")
					}
					return
				}
			}
		}
	}()
	return nil
}

// Messages returns the delivery channel.
func (s *Source) Messages() <-chan pipeline.Message { return s.output }

// Close stops the delivery loop, waits for it to drain and closes the
// AMQP channel. It is idempotent.
func (s *Source) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		if s.cancelFn != nil {
			s.cancelFn()
			select {
			case <-s.doneChan:
			case <-time.After(30 * time.Second):
				s.logger.Error().Msg("Timeout waiting for RabbitMQ delivery loop to stop.")
			}
		}
		closeErr = s.channel.Close()
	})
	return closeErr
}

// Dial opens a connection and channel for the given broker URL. It is a
// convenience for callers that do not manage their own AMQP connection;
// the returned connection must outlive any source or sink built on the
// channel.
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial amqp broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	return conn, channel, nil
}
