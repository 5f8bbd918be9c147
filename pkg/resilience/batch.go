package resilience

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/coldbrook-labs/go-flowline/pkg/metrics"
	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

// BatchSendFunc delivers a whole batch downstream. A batch that partially
// succeeds must be reported as one whole-batch error.
type BatchSendFunc func(ctx context.Context, batch []pipeline.Message) error

// WrapBatch decorates a batch send with the same retry-then-dead-letter
// semantics as Wrap, applied to the batch as a unit: the entire batch is
// retried together, and on permanent failure every member is dead-lettered
// individually (each send unretried).
func WrapBatch(
	name string,
	send BatchSendFunc,
	cfg Config,
	deadLetter pipeline.Sink,
	logger zerolog.Logger,
	collector *metrics.Collector,
) BatchSendFunc {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	s := &Sink{
		next:       noopSink{name: name},
		deadLetter: deadLetter,
		cfg:        cfg,
		logger:     logger.With().Str("component", "RetryBatch").Str("sink", name).Logger(),
		collector:  collector,
	}

	return func(ctx context.Context, batch []pipeline.Message) error {
		if len(batch) == 0 {
			return nil
		}
		batchID := batch[0].ID
		attempts, lastErr := s.sendWithRetry(ctx, func(ctx context.Context) error {
			return send(ctx, batch)
		}, batchID)
		if lastErr == nil {
			return nil
		}
		if deadLetter == nil {
			return lastErr
		}
		for _, msg := range batch {
			if err := s.sendToDeadLetter(ctx, DeadLetter(msg, lastErr, attempts), lastErr); err != nil {
				return err
			}
		}
		return nil
	}
}

// noopSink exists so WrapBatch can reuse the Sink retry internals; its Send
// is never invoked.
type noopSink struct{ name string }

func (n noopSink) Name() string                                 { return n.name }
func (n noopSink) Send(context.Context, pipeline.Message) error { return nil }
func (n noopSink) Close() error                                 { return nil }
