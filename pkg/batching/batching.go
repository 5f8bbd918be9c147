// Package batching decorates a batch-capable sink with size- and
// time-triggered flushing.
package batching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coldbrook-labs/go-flowline/pkg/metrics"
	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

// BatchSink is the contract for destinations that accept whole batches. A
// SendBatch that partially succeeds must report one whole-batch error so an
// outer retry layer can retry the entire batch.
type BatchSink interface {
	Name() string
	SendBatch(ctx context.Context, batch []pipeline.Message) error
	Close() error
}

// SendBatchFunc adapts a function to the BatchSink interface.
type SendBatchFunc struct {
	SinkName string
	Fn       func(ctx context.Context, batch []pipeline.Message) error
}

// Name returns the sink's name.
func (f SendBatchFunc) Name() string { return f.SinkName }

// SendBatch invokes the wrapped function.
func (f SendBatchFunc) SendBatch(ctx context.Context, batch []pipeline.Message) error {
	return f.Fn(ctx, batch)
}

// Close is a no-op.
func (f SendBatchFunc) Close() error { return nil }

// Config controls when a wrapped batch sink flushes.
type Config struct {
	// MaxBatchSize triggers a flush when the buffer reaches it. Must be at
	// least 2; a size of 1 would make batching pointless.
	MaxBatchSize int
	// BatchTimeout, when positive, bounds how long the first message of an
	// epoch may wait before a partial batch is flushed anyway.
	BatchTimeout time.Duration
	// FlushTimeout bounds the underlying SendBatch call for timer- and
	// close-triggered flushes, which have no caller context. Defaults to
	// 30 seconds.
	FlushTimeout time.Duration
}

// Sink buffers individual sends and delivers them to the underlying
// BatchSink in batches.
//
// The buffer and the deferred-flush timer are the only shared state; both
// are mutated exclusively under one mutex, and a batch only ever leaves
// the buffer through an atomic take-and-clear. That makes each buffer
// epoch flush exactly once, whichever of the size trigger, the timer, or
// Close gets there first.
type Sink struct {
	next      BatchSink
	cfg       Config
	logger    zerolog.Logger
	collector *metrics.Collector

	mu    sync.Mutex
	buf   []pipeline.Message
	timer *time.Timer

	closeOnce sync.Once
	closeErr  error
}

// Wrap decorates next with batching. collector may be nil.
func Wrap(next BatchSink, cfg Config, logger zerolog.Logger, collector *metrics.Collector) (*Sink, error) {
	if next == nil {
		return nil, fmt.Errorf("batch sink cannot be nil")
	}
	if cfg.MaxBatchSize < 2 {
		return nil, fmt.Errorf("maxBatchSize must be at least 2, got %d", cfg.MaxBatchSize)
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	return &Sink{
		next:      next,
		cfg:       cfg,
		logger:    logger.With().Str("component", "BatchingSink").Str("sink", next.Name()).Logger(),
		collector: collector,
	}, nil
}

// Name returns the underlying sink's name.
func (s *Sink) Name() string { return s.next.Name() }

// Send appends msg to the current buffer epoch. Reaching MaxBatchSize
// flushes synchronously and reports the batch's outcome to this caller;
// otherwise Send returns nil and the message rides along with whichever
// trigger ends the epoch.
func (s *Sink) Send(ctx context.Context, msg pipeline.Message) error {
	s.mu.Lock()
	s.buf = append(s.buf, msg)
	size := len(s.buf)

	if size >= s.cfg.MaxBatchSize {
		batch := s.takeLocked()
		s.mu.Unlock()
		s.collector.BatchFlush(s.next.Name(), "size")
		return s.sendBatch(ctx, batch)
	}

	if size == 1 && s.cfg.BatchTimeout > 0 {
		s.timer = time.AfterFunc(s.cfg.BatchTimeout, s.flushOnTimeout)
	}
	s.mu.Unlock()
	return nil
}

// flushOnTimeout is the deferred-flush task: it takes whatever the epoch
// captured and sends it unconditionally, even if smaller than
// MaxBatchSize. A size-triggered flush that already emptied the buffer
// leaves nothing to do.
func (s *Sink) flushOnTimeout() {
	s.mu.Lock()
	batch := s.takeLocked()
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	s.collector.BatchFlush(s.next.Name(), "timeout")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()
	if err := s.sendBatch(ctx, batch); err != nil {
		s.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Timeout-triggered flush failed.")
	}
}

// takeLocked atomically consumes the buffer epoch: it returns the pending
// messages, resets the buffer, and cancels any not-yet-fired timer. Callers
// must hold s.mu.
func (s *Sink) takeLocked() []pipeline.Message {
	batch := s.buf
	s.buf = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return batch
}

func (s *Sink) sendBatch(ctx context.Context, batch []pipeline.Message) error {
	if len(batch) == 0 {
		return nil
	}
	s.logger.Debug().Int("batch_size", len(batch)).Msg("Flushing batch.")
	if err := s.next.SendBatch(ctx, batch); err != nil {
		return fmt.Errorf("batch of %d to %s: %w", len(batch), s.next.Name(), err)
	}
	return nil
}

// Close cancels any outstanding deferred flush, sends the residual buffer
// through the send path exactly once, and closes the underlying sink. It
// is idempotent.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		batch := s.takeLocked()
		s.mu.Unlock()

		if len(batch) > 0 {
			s.collector.BatchFlush(s.next.Name(), "close")
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
			defer cancel()
			if err := s.sendBatch(ctx, batch); err != nil {
				s.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Close-triggered flush failed.")
				s.closeErr = err
			}
		}
		if err := s.next.Close(); err != nil {
			s.closeErr = errors.Join(s.closeErr, err)
		}
	})
	return s.closeErr
}
