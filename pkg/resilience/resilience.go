// Package resilience decorates sinks with bounded retries and a dead-letter
// fallback, the pipeline's last layer of failure recovery before a message
// is counted as lost.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/coldbrook-labs/go-flowline/pkg/faults"
	"github.com/coldbrook-labs/go-flowline/pkg/metrics"
	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

// Metadata keys added to a dead-lettered message. The original content and
// ID are preserved; these annotations are purely additive.
const (
	MetaDeadLetter          = "deadLetter"
	MetaDeadLetterReason    = "deadLetterReason"
	MetaDeadLetterCategory  = "deadLetterCategory"
	MetaDeadLetterTimestamp = "deadLetterTimestamp"
	MetaDeadLetterAttempts  = "deadLetterAttempts"
	MetaOriginalMessageID   = "originalMessageId"
)

// Config controls the retry behavior of a wrapped sink.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// Defaults to 3.
	MaxRetries int
	// BackoffSchedule holds the sleep before each retry. When the schedule
	// is shorter than MaxRetries the last entry repeats. Defaults to
	// exponential doubling starting at one second (1s, 2s, 4s, ...).
	BackoffSchedule []time.Duration
}

func (c Config) backoff(retry int) time.Duration {
	if len(c.BackoffSchedule) > 0 {
		if retry >= len(c.BackoffSchedule) {
			retry = len(c.BackoffSchedule) - 1
		}
		return c.BackoffSchedule[retry]
	}
	return time.Second << retry
}

// Sink decorates another sink with retry-then-dead-letter semantics.
//
// A failing send is retried up to MaxRetries times, but only while the
// failure classifies as intermittent. Once attempts are exhausted the
// message is augmented with dead-letter metadata and handed to the
// dead-letter sink exactly once, without retrying that send; a dead-letter
// failure propagates the original error so the runner counts the message
// as failed.
type Sink struct {
	next       pipeline.Sink
	deadLetter pipeline.Sink
	cfg        Config
	logger     zerolog.Logger
	collector  *metrics.Collector
}

// Wrap decorates next. deadLetter and collector may be nil.
func Wrap(
	next pipeline.Sink,
	cfg Config,
	deadLetter pipeline.Sink,
	logger zerolog.Logger,
	collector *metrics.Collector,
) (*Sink, error) {
	if next == nil {
		return nil, fmt.Errorf("wrapped sink cannot be nil")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Sink{
		next:       next,
		deadLetter: deadLetter,
		cfg:        cfg,
		logger:     logger.With().Str("component", "RetrySink").Str("sink", next.Name()).Logger(),
		collector:  collector,
	}, nil
}

// Name returns the wrapped sink's name.
func (s *Sink) Name() string { return s.next.Name() }

// Send delivers msg with retries and, on permanent failure, dead-lettering.
func (s *Sink) Send(ctx context.Context, msg pipeline.Message) error {
	attempts, lastErr := s.sendWithRetry(ctx, func(ctx context.Context) error {
		return s.next.Send(ctx, msg)
	}, msg.ID)
	if lastErr == nil {
		return nil
	}
	if s.deadLetter == nil {
		return lastErr
	}
	return s.sendToDeadLetter(ctx, DeadLetter(msg, lastErr, attempts), lastErr)
}

// sendWithRetry runs send until it succeeds, retries are exhausted, or the
// failure classifies as not worth retrying. It returns the number of
// attempts made and the last error.
func (s *Sink) sendWithRetry(ctx context.Context, send func(context.Context) error, msgID string) (int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			s.collector.SinkRetry(s.next.Name())
			select {
			case <-time.After(s.cfg.backoff(attempt - 1)):
			case <-ctx.Done():
				s.logger.Warn().Str("msg_id", msgID).Msg("Context cancelled during backoff, abandoning retries.")
				return attempts, lastErr
			}
		}
		err := send(ctx)
		attempts++
		if err == nil {
			return attempts, nil
		}
		lastErr = err
		classified := faults.Classify(err)
		s.logger.Warn().
			Err(err).
			Str("msg_id", msgID).
			Int("attempt", attempts).
			Str("category", classified.Category.String()).
			Msg("Sink send failed.")
		if !classified.ShouldRetry() {
			break
		}
	}
	return attempts, lastErr
}

// sendToDeadLetter hands the augmented message to the dead-letter sink,
// exactly once. The dead-letter sink gets no retries of its own: that
// bounds total work and avoids cascading retry storms.
func (s *Sink) sendToDeadLetter(ctx context.Context, dlm pipeline.Message, cause error) error {
	if err := s.deadLetter.Send(ctx, dlm); err != nil {
		s.logger.Error().
			Err(err).
			Str("msg_id", dlm.ID).
			Str("dead_letter_sink", s.deadLetter.Name()).
			Msg("Dead-letter send failed, propagating original failure.")
		return cause
	}
	s.collector.DeadLettered(s.deadLetter.Name())
	s.logger.Info().
		Str("msg_id", dlm.ID).
		Str("dead_letter_sink", s.deadLetter.Name()).
		Str("reason", dlm.Metadata[MetaDeadLetterReason]).
		Msg("Message dead-lettered.")
	return nil
}

// Close delegates to the wrapped sink and, if configured, the dead-letter
// sink.
func (s *Sink) Close() error {
	err := s.next.Close()
	if s.deadLetter != nil {
		err = errors.Join(err, s.deadLetter.Close())
	}
	return err
}

// DeadLetter derives the dead-lettered form of msg: same ID, content,
// correlation and trace, with additive failure metadata.
func DeadLetter(msg pipeline.Message, cause error, attempts int) pipeline.Message {
	classified := faults.Classify(cause)
	out := msg.Clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]string, 6)
	}
	out.Metadata[MetaDeadLetter] = "true"
	out.Metadata[MetaDeadLetterReason] = cause.Error()
	out.Metadata[MetaDeadLetterCategory] = classified.Category.String()
	out.Metadata[MetaDeadLetterTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	out.Metadata[MetaDeadLetterAttempts] = strconv.Itoa(attempts)
	out.Metadata[MetaOriginalMessageID] = msg.ID
	return out
}

// IsDeadLettered reports whether msg carries the dead-letter annotation.
func IsDeadLettered(msg pipeline.Message) bool {
	return msg.Metadata[MetaDeadLetter] == "true"
}
