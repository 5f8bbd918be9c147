package resilience_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
	"github.com/coldbrook-labs/go-flowline/pkg/resilience"
)

// fakeSink counts sends and fails until a configured attempt number.
type fakeSink struct {
	name      string
	mu        sync.Mutex
	received  []pipeline.Message
	sendCount atomic.Int32
	closed    atomic.Int32
	// failUntil makes Send fail while sendCount <= failUntil. A negative
	// value means always fail.
	failUntil int32
	failWith  error
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Send(_ context.Context, msg pipeline.Message) error {
	count := f.sendCount.Add(1)
	if f.failUntil < 0 || count <= f.failUntil {
		if f.failWith != nil {
			return f.failWith
		}
		return errors.New("synthetic failure")
	}
	f.mu.Lock()
	f.received = append(f.received, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) Close() error {
	f.closed.Add(1)
	return nil
}

func (f *fakeSink) Received() []pipeline.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pipeline.Message, len(f.received))
	copy(out, f.received)
	return out
}

var fastBackoff = []time.Duration{time.Millisecond}

func TestWrap_SucceedsFirstAttempt(t *testing.T) {
	primary := &fakeSink{name: "primary"}
	wrapped, err := resilience.Wrap(primary, resilience.Config{BackoffSchedule: fastBackoff}, nil, zerolog.Nop(), nil)
	require.NoError(t, err)

	err = wrapped.Send(context.Background(), pipeline.NewMessage(nil))
	require.NoError(t, err)
	assert.Equal(t, int32(1), primary.sendCount.Load())
}

func TestWrap_RetriesThenSucceeds(t *testing.T) {
	primary := &fakeSink{name: "primary", failUntil: 2}
	deadLetter := &fakeSink{name: "dead-letter"}
	wrapped, err := resilience.Wrap(primary, resilience.Config{MaxRetries: 3, BackoffSchedule: fastBackoff}, deadLetter, zerolog.Nop(), nil)
	require.NoError(t, err)

	err = wrapped.Send(context.Background(), pipeline.NewMessage(nil))
	require.NoError(t, err)
	assert.Equal(t, int32(3), primary.sendCount.Load())
	assert.Equal(t, int32(0), deadLetter.sendCount.Load())
}

func TestWrap_DeadLetterExactlyOnce(t *testing.T) {
	// maxRetries = 2, permanently failing sink, dead-letter configured:
	// the primary sees exactly 3 attempts, the dead-letter exactly one.
	primary := &fakeSink{name: "primary", failUntil: -1}
	deadLetter := &fakeSink{name: "dead-letter"}
	wrapped, err := resilience.Wrap(primary, resilience.Config{MaxRetries: 2, BackoffSchedule: fastBackoff}, deadLetter, zerolog.Nop(), nil)
	require.NoError(t, err)

	msg := pipeline.NewMessage(map[string]any{"k": "v"})
	err = wrapped.Send(context.Background(), msg)
	require.NoError(t, err, "a successfully dead-lettered message is not a failure")

	assert.Equal(t, int32(3), primary.sendCount.Load())
	require.Len(t, deadLetter.Received(), 1)

	dlm := deadLetter.Received()[0]
	assert.Equal(t, msg.ID, dlm.ID)
	assert.Equal(t, "v", dlm.Content["k"])
	assert.Equal(t, "true", dlm.Metadata[resilience.MetaDeadLetter])
	assert.Equal(t, "3", dlm.Metadata[resilience.MetaDeadLetterAttempts])
	assert.Equal(t, msg.ID, dlm.Metadata[resilience.MetaOriginalMessageID])
	assert.Equal(t, "synthetic failure", dlm.Metadata[resilience.MetaDeadLetterReason])
	assert.NotEmpty(t, dlm.Metadata[resilience.MetaDeadLetterTimestamp])
	assert.True(t, resilience.IsDeadLettered(dlm))
}

func TestWrap_NonRetryableSkipsRetries(t *testing.T) {
	cause := errors.New("validation failed: bad payload")
	primary := &fakeSink{name: "primary", failUntil: -1, failWith: cause}
	deadLetter := &fakeSink{name: "dead-letter"}
	wrapped, err := resilience.Wrap(primary, resilience.Config{MaxRetries: 5, BackoffSchedule: fastBackoff}, deadLetter, zerolog.Nop(), nil)
	require.NoError(t, err)

	err = wrapped.Send(context.Background(), pipeline.NewMessage(nil))
	require.NoError(t, err)

	assert.Equal(t, int32(1), primary.sendCount.Load(), "logical failures are not retried")
	require.Len(t, deadLetter.Received(), 1)
	assert.Equal(t, "1", deadLetter.Received()[0].Metadata[resilience.MetaDeadLetterAttempts])
	assert.Equal(t, "logical", deadLetter.Received()[0].Metadata[resilience.MetaDeadLetterCategory])
}

func TestWrap_NoDeadLetterPropagatesError(t *testing.T) {
	cause := errors.New("synthetic failure")
	primary := &fakeSink{name: "primary", failUntil: -1, failWith: cause}
	wrapped, err := resilience.Wrap(primary, resilience.Config{MaxRetries: 1, BackoffSchedule: fastBackoff}, nil, zerolog.Nop(), nil)
	require.NoError(t, err)

	err = wrapped.Send(context.Background(), pipeline.NewMessage(nil))
	require.ErrorIs(t, err, cause)
	assert.Equal(t, int32(2), primary.sendCount.Load())
}

func TestWrap_DeadLetterFailurePropagatesOriginal(t *testing.T) {
	original := errors.New("primary is down")
	primary := &fakeSink{name: "primary", failUntil: -1, failWith: original}
	deadLetter := &fakeSink{name: "dead-letter", failUntil: -1, failWith: errors.New("dead-letter also down")}
	wrapped, err := resilience.Wrap(primary, resilience.Config{MaxRetries: 1, BackoffSchedule: fastBackoff}, deadLetter, zerolog.Nop(), nil)
	require.NoError(t, err)

	err = wrapped.Send(context.Background(), pipeline.NewMessage(nil))
	require.ErrorIs(t, err, original, "the original failure, not the dead-letter failure, must surface")
}

func TestWrap_CloseDelegates(t *testing.T) {
	primary := &fakeSink{name: "primary"}
	deadLetter := &fakeSink{name: "dead-letter"}
	wrapped, err := resilience.Wrap(primary, resilience.Config{}, deadLetter, zerolog.Nop(), nil)
	require.NoError(t, err)

	require.NoError(t, wrapped.Close())
	assert.Equal(t, int32(1), primary.closed.Load())
	assert.Equal(t, int32(1), deadLetter.closed.Load())
	assert.Equal(t, "primary", wrapped.Name())
}

func TestWrap_DefaultMaxRetries(t *testing.T) {
	primary := &fakeSink{name: "primary", failUntil: -1}
	wrapped, err := resilience.Wrap(primary, resilience.Config{BackoffSchedule: fastBackoff}, nil, zerolog.Nop(), nil)
	require.NoError(t, err)

	_ = wrapped.Send(context.Background(), pipeline.NewMessage(nil))
	assert.Equal(t, int32(4), primary.sendCount.Load(), "default is 3 retries after the first attempt")
}

func TestWrap_NilSinkRejected(t *testing.T) {
	_, err := resilience.Wrap(nil, resilience.Config{}, nil, zerolog.Nop(), nil)
	require.Error(t, err)
}

func TestDeadLetter_PreservesOriginal(t *testing.T) {
	msg := pipeline.NewMessage(map[string]any{"reading": 42})
	msg.CorrelationID = "corr-1"
	msg.Metadata["origin"] = "queue-a"

	dlm := resilience.DeadLetter(msg, errors.New("connection refused"), 4)

	assert.Equal(t, msg.ID, dlm.ID)
	assert.Equal(t, 42, dlm.Content["reading"])
	assert.Equal(t, "corr-1", dlm.CorrelationID)
	assert.Equal(t, "queue-a", dlm.Metadata["origin"], "existing metadata is kept")
	assert.Equal(t, "4", dlm.Metadata[resilience.MetaDeadLetterAttempts])
	assert.Equal(t, "intermittent", dlm.Metadata[resilience.MetaDeadLetterCategory])
	_, hasFlag := msg.Metadata[resilience.MetaDeadLetter]
	assert.False(t, hasFlag, "the original message is not mutated")
}

func TestWrapBatch_RetriesWholeBatch(t *testing.T) {
	var calls atomic.Int32
	send := func(_ context.Context, batch []pipeline.Message) error {
		calls.Add(1)
		if calls.Load() <= 2 {
			return errors.New("synthetic failure")
		}
		return nil
	}

	wrapped := resilience.WrapBatch("batch-sink", send, resilience.Config{MaxRetries: 3, BackoffSchedule: fastBackoff}, nil, zerolog.Nop(), nil)

	batch := []pipeline.Message{pipeline.NewMessage(nil), pipeline.NewMessage(nil)}
	require.NoError(t, wrapped(context.Background(), batch))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWrapBatch_DeadLettersEveryMember(t *testing.T) {
	send := func(_ context.Context, _ []pipeline.Message) error {
		return errors.New("synthetic failure")
	}
	deadLetter := &fakeSink{name: "dead-letter"}

	wrapped := resilience.WrapBatch("batch-sink", send, resilience.Config{MaxRetries: 1, BackoffSchedule: fastBackoff}, deadLetter, zerolog.Nop(), nil)

	first := pipeline.NewMessage(map[string]any{"n": 1})
	second := pipeline.NewMessage(map[string]any{"n": 2})
	require.NoError(t, wrapped(context.Background(), []pipeline.Message{first, second}))

	received := deadLetter.Received()
	require.Len(t, received, 2)
	assert.Equal(t, first.ID, received[0].Metadata[resilience.MetaOriginalMessageID])
	assert.Equal(t, second.ID, received[1].Metadata[resilience.MetaOriginalMessageID])
}

func TestWrapBatch_EmptyBatchIsNoop(t *testing.T) {
	var calls atomic.Int32
	send := func(_ context.Context, _ []pipeline.Message) error {
		calls.Add(1)
		return nil
	}
	wrapped := resilience.WrapBatch("batch-sink", send, resilience.Config{}, nil, zerolog.Nop(), nil)

	require.NoError(t, wrapped(context.Background(), nil))
	assert.Equal(t, int32(0), calls.Load())
}
