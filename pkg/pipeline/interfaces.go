package pipeline

import (
	"context"
)

// ====================================================================================
// This file defines the three component roles every connector implements.
// A pipeline reads from one Source, folds each message through a chain of
// Steps, and delivers the results to one Sink.
// ====================================================================================

// Source produces a possibly-unbounded, lazy sequence of messages.
type Source interface {
	// Name identifies the source in logs and errors.
	Name() string
	// Start begins production. Messages become available on the channel
	// returned by Messages after Start returns successfully.
	Start(ctx context.Context) error
	// Messages returns the read-only channel the source delivers on. The
	// channel is closed when the source is exhausted or stopped.
	Messages() <-chan Message
	// Close releases the source's resources. It must be idempotent.
	Close() error
}

// Step transforms one message into zero, one, or many messages. A nil or
// empty result filters the message out of the pipeline; multiple results
// fan out, with each output independently continuing through the remaining
// steps.
type Step interface {
	// Name identifies the step in logs and errors.
	Name() string
	// Apply performs the transformation. It must not mutate msg.
	Apply(ctx context.Context, msg Message) ([]Message, error)
}

// StepFunc adapts a function to the Step interface.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, msg Message) ([]Message, error)
}

// Name returns the step's name.
func (s StepFunc) Name() string { return s.StepName }

// Apply invokes the wrapped function.
func (s StepFunc) Apply(ctx context.Context, msg Message) ([]Message, error) {
	return s.Fn(ctx, msg)
}

// Sink durably hands a message downstream.
type Sink interface {
	// Name identifies the sink in logs and errors.
	Name() string
	// Send delivers one message. An error means the message was not
	// durably delivered.
	Send(ctx context.Context, msg Message) error
	// Close releases the sink's resources. It must be idempotent.
	Close() error
}
