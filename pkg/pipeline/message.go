package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Message is the canonical value flowing through a pipeline. It carries an
// opaque unique ID, an arbitrary structured payload, and string-keyed metadata.
//
// Messages are treated as immutable: every transformation produces a new value
// via Clone/With* helpers. Steps must never modify the maps of a Message they
// were handed, because the same value may be observed by concurrent workers.
type Message struct {
	// ID uniquely identifies the message. It is generated at creation and
	// preserved across transformations unless a Step deliberately mints new
	// child messages.
	ID string

	// Content is the structured payload.
	Content map[string]any

	// Metadata holds auxiliary string values (routing hints, source offsets,
	// dead-letter annotations).
	Metadata map[string]string

	// Timestamp is the creation instant, in UTC.
	Timestamp time.Time

	// CorrelationID optionally ties the message to a request or batch for
	// cross-component tracing.
	CorrelationID string

	// Trace optionally carries propagated span identifiers.
	Trace map[string]string
}

// NewMessage creates a Message with a fresh ID and the current UTC timestamp.
func NewMessage(content map[string]any) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a deep copy of the message. The Content map is copied one
// level deep; nested values are shared, which is safe as long as Steps follow
// the copy-on-write convention.
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		out.Content = make(map[string]any, len(m.Content))
		for k, v := range m.Content {
			out.Content[k] = v
		}
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	if m.Trace != nil {
		out.Trace = make(map[string]string, len(m.Trace))
		for k, v := range m.Trace {
			out.Trace[k] = v
		}
	}
	return out
}

// WithContent returns a copy of the message with the given content in place of
// the original.
func (m Message) WithContent(content map[string]any) Message {
	out := m.Clone()
	out.Content = content
	return out
}

// WithMetadata returns a copy of the message with the given key set in its
// metadata.
func (m Message) WithMetadata(key, value string) Message {
	out := m.Clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]string, 1)
	}
	out.Metadata[key] = value
	return out
}
