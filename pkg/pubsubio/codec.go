// Package pubsubio provides Google Cloud Pub/Sub implementations of the
// pipeline Source and Sink contracts.
package pubsubio

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

// Attribute keys used to round-trip pipeline fields through Pub/Sub
// message attributes.
const (
	attrCorrelationID = "correlationId"
	attrTracePrefix   = "trace-"
)

// Decode converts a received Pub/Sub message into a pipeline Message. A
// JSON-object payload becomes the Content map; any other payload is kept
// raw under the "data" key. Attributes become metadata, with the
// correlation and trace attributes lifted onto their dedicated fields.
func Decode(id string, data []byte, attributes map[string]string, publishTime time.Time) pipeline.Message {
	msg := pipeline.Message{
		ID:        id,
		Metadata:  make(map[string]string),
		Timestamp: publishTime.UTC(),
	}
	if msg.ID == "" {
		msg = pipeline.NewMessage(nil)
		msg.Timestamp = publishTime.UTC()
	}

	var content map[string]any
	if err := json.Unmarshal(data, &content); err != nil || content == nil {
		content = map[string]any{"data": string(data)}
	}
	msg.Content = content

	for key, value := range attributes {
		switch {
		case key == attrCorrelationID:
			msg.CorrelationID = value
		case len(key) > len(attrTracePrefix) && key[:len(attrTracePrefix)] == attrTracePrefix:
			if msg.Trace == nil {
				msg.Trace = make(map[string]string)
			}
			msg.Trace[key[len(attrTracePrefix):]] = value
		default:
			msg.Metadata[key] = value
		}
	}
	return msg
}

// Encode converts a pipeline Message into a Pub/Sub payload and attribute
// set, reversing Decode.
func Encode(msg pipeline.Message) ([]byte, map[string]string, error) {
	data, err := json.Marshal(msg.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal message %s content: %w", msg.ID, err)
	}

	attributes := make(map[string]string, len(msg.Metadata)+len(msg.Trace)+1)
	for key, value := range msg.Metadata {
		attributes[key] = value
	}
	if msg.CorrelationID != "" {
		attributes[attrCorrelationID] = msg.CorrelationID
	}
	for key, value := range msg.Trace {
		attributes[attrTracePrefix+key] = value
	}
	return data, attributes, nil
}
