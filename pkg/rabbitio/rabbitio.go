// Package rabbitio provides RabbitMQ implementations of the pipeline
// Source and Sink contracts using the amqp091-go client.
package rabbitio

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

// Channel abstracts the subset of *amqp.Channel the source and sink use,
// so both can be tested without a broker. The concrete *amqp.Channel
// satisfies it directly.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

const headerTracePrefix = "trace-"

// fromDelivery converts a received AMQP delivery into a pipeline Message.
// A JSON-object body becomes the Content map; any other body is kept raw
// under the "data" key. Headers become metadata, with the correlation ID
// and trace headers lifted onto their dedicated fields.
func fromDelivery(d amqp.Delivery) pipeline.Message {
	id := d.MessageId
	if id == "" {
		id = uuid.New().String()
	}

	var content map[string]any
	if err := json.Unmarshal(d.Body, &content); err != nil || content == nil {
		content = map[string]any{"data": string(d.Body)}
	}

	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	msg := pipeline.Message{
		ID:            id,
		Content:       content,
		Metadata:      make(map[string]string),
		Timestamp:     ts.UTC(),
		CorrelationID: d.CorrelationId,
	}
	for key, value := range d.Headers {
		str, ok := value.(string)
		if !ok {
			str = fmt.Sprintf("%v", value)
		}
		if len(key) > len(headerTracePrefix) && key[:len(headerTracePrefix)] == headerTracePrefix {
			if msg.Trace == nil {
				msg.Trace = make(map[string]string)
			}
			msg.Trace[key[len(headerTracePrefix):]] = str
			continue
		}
		msg.Metadata[key] = str
	}
	return msg
}

// toPublishing converts a pipeline Message into an AMQP publishing,
// reversing fromDelivery. Deliveries are marked persistent so they survive
// a broker restart.
func toPublishing(msg pipeline.Message) (amqp.Publishing, error) {
	body, err := json.Marshal(msg.Content)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal message %s content: %w", msg.ID, err)
	}

	headers := make(amqp.Table, len(msg.Metadata)+len(msg.Trace))
	for key, value := range msg.Metadata {
		headers[key] = value
	}
	for key, value := range msg.Trace {
		headers[headerTracePrefix+key] = value
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		Timestamp:     msg.Timestamp,
		Headers:       headers,
		Body:          body,
	}, nil
}
