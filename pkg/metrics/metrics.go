// Package metrics provides the explicit collector object pipeline components
// report into. A nil *Collector is valid and records nothing, so wiring
// metrics stays optional.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the engine's Prometheus instruments. One collector is
// shared by the runner and the sink decorators of a pipeline; pass it by
// reference rather than relying on package-level registration.
type Collector struct {
	messagesProcessed *prometheus.CounterVec
	messagesFailed    *prometheus.CounterVec
	sinkRetries       *prometheus.CounterVec
	deadLettered      *prometheus.CounterVec
	batchFlushes      *prometheus.CounterVec
	messageDuration   *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers its instruments with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		messagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowline_messages_processed_total",
				Help: "Input messages fully delivered to the sink.",
			},
			[]string{"pipeline"},
		),
		messagesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowline_messages_failed_total",
				Help: "Input messages that failed in a step or sink.",
			},
			[]string{"pipeline", "category"},
		),
		sinkRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowline_sink_retries_total",
				Help: "Retry attempts made against a sink.",
			},
			[]string{"sink"},
		),
		deadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowline_dead_lettered_total",
				Help: "Messages handed to a dead-letter sink.",
			},
			[]string{"sink"},
		),
		batchFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowline_batch_flushes_total",
				Help: "Batch flushes by trigger (size, timeout, close).",
			},
			[]string{"sink", "trigger"},
		),
		messageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowline_message_duration_seconds",
				Help:    "End-to-end duration of one input message.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pipeline"},
		),
	}
	reg.MustRegister(
		c.messagesProcessed,
		c.messagesFailed,
		c.sinkRetries,
		c.deadLettered,
		c.batchFlushes,
		c.messageDuration,
	)
	return c
}

// MessageProcessed records one successfully delivered input message.
func (c *Collector) MessageProcessed(pipeline string, took time.Duration) {
	if c == nil {
		return
	}
	c.messagesProcessed.WithLabelValues(pipeline).Inc()
	c.messageDuration.WithLabelValues(pipeline).Observe(took.Seconds())
}

// MessageFailed records one failed input message with its failure category.
func (c *Collector) MessageFailed(pipeline, category string) {
	if c == nil {
		return
	}
	c.messagesFailed.WithLabelValues(pipeline, category).Inc()
}

// SinkRetry records one retry attempt against the named sink.
func (c *Collector) SinkRetry(sink string) {
	if c == nil {
		return
	}
	c.sinkRetries.WithLabelValues(sink).Inc()
}

// DeadLettered records one message handed to a dead-letter sink.
func (c *Collector) DeadLettered(sink string) {
	if c == nil {
		return
	}
	c.deadLettered.WithLabelValues(sink).Inc()
}

// BatchFlush records one batch flush and what triggered it.
func (c *Collector) BatchFlush(sink, trigger string) {
	if c == nil {
		return
	}
	c.batchFlushes.WithLabelValues(sink, trigger).Inc()
}
