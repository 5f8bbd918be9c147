package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coldbrook-labs/go-flowline/pkg/faults"
	"github.com/coldbrook-labs/go-flowline/pkg/metrics"
)

// Pipeline wires one Source through an ordered Step chain into one Sink.
type Pipeline struct {
	// Name identifies the pipeline in logs and metrics. Defaults to "pipeline".
	Name   string
	Source Source
	Steps  []Step
	Sink   Sink
}

// RunnerConfig bounds the runner's two independent concurrency pools.
type RunnerConfig struct {
	// MaxConcurrentMessages bounds how many input messages may be inside
	// the step chain simultaneously. Admission backpressure: the source is
	// not pulled further once this pool is saturated.
	MaxConcurrentMessages int
	// MaxConcurrentOutputs bounds sink deliveries in flight, counted across
	// the fan-out outputs of all in-flight input messages.
	MaxConcurrentOutputs int
}

// Runner drives a Pipeline to completion: it consumes the source, applies
// the step chain with bounded concurrency, delivers outputs to the sink
// under a second independent bound, and aggregates run statistics.
//
// A Step or Sink failure is caught at the per-message boundary: it counts
// the input message as failed and never aborts the run. Only a component
// failing at startup is pipeline-fatal.
type Runner struct {
	cfg       RunnerConfig
	logger    zerolog.Logger
	collector *metrics.Collector
}

// NewRunner creates a Runner. collector may be nil.
func NewRunner(cfg RunnerConfig, logger zerolog.Logger, collector *metrics.Collector) *Runner {
	if cfg.MaxConcurrentMessages <= 0 {
		cfg.MaxConcurrentMessages = 10
	}
	if cfg.MaxConcurrentOutputs <= 0 {
		cfg.MaxConcurrentOutputs = 5
	}
	return &Runner{
		cfg:       cfg,
		logger:    logger.With().Str("component", "Runner").Logger(),
		collector: collector,
	}
}

// Run consumes the pipeline's source until exhaustion or cancellation, drains
// outstanding work, closes source and sink best-effort, and returns the
// Result. The error return is reserved for startup failure.
func (r *Runner) Run(ctx context.Context, p Pipeline) (*Result, error) {
	if p.Source == nil {
		return nil, fmt.Errorf("pipeline source cannot be nil")
	}
	if p.Sink == nil {
		return nil, fmt.Errorf("pipeline sink cannot be nil")
	}
	if p.Name == "" {
		p.Name = "pipeline"
	}
	logger := r.logger.With().Str("pipeline", p.Name).Logger()

	stats := &Stats{StartTime: time.Now().UTC()}

	if err := p.Source.Start(ctx); err != nil {
		r.closeQuietly(logger, p.Source.Name(), p.Source.Close)
		r.closeQuietly(logger, p.Sink.Name(), p.Sink.Close)
		return nil, fmt.Errorf("failed to start source %s: %w", p.Source.Name(), err)
	}
	logger.Info().
		Str("source", p.Source.Name()).
		Str("sink", p.Sink.Name()).
		Int("max_concurrent_messages", r.cfg.MaxConcurrentMessages).
		Int("max_concurrent_outputs", r.cfg.MaxConcurrentOutputs).
		Msg("Pipeline run started.")

	procSem := make(chan struct{}, r.cfg.MaxConcurrentMessages)
	outSem := make(chan struct{}, r.cfg.MaxConcurrentOutputs)

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		runErrs []error
	)
	recordFailure := func(msg Message, stage string, err error) {
		classified := faults.Classify(err)
		stats.failed.Add(1)
		r.collector.MessageFailed(p.Name, classified.Category.String())
		logger.WithLevel(classified.Category.LogLevel()).
			Err(err).
			Str("msg_id", msg.ID).
			Str("stage", stage).
			Str("category", classified.Category.String()).
			Msg("Message failed.")
		errMu.Lock()
		runErrs = append(runErrs, fmt.Errorf("%s: message %s: %w", stage, msg.ID, err))
		errMu.Unlock()
	}

consume:
	for {
		// Reserve a processing slot before pulling the next message so a
		// saturated pool halts source consumption.
		select {
		case <-ctx.Done():
			break consume
		case procSem <- struct{}{}:
		}

		select {
		case <-ctx.Done():
			<-procSem
			break consume
		case msg, ok := <-p.Source.Messages():
			if !ok {
				<-procSem
				logger.Debug().Msg("Source exhausted, draining in-flight messages.")
				break consume
			}
			wg.Add(1)
			go func(m Message) {
				defer wg.Done()
				defer func() { <-procSem }()
				r.processMessage(ctx, p, m, outSem, stats, recordFailure)
			}(msg)
		}
	}

	wg.Wait()

	r.closeQuietly(logger, p.Source.Name(), p.Source.Close)
	r.closeQuietly(logger, p.Sink.Name(), p.Sink.Close)

	stats.EndTime = time.Now().UTC()
	result := &Result{
		Success: stats.Failed() == 0,
		Stats:   stats,
		Errors:  runErrs,
	}
	logger.Info().
		Int64("processed", stats.Processed()).
		Int64("failed", stats.Failed()).
		Dur("duration", stats.Duration()).
		Bool("success", result.Success).
		Msg("Pipeline run finished.")
	return result, nil
}

// processMessage drives one input message through the step chain and
// delivers every resulting output to the sink. Any failure marks the whole
// input message as failed, exactly once.
func (r *Runner) processMessage(
	ctx context.Context,
	p Pipeline,
	msg Message,
	outSem chan struct{},
	stats *Stats,
	recordFailure func(Message, string, error),
) {
	start := time.Now()

	outputs := []Message{msg}
	for _, step := range p.Steps {
		next := make([]Message, 0, len(outputs))
		for _, current := range outputs {
			produced, err := step.Apply(ctx, current)
			if err != nil {
				recordFailure(msg, "step "+step.Name(), err)
				return
			}
			next = append(next, produced...)
		}
		outputs = next
		if len(outputs) == 0 {
			// Filtered out entirely. Still a fully processed input.
			break
		}
	}

	var (
		deliverWg sync.WaitGroup
		sendMu    sync.Mutex
		sendErrs  []error
	)
deliver:
	for _, out := range outputs {
		select {
		case <-ctx.Done():
			sendMu.Lock()
			sendErrs = append(sendErrs, fmt.Errorf("delivery interrupted: %w", ctx.Err()))
			sendMu.Unlock()
			break deliver
		case outSem <- struct{}{}:
			deliverWg.Add(1)
			go func(m Message) {
				defer deliverWg.Done()
				defer func() { <-outSem }()
				if err := p.Sink.Send(ctx, m); err != nil {
					sendMu.Lock()
					sendErrs = append(sendErrs, err)
					sendMu.Unlock()
				}
			}(out)
		}
	}
	deliverWg.Wait()

	if len(sendErrs) > 0 {
		recordFailure(msg, "sink "+p.Sink.Name(), errors.Join(sendErrs...))
		return
	}
	stats.processed.Add(1)
	r.collector.MessageProcessed(p.Name, time.Since(start))
}

// closeQuietly attempts a close and logs, but never escalates, its failure.
func (r *Runner) closeQuietly(logger zerolog.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn().Err(err).Str("component", name).Msg("Error during close, continuing.")
	}
}
