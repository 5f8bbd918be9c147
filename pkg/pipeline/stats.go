package pipeline

import (
	"sync/atomic"
	"time"
)

// Stats aggregates the counters for one pipeline run. The counters are
// incremented atomically by concurrently-completing message tasks.
type Stats struct {
	processed atomic.Int64
	failed    atomic.Int64

	// StartTime and EndTime bound the run. They are written only by the
	// Runner goroutine, before and after all worker activity.
	StartTime time.Time
	EndTime   time.Time
}

// Processed returns the number of input messages fully delivered.
func (s *Stats) Processed() int64 { return s.processed.Load() }

// Failed returns the number of input messages that failed.
func (s *Stats) Failed() int64 { return s.failed.Load() }

// Duration returns the wall-clock span of the run.
func (s *Stats) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// Result is returned by Runner.Run once a pipeline has drained.
type Result struct {
	// Success is true iff no input message failed.
	Success bool
	// Stats holds the run counters and timing.
	Stats *Stats
	// Errors holds one entry per failed input message.
	Errors []error
}
