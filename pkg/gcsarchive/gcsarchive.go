// Package gcsarchive provides a batch-capable sink that archives pipeline
// messages as compressed newline-delimited JSON objects in Google Cloud
// Storage.
package gcsarchive

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

// Config holds configuration for the archive sink.
type Config struct {
	BucketName   string
	ObjectPrefix string
}

// Record is the structured form of one archived message. Records land in
// GCS one per line inside a gzip-compressed object.
type Record struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Content       map[string]any    `json:"content"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	PublishedAt   time.Time         `json:"publishedAt"`
	ArchivedAt    time.Time         `json:"archivedAt"`
}

// batchKey derives the object path segment for a message, grouping archives
// by publish date, e.g. "2025/06/15". A dated layout keeps lifecycle rules
// and backfills simple.
func batchKey(msg pipeline.Message) string {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return fmt.Sprintf("%d/%02d/%02d", ts.Year(), ts.Month(), ts.Day())
}

// Sink archives batches of messages in GCS. It satisfies the
// batching.BatchSink contract; each flush groups messages by date and
// writes one object per group.
type Sink struct {
	client Client
	config Config
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// New creates an archive sink. The client's lifecycle stays with the caller.
func New(client Client, config Config, logger zerolog.Logger) (*Sink, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &Sink{
		client: client,
		config: config,
		logger: logger.With().Str("component", "gcsarchive").Logger(),
	}, nil
}

// Name identifies the sink in logs and metrics.
func (s *Sink) Name() string { return "gcs-archive-sink" }

// SendBatch groups the batch by date key and uploads each group to a
// separate compressed GCS object in parallel. Any group failure is reported
// as one whole-batch error so an outer retry layer retries everything.
func (s *Sink) SendBatch(ctx context.Context, batch []pipeline.Message) error {
	if len(batch) == 0 {
		return nil
	}

	grouped := make(map[string][]*Record)
	for _, msg := range batch {
		key := batchKey(msg)
		grouped[key] = append(grouped[key], &Record{
			ID:            msg.ID,
			CorrelationID: msg.CorrelationID,
			Content:       msg.Content,
			Metadata:      msg.Metadata,
			PublishedAt:   msg.Timestamp,
			ArchivedAt:    time.Now().UTC(),
		})
	}

	var uploadWg sync.WaitGroup
	errs := make(chan error, len(grouped))

	for key, records := range grouped {
		uploadWg.Add(1)
		s.wg.Add(1)
		go func(key string, records []*Record) {
			defer uploadWg.Done()
			defer s.wg.Done()
			if err := s.uploadGroup(ctx, key, records); err != nil {
				errs <- err
			}
		}(key, records)
	}

	uploadWg.Wait()
	close(errs)

	var combined error
	for err := range errs {
		combined = errors.Join(combined, err)
	}
	return combined
}

// uploadGroup writes one group of records to a single GCS object.
func (s *Sink) uploadGroup(ctx context.Context, key string, records []*Record) error {
	objectName := path.Join(s.config.ObjectPrefix, key, fmt.Sprintf("%s.jsonl.gz", uuid.New().String()))
	s.logger.Info().Str("object_name", objectName).Int("record_count", len(records)).Msg("Starting upload for grouped batch.")

	objHandle := s.client.Bucket(s.config.BucketName).Object(objectName)
	gcsWriter := objHandle.NewWriter(ctx)
	pr, pw := io.Pipe()

	// This goroutine encodes and compresses the records, writing to a pipe.
	go func() {
		var err error
		defer func() { _ = pw.CloseWithError(err) }()
		gz := gzip.NewWriter(pw)
		defer func() { _ = gz.Close() }()
		enc := json.NewEncoder(gz)
		for _, rec := range records {
			if err = enc.Encode(rec); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				return
			}
		}
	}()

	bytesWritten, pipeReadErr := io.Copy(gcsWriter, pr)
	closeErr := gcsWriter.Close() // This finalizes the GCS upload.

	if pipeReadErr != nil {
		return fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, pipeReadErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	s.logger.Info().
		Str("object_name", objectName).
		Int64("bytes_written", bytesWritten).
		Msg("Successfully uploaded grouped batch to GCS.")
	return nil
}

// Close waits for any pending upload goroutines to complete.
func (s *Sink) Close() error {
	s.logger.Info().Msg("Waiting for all pending GCS uploads to complete...")
	s.wg.Wait()
	s.logger.Info().Msg("All GCS uploads completed.")
	return nil
}
