// Package bqsink provides a batch-capable sink that streams pipeline
// messages into a Google BigQuery table.
package bqsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

// Config holds configuration for the target BigQuery dataset and table.
type Config struct {
	DatasetID       string
	TableID         string
	CredentialsFile string // Optional: Path to a service account JSON file.
}

// Row is the flattened representation of a pipeline message in BigQuery.
// Structured content and metadata are stored as JSON strings so one table
// can receive messages of any shape.
type Row struct {
	MessageID     string    `bigquery:"message_id"`
	CorrelationID string    `bigquery:"correlation_id"`
	PublishedAt   time.Time `bigquery:"published_at"`
	IngestedAt    time.Time `bigquery:"ingested_at"`
	Content       string    `bigquery:"content"`
	Metadata      string    `bigquery:"metadata"`
}

// NewClient creates a BigQuery client suitable for production environments.
// It uses Application Default Credentials unless a credentials file is provided.
func NewClient(ctx context.Context, projectID string, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	logger.Info().Str("project_id", projectID).Msg("BigQuery client created successfully.")
	return client, nil
}

// Sink streams batches of messages into a BigQuery table. It satisfies the
// batching.BatchSink contract, so it is normally wrapped in a windowed
// batcher rather than receiving one message per call.
type Sink struct {
	client   *bigquery.Client
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// New creates a sink for the configured table. If the table does not exist
// it is created with a schema inferred from the Row type, which removes the
// need for manual table creation on first deployment. The client's lifecycle
// stays with the caller.
func New(ctx context.Context, client *bigquery.Client, cfg *Config, logger zerolog.Logger) (*Sink, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("bqsink config cannot be nil")
	}

	logger = logger.With().
		Str("component", "bqsink").
		Str("project_id", client.Project()).
		Str("dataset_id", cfg.DatasetID).
		Str("table_id", cfg.TableID).
		Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	_, err := tableRef.Metadata(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "notFound") {
			logger.Warn().Msg("BigQuery table not found. Attempting to create with inferred schema.")
			inferredSchema, inferErr := bigquery.InferSchema(Row{})
			if inferErr != nil {
				return nil, fmt.Errorf("failed to infer row schema: %w", inferErr)
			}
			if createErr := tableRef.Create(ctx, &bigquery.TableMetadata{Schema: inferredSchema}); createErr != nil {
				return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
			}
			logger.Info().Msg("BigQuery table created successfully.")
		} else {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
	} else {
		logger.Info().Msg("Successfully connected to existing BigQuery table.")
	}

	return &Sink{
		client:   client,
		inserter: tableRef.Inserter(),
		logger:   logger,
	}, nil
}

// Name identifies the sink in logs and metrics.
func (s *Sink) Name() string { return "bigquery-sink" }

// SendBatch streams a batch of messages to the configured table. Row-level
// insertion errors are logged individually, which is crucial for debugging
// data quality issues; any failure is reported as one whole-batch error so
// an outer retry layer retries the entire batch.
func (s *Sink) SendBatch(ctx context.Context, batch []pipeline.Message) error {
	if len(batch) == 0 {
		return nil
	}

	rows := make([]*Row, 0, len(batch))
	for _, msg := range batch {
		row, err := toRow(msg)
		if err != nil {
			return fmt.Errorf("failed to flatten message %s: %w", msg.ID, err)
		}
		rows = append(rows, row)
	}

	err := s.inserter.Put(ctx, rows)
	if err != nil {
		s.logger.Error().Err(err).Int("batch_size", len(rows)).Msg("Failed to insert rows into BigQuery.")
		if multiErr, ok := err.(bigquery.PutMultiError); ok {
			for _, rowErr := range multiErr {
				s.logger.Error().
					Int("row_index", rowErr.RowIndex).
					Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}

	s.logger.Debug().Int("batch_size", len(rows)).Msg("Successfully inserted batch into BigQuery.")
	return nil
}

// Close is a no-op; the BigQuery client's lifecycle is managed externally,
// allowing a single client to be shared across multiple sinks.
func (s *Sink) Close() error {
	s.logger.Info().Msg("BigQuery sink closed; client lifecycle is managed externally.")
	return nil
}

func toRow(msg pipeline.Message) (*Row, error) {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return &Row{
		MessageID:     msg.ID,
		CorrelationID: msg.CorrelationID,
		PublishedAt:   msg.Timestamp,
		IngestedAt:    time.Now().UTC(),
		Content:       string(content),
		Metadata:      string(metadata),
	}, nil
}
