// Package pgdlq provides a PostgreSQL dead-letter sink. Messages the
// retry layer gives up on are persisted to a table where operators can
// inspect, fix and replay them.
package pgdlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
	"github.com/coldbrook-labs/go-flowline/pkg/resilience"
)

// Execer is the subset of *pgxpool.Pool the sink needs, small enough to
// fake in tests.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Config holds configuration for the dead-letter table.
type Config struct {
	// Table receives the dead-lettered rows. Defaults to "dead_letters".
	Table string
}

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %s (
    id               BIGSERIAL PRIMARY KEY,
    message_id       TEXT NOT NULL,
    original_id      TEXT,
    correlation_id   TEXT,
    category         TEXT,
    reason           TEXT,
    attempts         INT NOT NULL DEFAULT 0,
    content          JSONB,
    metadata         JSONB,
    published_at     TIMESTAMPTZ,
    dead_lettered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// NewPool opens a pgx connection pool and verifies it with a ping.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the dead-letter table if it does not exist.
func EnsureSchema(ctx context.Context, db Execer, cfg Config) error {
	if _, err := db.Exec(ctx, fmt.Sprintf(schemaTemplate, tableName(cfg))); err != nil {
		return fmt.Errorf("failed to ensure dead-letter schema: %w", err)
	}
	return nil
}

func tableName(cfg Config) string {
	if cfg.Table == "" {
		return "dead_letters"
	}
	return cfg.Table
}

// Sink persists dead-lettered messages to PostgreSQL. It is intended as
// the dead-letter destination handed to the retry wrapper, so Send reads
// the annotation metadata that wrapper stamps onto each message.
type Sink struct {
	db     Execer
	table  string
	logger zerolog.Logger
}

// New returns a Sink writing to the configured table. The pool's lifecycle
// is owned by the caller.
func New(db Execer, cfg Config, logger zerolog.Logger) (*Sink, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres pool cannot be nil")
	}
	return &Sink{
		db:     db,
		table:  tableName(cfg),
		logger: logger.With().Str("component", "pgdlq").Str("table", tableName(cfg)).Logger(),
	}, nil
}

// Name identifies the sink by its table.
func (s *Sink) Name() string { return "postgres-dlq:" + s.table }

// Send inserts one dead-lettered message.
func (s *Sink) Send(ctx context.Context, msg pipeline.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content of message %s: %w", msg.ID, err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata of message %s: %w", msg.ID, err)
	}

	attempts, _ := strconv.Atoi(msg.Metadata[resilience.MetaDeadLetterAttempts])
	deadLetteredAt := time.Now().UTC()
	if stamped, parseErr := time.Parse(time.RFC3339Nano, msg.Metadata[resilience.MetaDeadLetterTimestamp]); parseErr == nil {
		deadLetteredAt = stamped
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (message_id, original_id, correlation_id, category, reason, attempts, content, metadata, published_at, dead_lettered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.table)

	_, err = s.db.Exec(
		ctx,
		query,
		msg.ID,
		msg.Metadata[resilience.MetaOriginalMessageID],
		msg.CorrelationID,
		msg.Metadata[resilience.MetaDeadLetterCategory],
		msg.Metadata[resilience.MetaDeadLetterReason],
		attempts,
		content,
		metadata,
		msg.Timestamp,
		deadLetteredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter %s: %w", msg.ID, err)
	}

	s.logger.Info().
		Str("msg_id", msg.ID).
		Str("category", msg.Metadata[resilience.MetaDeadLetterCategory]).
		Int("attempts", attempts).
		Msg("Message persisted to dead-letter table.")
	return nil
}

// Close is a no-op; the pool's lifecycle is managed externally.
func (s *Sink) Close() error { return nil }
