// Package postgres writes committed catalog records to PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/adapters/sink"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/retry"
)

// Sink writes records into <prefix>_<entity_type> tables.
type Sink struct {
	pool      *pgxpool.Pool
	ownedPool bool
	prefix    string
	logger    *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// New creates a Sink. A nil pool is opened from dsn and closed with the sink.
func New(ctx context.Context, pool *pgxpool.Pool, dsn, prefix string, logger *zap.Logger) (*Sink, error) {
	owned := false
	if pool == nil {
		if dsn == "" {
			return nil, fmt.Errorf("postgres sink needs a DSN or the session pool")
		}
		var err error
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres sink: %w", err)
		}
		owned = true
	}
	return &Sink{
		pool:      pool,
		ownedPool: owned,
		prefix:    prefix,
		logger:    logger.Named("postgres-sink"),
		ensured:   make(map[string]bool),
	}, nil
}

var _ sink.Sink = (*Sink)(nil)

func columnType(f models.TargetField) string {
	switch f.Type {
	case models.PrimitiveInteger:
		return "BIGINT"
	case models.PrimitiveNumber:
		return "DOUBLE PRECISION"
	case models.PrimitiveBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

func (s *Sink) ensureTable(ctx context.Context, table string, schema *models.TargetSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[table] {
		return nil
	}

	defs := []string{
		"session_id UUID NOT NULL",
		"record_index INTEGER NOT NULL",
		"imported_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
	}
	for _, f := range schema.Fields {
		defs = append(defs, pgx.Identifier{f.Name}.Sanitize()+" "+columnType(f))
	}
	defs = append(defs, "PRIMARY KEY (session_id, record_index)")

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", pgx.Identifier{table}.Sanitize(), strings.Join(defs, ", "))
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create sink table %s: %w", table, err)
	}
	s.ensured[table] = true
	return nil
}

func insertStatement(table string, schema *models.TargetSchema) string {
	cols := []string{"session_id", "record_index"}
	placeholders := []string{"$1", "$2"}
	for i, name := range sink.FieldNames(schema) {
		cols = append(cols, pgx.Identifier{name}.Sanitize())
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+3))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (session_id, record_index) DO NOTHING",
		pgx.Identifier{table}.Sanitize(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
}

func (s *Sink) WriteChunk(ctx context.Context, chunk sink.Chunk) ([]sink.RowError, error) {
	table := sink.TableName(s.prefix, chunk.Schema.EntityType)
	if err := s.ensureTable(ctx, table, chunk.Schema); err != nil {
		return nil, err
	}
	stmt := insertStatement(table, chunk.Schema)

	if chunk.Atomic {
		return nil, s.writeAtomic(ctx, stmt, chunk)
	}

	var rowErrs []sink.RowError
	for _, row := range chunk.Rows {
		args := append([]any{chunk.SessionID, row.RowIndex}, sink.RowArgs(chunk.Schema, row)...)
		if _, err := s.pool.Exec(ctx, stmt, args...); err != nil {
			if ctx.Err() != nil || retry.IsRetryable(err) {
				// rows already written are skipped on retry by the primary key
				return nil, fmt.Errorf("postgres sink write: %w", err)
			}
			rowErrs = append(rowErrs, sink.RowError{RowIndex: row.RowIndex, Err: err})
		}
	}
	return rowErrs, nil
}

func (s *Sink) writeAtomic(ctx context.Context, stmt string, chunk sink.Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin sink transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, row := range chunk.Rows {
		args := append([]any{chunk.SessionID, row.RowIndex}, sink.RowArgs(chunk.Schema, row)...)
		batch.Queue(stmt, args...)
	}
	results := tx.SendBatch(ctx, batch)
	for _, row := range chunk.Rows {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return &sink.RowError{RowIndex: row.RowIndex, Err: err}
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("postgres sink batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit sink transaction: %w", err)
	}
	return nil
}

func (s *Sink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Sink) Close() error {
	if s.ownedPool {
		s.pool.Close()
	}
	return nil
}
