package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/retry"
)

// Dialect is the SQL a database/sql backed sink needs.
type Dialect interface {
	// Quote quotes an identifier.
	Quote(name string) string
	// Placeholder returns the bind marker for the 1-based parameter n.
	Placeholder(n int) string
	// ColumnType maps a target field to a column type.
	ColumnType(f models.TargetField) string
	// CreateTable returns DDL that creates table with defs if it does not exist.
	CreateTable(table string, defs []string) string
	// Insert returns an insert that ignores a row already written for (session_id, record_index).
	Insert(table string, columns, placeholders []string) string
	// KeyColumns returns the session_id and record_index column definitions.
	KeyColumns() []string
}

// SQLSink writes records through database/sql.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
	prefix  string
	logger  *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// NewSQLSink wraps an open database handle. The sink owns db and closes it.
func NewSQLSink(db *sql.DB, dialect Dialect, prefix string, logger *zap.Logger) *SQLSink {
	return &SQLSink{
		db:      db,
		dialect: dialect,
		prefix:  prefix,
		logger:  logger,
		ensured: make(map[string]bool),
	}
}

var _ Sink = (*SQLSink)(nil)

func (s *SQLSink) ensureTable(ctx context.Context, table string, schema *models.TargetSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[table] {
		return nil
	}

	defs := s.dialect.KeyColumns()
	for _, f := range schema.Fields {
		defs = append(defs, s.dialect.Quote(f.Name)+" "+s.dialect.ColumnType(f))
	}
	defs = append(defs, "PRIMARY KEY (session_id, record_index)")

	if _, err := s.db.ExecContext(ctx, s.dialect.CreateTable(table, defs)); err != nil {
		return fmt.Errorf("failed to create sink table %s: %w", table, err)
	}
	s.ensured[table] = true
	s.logger.Debug("Ensured sink table", zap.String("table", table))
	return nil
}

func (s *SQLSink) insertStatement(table string, schema *models.TargetSchema) string {
	cols := []string{"session_id", "record_index"}
	placeholders := []string{s.dialect.Placeholder(1), s.dialect.Placeholder(2)}
	for i, name := range FieldNames(schema) {
		cols = append(cols, s.dialect.Quote(name))
		placeholders = append(placeholders, s.dialect.Placeholder(i+3))
	}
	return s.dialect.Insert(table, cols, placeholders)
}

func (s *SQLSink) WriteChunk(ctx context.Context, chunk Chunk) ([]RowError, error) {
	table := TableName(s.prefix, chunk.Schema.EntityType)
	if err := s.ensureTable(ctx, table, chunk.Schema); err != nil {
		return nil, err
	}
	stmt := s.insertStatement(table, chunk.Schema)

	if chunk.Atomic {
		return nil, s.writeAtomic(ctx, stmt, chunk)
	}

	var rowErrs []RowError
	for _, row := range chunk.Rows {
		args := append([]any{chunk.SessionID.String(), row.RowIndex}, RowArgs(chunk.Schema, row)...)
		if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
			if ctx.Err() != nil || retry.IsRetryable(err) {
				return nil, fmt.Errorf("sink write: %w", err)
			}
			rowErrs = append(rowErrs, RowError{RowIndex: row.RowIndex, Err: err})
		}
	}
	return rowErrs, nil
}

func (s *SQLSink) writeAtomic(ctx context.Context, stmt string, chunk Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin sink transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("failed to prepare sink insert: %w", err)
	}
	defer prepared.Close()

	for _, row := range chunk.Rows {
		args := append([]any{chunk.SessionID.String(), row.RowIndex}, RowArgs(chunk.Schema, row)...)
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			return &RowError{RowIndex: row.RowIndex, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sink transaction: %w", err)
	}
	return nil
}

func (s *SQLSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLSink) Close() error {
	return s.db.Close()
}

// QuoteWith wraps name in left and right, doubling any right quote inside it.
func QuoteWith(name, left, right string) string {
	return left + strings.ReplaceAll(name, right, right+right) + right
}
