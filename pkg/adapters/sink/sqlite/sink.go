// Package sqlite writes committed catalog records to a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/ekaya-inc/ekaya-import/pkg/adapters/sink"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// Dialect is the SQLite flavour of the sink.
type Dialect struct{}

var _ sink.Dialect = Dialect{}

func (Dialect) Quote(name string) string { return sink.QuoteWith(name, `"`, `"`) }

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) ColumnType(f models.TargetField) string {
	switch f.Type {
	case models.PrimitiveInteger, models.PrimitiveBoolean:
		return "INTEGER"
	case models.PrimitiveNumber:
		return "REAL"
	default:
		return "TEXT"
	}
}

func (d Dialect) CreateTable(table string, defs []string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.Quote(table), strings.Join(defs, ", "))
}

func (d Dialect) Insert(table string, columns, placeholders []string) string {
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		d.Quote(table), strings.Join(columns, ", "), strings.Join(placeholders, ", "))
}

func (Dialect) KeyColumns() []string {
	return []string{
		"session_id TEXT NOT NULL",
		"record_index INTEGER NOT NULL",
		"imported_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP",
	}
}

// Open opens (or creates) the SQLite database at path.
func Open(ctx context.Context, path, prefix string, logger *zap.Logger) (*sink.SQLSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite sink: %w", err)
	}
	// one writer at a time avoids SQLITE_BUSY between commit workers
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite sink: %w", err)
	}
	return sink.NewSQLSink(db, Dialect{}, prefix, logger.Named("sqlite-sink")), nil
}
