// Package mssql writes committed catalog records to SQL Server.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/adapters/sink"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// Dialect is the T-SQL flavour of the sink.
type Dialect struct{}

var _ sink.Dialect = Dialect{}

func (Dialect) Quote(name string) string { return sink.QuoteWith(name, "[", "]") }

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (Dialect) ColumnType(f models.TargetField) string {
	switch f.Type {
	case models.PrimitiveInteger:
		return "BIGINT"
	case models.PrimitiveNumber:
		return "FLOAT"
	case models.PrimitiveBoolean:
		return "BIT"
	default:
		if f.MaxLength > 0 && f.MaxLength <= 4000 {
			return fmt.Sprintf("NVARCHAR(%d)", f.MaxLength)
		}
		return "NVARCHAR(MAX)"
	}
}

func (d Dialect) CreateTable(table string, defs []string) string {
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
		strings.ReplaceAll(table, "'", "''"), d.Quote(table), strings.Join(defs, ", "))
}

func (d Dialect) Insert(table string, columns, placeholders []string) string {
	return fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM %s WHERE session_id = @p1 AND record_index = @p2) INSERT INTO %s (%s) VALUES (%s)",
		d.Quote(table), d.Quote(table), strings.Join(columns, ", "), strings.Join(placeholders, ", "))
}

func (Dialect) KeyColumns() []string {
	return []string{
		"session_id UNIQUEIDENTIFIER NOT NULL",
		"record_index INT NOT NULL",
		"imported_at DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME()",
	}
}

// Open connects to SQL Server with a sqlserver:// DSN and verifies the connection.
func Open(ctx context.Context, dsn, prefix string, logger *zap.Logger) (*sink.SQLSink, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening SQL Server sink: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connection test failed: %w", err)
	}

	return sink.NewSQLSink(db, Dialect{}, prefix, logger.Named("mssql-sink")), nil
}
