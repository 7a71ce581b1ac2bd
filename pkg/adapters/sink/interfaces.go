// Package sink defines where committed catalog records are written.
package sink

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// Chunk is one commit chunk handed to a Sink.
type Chunk struct {
	SessionID  uuid.UUID
	BatchIndex int
	Schema     *models.TargetSchema
	Rows       []models.PreviewRow
	// Atomic writes the chunk in one transaction; any row failure fails the chunk.
	// When false each row is written on its own and failures are reported per row.
	Atomic bool
}

// RowError is a row a sink refused.
type RowError struct {
	RowIndex int
	Err      error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.RowIndex, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// IsRetryable reports false: a refused row fails the same way on every attempt.
func (e *RowError) IsRetryable() bool { return false }

// Sink writes transformed records to a catalog store.
// Implementations must be safe for concurrent WriteChunk calls.
type Sink interface {
	// WriteChunk writes one chunk. A non-nil error means nothing in the chunk
	// was committed. For non-atomic chunks the returned slice lists rows that
	// failed while the rest were committed.
	WriteChunk(ctx context.Context, chunk Chunk) ([]RowError, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store connection.
	Close() error
}

// TableName returns the table (or collection) a schema's records land in.
func TableName(prefix, entityType string) string {
	if prefix == "" {
		return entityType
	}
	return prefix + "_" + entityType
}

// TypedValue converts a cell to the Go type matching the target field.
// Empty cells become nil. Cells that do not parse stay strings.
func TypedValue(field *models.TargetField, value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if field == nil {
		return value
	}
	switch field.Type {
	case models.PrimitiveInteger:
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	case models.PrimitiveNumber:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	case models.PrimitiveBoolean:
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return value
}

// RowArgs returns a row's values in schema field order.
func RowArgs(schema *models.TargetSchema, row models.PreviewRow) []any {
	args := make([]any, len(schema.Fields))
	for i := range schema.Fields {
		f := &schema.Fields[i]
		args[i] = TypedValue(f, row.Values[f.Name])
	}
	return args
}

// FieldNames returns the schema's field names in order.
func FieldNames(schema *models.TargetSchema) []string {
	names := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		names[i] = f.Name
	}
	return names
}
