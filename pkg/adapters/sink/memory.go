package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// ErrRejected is returned by MemorySink for rows its reject predicate refuses.
var ErrRejected = errors.New("record rejected by sink")

// MemorySink keeps committed rows in memory. It backs the analyze dry run and tests.
type MemorySink struct {
	mu     sync.Mutex
	rows   map[uuid.UUID][]models.PreviewRow
	reject func(row models.PreviewRow) bool
	fail   func(chunk Chunk) error
	chunks int
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{rows: make(map[uuid.UUID][]models.PreviewRow)}
}

// RejectRows makes the sink refuse rows matching fn.
func (s *MemorySink) RejectRows(fn func(row models.PreviewRow) bool) *MemorySink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = fn
	return s
}

// FailChunks makes WriteChunk return fn's error when it is non-nil.
func (s *MemorySink) FailChunks(fn func(chunk Chunk) error) *MemorySink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
	return s
}

var _ Sink = (*MemorySink)(nil)

func (s *MemorySink) WriteChunk(ctx context.Context, chunk Chunk) ([]RowError, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks++

	if s.fail != nil {
		if err := s.fail(chunk); err != nil {
			return nil, err
		}
	}

	var rowErrs []RowError
	accepted := make([]models.PreviewRow, 0, len(chunk.Rows))
	for _, row := range chunk.Rows {
		if s.reject != nil && s.reject(row) {
			rowErrs = append(rowErrs, RowError{RowIndex: row.RowIndex, Err: ErrRejected})
			continue
		}
		accepted = append(accepted, row)
	}
	if chunk.Atomic && len(rowErrs) > 0 {
		return nil, &rowErrs[0]
	}
	s.rows[chunk.SessionID] = append(s.rows[chunk.SessionID], accepted...)
	return rowErrs, nil
}

// Rows returns the rows committed for a session.
func (s *MemorySink) Rows(sessionID uuid.UUID) []models.PreviewRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PreviewRow(nil), s.rows[sessionID]...)
}

// Chunks returns how many WriteChunk calls were made.
func (s *MemorySink) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

func (s *MemorySink) Ping(ctx context.Context) error { return nil }

func (s *MemorySink) Close() error { return nil }

func init() {
	Register(Registration{
		Info: Info{
			Type:        "memory",
			DisplayName: "In-memory",
			Description: "Keeps records in process memory; for dry runs",
		},
		Factory: func(ctx context.Context, opts Options) (Sink, error) {
			return NewMemorySink(), nil
		},
	})
}
