package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// ImportBatchRepository persists commit chunks and per-record history.
type ImportBatchRepository interface {
	// CreateBatches inserts the full chunk plan for a session.
	CreateBatches(ctx context.Context, batches []*models.ImportBatch) error

	// UpdateBatch writes status, counters and timestamps of one chunk.
	UpdateBatch(ctx context.Context, batch *models.ImportBatch) error

	// ListBySession returns a session's chunks ordered by index.
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.ImportBatch, error)

	// InsertOutcomes appends record history rows.
	InsertOutcomes(ctx context.Context, outcomes []models.ImportRecordOutcome) error

	// CountOutcomes returns record history counts grouped by status.
	CountOutcomes(ctx context.Context, sessionID uuid.UUID) (map[models.RecordStatus]int, error)
}

type importBatchRepository struct{}

// NewImportBatchRepository creates a new ImportBatchRepository.
func NewImportBatchRepository() ImportBatchRepository {
	return &importBatchRepository{}
}

var _ ImportBatchRepository = (*importBatchRepository)(nil)

func (r *importBatchRepository) CreateBatches(ctx context.Context, batches []*models.ImportBatch) error {
	if len(batches) == 0 {
		return nil
	}
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	rows := make([][]any, len(batches))
	for i, b := range batches {
		if b.ID == uuid.Nil {
			b.ID = uuid.New()
		}
		if b.Status == "" {
			b.Status = models.BatchStatusPending
		}
		rows[i] = []any{b.ID, b.SessionID, b.BatchIndex, b.Start, b.End, string(b.Status)}
	}

	_, err = scope.Conn.CopyFrom(ctx,
		pgx.Identifier{"import_batches"},
		[]string{"id", "session_id", "batch_index", "range_start", "range_end", "status"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to create import batches: %w", err)
	}
	return nil
}

func (r *importBatchRepository) UpdateBatch(ctx context.Context, b *models.ImportBatch) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	query := `
		UPDATE import_batches
		SET status = $2, success_count = $3, failure_count = $4, attempts = $5,
		    worker_id = $6, error = $7, started_at = $8, completed_at = $9
		WHERE id = $1 AND status NOT IN ('completed', 'skipped')`

	_, err = scope.Conn.Exec(ctx, query,
		b.ID, string(b.Status), b.SuccessCount, b.FailureCount, b.Attempts,
		b.WorkerID, nullableString(b.Error), b.StartedAt, b.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update import batch %d: %w", b.BatchIndex, err)
	}
	return nil
}

func (r *importBatchRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.ImportBatch, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, session_id, batch_index, range_start, range_end, status,
		       success_count, failure_count, attempts, worker_id, error, started_at, completed_at
		FROM import_batches
		WHERE session_id = $1
		ORDER BY batch_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list import batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.ImportBatch
	for rows.Next() {
		var b models.ImportBatch
		var errText *string
		if err := rows.Scan(&b.ID, &b.SessionID, &b.BatchIndex, &b.Start, &b.End, &b.Status,
			&b.SuccessCount, &b.FailureCount, &b.Attempts, &b.WorkerID, &errText, &b.StartedAt, &b.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan import batch: %w", err)
		}
		b.Error = derefString(errText)
		batches = append(batches, &b)
	}
	return batches, rows.Err()
}

func (r *importBatchRepository) InsertOutcomes(ctx context.Context, outcomes []models.ImportRecordOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = scope.Conn.CopyFrom(ctx,
		pgx.Identifier{"import_record_history"},
		[]string{"session_id", "record_index", "batch_index", "status", "error", "created_at"},
		pgx.CopyFromSlice(len(outcomes), func(i int) ([]any, error) {
			o := outcomes[i]
			return []any{o.SessionID, o.RecordIndex, o.BatchIndex, string(o.Status), nullableString(o.Error), now}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to insert record history: %w", err)
	}
	return nil
}

func (r *importBatchRepository) CountOutcomes(ctx context.Context, sessionID uuid.UUID) (map[models.RecordStatus]int, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx,
		`SELECT status, COUNT(*) FROM import_record_history WHERE session_id = $1 GROUP BY status`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to count record history: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.RecordStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan record history count: %w", err)
		}
		counts[models.RecordStatus(status)] = count
	}
	return counts, rows.Err()
}
