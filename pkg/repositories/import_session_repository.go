package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// ImportSessionRepository persists import session snapshots.
type ImportSessionRepository interface {
	// Save inserts or replaces the session row.
	Save(ctx context.Context, session *models.ImportSession) error

	// GetByID returns the session or nil if it does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*models.ImportSession, error)

	// ListByStatus returns sessions in any of the given statuses, newest first.
	ListByStatus(ctx context.Context, statuses []models.ImportStatus, limit int) ([]*models.ImportSession, error)
}

type importSessionRepository struct{}

// NewImportSessionRepository creates a new ImportSessionRepository.
func NewImportSessionRepository() ImportSessionRepository {
	return &importSessionRepository{}
}

var _ ImportSessionRepository = (*importSessionRepository)(nil)

func (r *importSessionRepository) Save(ctx context.Context, s *models.ImportSession) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	fileJSON, err := json.Marshal(s.File)
	if err != nil {
		return fmt.Errorf("failed to marshal file metadata: %w", err)
	}
	configJSON, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal session config: %w", err)
	}
	progressJSON, err := json.Marshal(s.Progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	errorsJSON, err := json.Marshal(s.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal session errors: %w", err)
	}

	s.UpdatedAt = time.Now()

	query := `
		INSERT INTO import_sessions (
			id, owner, file, status, config, progress, headerless,
			parse_confidence, aggregate_confidence, approval_request_id, errors,
			created_at, updated_at, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			config = EXCLUDED.config,
			progress = EXCLUDED.progress,
			headerless = EXCLUDED.headerless,
			parse_confidence = EXCLUDED.parse_confidence,
			aggregate_confidence = EXCLUDED.aggregate_confidence,
			approval_request_id = EXCLUDED.approval_request_id,
			errors = EXCLUDED.errors,
			updated_at = EXCLUDED.updated_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`

	_, err = scope.Conn.Exec(ctx, query,
		s.ID, s.Owner, fileJSON, s.Status, configJSON, progressJSON, s.Headerless,
		s.ParseConfidence, s.AggregateConfidence, s.ApprovalRequestID, errorsJSON,
		s.CreatedAt, s.UpdatedAt, s.StartedAt, s.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save import session: %w", err)
	}
	return nil
}

const sessionColumns = `
	id, owner, file, status, config, progress, headerless,
	parse_confidence, aggregate_confidence, approval_request_id, errors,
	created_at, updated_at, started_at, completed_at`

func (r *importSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ImportSession, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	row := scope.Conn.QueryRow(ctx, `SELECT `+sessionColumns+` FROM import_sessions WHERE id = $1`, id)
	session, err := scanImportSession(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get import session: %w", err)
	}
	return session, nil
}

func (r *importSessionRepository) ListByStatus(ctx context.Context, statuses []models.ImportStatus, limit int) ([]*models.ImportSession, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	rows, err := scope.Conn.Query(ctx,
		`SELECT `+sessionColumns+` FROM import_sessions WHERE status = ANY($1) ORDER BY created_at DESC LIMIT $2`,
		names, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list import sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ImportSession
	for rows.Next() {
		s, err := scanImportSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan import session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanImportSession(row pgx.Row) (*models.ImportSession, error) {
	var s models.ImportSession
	var fileJSON, configJSON, progressJSON, errorsJSON []byte

	err := row.Scan(
		&s.ID, &s.Owner, &fileJSON, &s.Status, &configJSON, &progressJSON, &s.Headerless,
		&s.ParseConfidence, &s.AggregateConfidence, &s.ApprovalRequestID, &errorsJSON,
		&s.CreatedAt, &s.UpdatedAt, &s.StartedAt, &s.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(fileJSON, &s.File); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file metadata: %w", err)
	}
	if err := json.Unmarshal(configJSON, &s.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session config: %w", err)
	}
	if err := json.Unmarshal(progressJSON, &s.Progress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &s.Errors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session errors: %w", err)
		}
	}
	return &s, nil
}
