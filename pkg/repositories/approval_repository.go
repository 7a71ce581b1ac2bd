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

// ApprovalRepository persists approval requests and their append-only decision log.
type ApprovalRepository interface {
	// CreateRequest inserts a pending request. The partial unique index rejects a
	// second pending request for the same session.
	CreateRequest(ctx context.Context, req *models.ApprovalRequest) error

	// GetRequest returns a request or nil if it does not exist.
	GetRequest(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error)

	// GetPendingBySession returns the session's pending request or nil.
	GetPendingBySession(ctx context.Context, sessionID uuid.UUID) (*models.ApprovalRequest, error)

	// ListPending returns pending requests, optionally filtered to one approver.
	ListPending(ctx context.Context, approver string) ([]*models.ApprovalRequest, error)

	// ListExpired returns pending requests whose deadline is before now.
	ListExpired(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error)

	// Resolve moves a pending request to a final status. It returns false when the
	// request was no longer pending, so concurrent decisions resolve exactly once.
	Resolve(ctx context.Context, id uuid.UUID, status models.ApprovalStatus) (bool, error)

	// Reassign replaces the approvers of a pending request.
	Reassign(ctx context.Context, id uuid.UUID, approvers []string, deadline time.Time) (bool, error)

	// AppendDecision records a decision.
	AppendDecision(ctx context.Context, d *models.ApprovalDecision) error

	// ListDecisions returns a request's decisions in order.
	ListDecisions(ctx context.Context, requestID uuid.UUID) ([]*models.ApprovalDecision, error)

	// RecordOverride stores a decision that disagreed with the recommendation.
	RecordOverride(ctx context.Context, o *models.ApprovalOverride) error

	// CalibrationStats aggregates the decision and override logs.
	CalibrationStats(ctx context.Context) (*models.CalibrationStats, error)
}

type approvalRepository struct{}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository() ApprovalRepository {
	return &approvalRepository{}
}

var _ ApprovalRepository = (*approvalRepository)(nil)

const approvalColumns = `
	id, session_id, request_type, risk, priority, assigned_approvers, escalation_path,
	escalation_level, deadline, status, recommendation, recommendation_confidence,
	context, previous_request_id, created_at, resolved_at`

func (r *approvalRepository) CreateRequest(ctx context.Context, req *models.ApprovalRequest) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	riskJSON, err := json.Marshal(req.Risk)
	if err != nil {
		return fmt.Errorf("failed to marshal risk: %w", err)
	}
	pathJSON, err := json.Marshal(req.EscalationPath)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation path: %w", err)
	}
	contextJSON, err := json.Marshal(req.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal approval context: %w", err)
	}

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO import_approval_requests (
			id, session_id, request_type, risk, priority, assigned_approvers, escalation_path,
			escalation_level, deadline, status, recommendation, recommendation_confidence,
			context, previous_request_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = scope.Conn.Exec(ctx, query,
		req.ID, req.SessionID, string(req.RequestType), riskJSON, req.Priority, req.AssignedApprovers, pathJSON,
		req.EscalationLevel, req.Deadline, string(req.Status), string(req.Recommendation), req.RecommendationConf,
		contextJSON, req.PreviousRequestID, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create approval request: %w", err)
	}
	return nil
}

func (r *approvalRepository) GetRequest(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	row := scope.Conn.QueryRow(ctx, `SELECT `+approvalColumns+` FROM import_approval_requests WHERE id = $1`, id)
	req, err := scanApprovalRequest(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}
	return req, nil
}

func (r *approvalRepository) GetPendingBySession(ctx context.Context, sessionID uuid.UUID) (*models.ApprovalRequest, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	row := scope.Conn.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM import_approval_requests WHERE session_id = $1 AND status = 'pending'`, sessionID)
	req, err := scanApprovalRequest(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pending approval request: %w", err)
	}
	return req, nil
}

func (r *approvalRepository) ListPending(ctx context.Context, approver string) ([]*models.ApprovalRequest, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT `+approvalColumns+`
		FROM import_approval_requests
		WHERE status = 'pending' AND ($1 = '' OR $1 = ANY(assigned_approvers))
		ORDER BY deadline ASC`, approver)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	defer rows.Close()

	return scanApprovalRequests(rows)
}

func (r *approvalRepository) ListExpired(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT `+approvalColumns+`
		FROM import_approval_requests
		WHERE status = 'pending' AND deadline < $1
		ORDER BY deadline ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired approvals: %w", err)
	}
	defer rows.Close()

	return scanApprovalRequests(rows)
}

func (r *approvalRepository) Resolve(ctx context.Context, id uuid.UUID, status models.ApprovalStatus) (bool, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return false, err
	}

	tag, err := scope.Conn.Exec(ctx, `
		UPDATE import_approval_requests
		SET status = $2, resolved_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, string(status))
	if err != nil {
		return false, fmt.Errorf("failed to resolve approval request: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *approvalRepository) Reassign(ctx context.Context, id uuid.UUID, approvers []string, deadline time.Time) (bool, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return false, err
	}

	tag, err := scope.Conn.Exec(ctx, `
		UPDATE import_approval_requests
		SET assigned_approvers = $2, deadline = $3
		WHERE id = $1 AND status = 'pending'`, id, approvers, deadline)
	if err != nil {
		return false, fmt.Errorf("failed to reassign approval request: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *approvalRepository) AppendDecision(ctx context.Context, d *models.ApprovalDecision) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.DecisionTime.IsZero() {
		d.DecisionTime = time.Now()
	}

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO import_approval_decisions (
			id, request_id, session_id, approver, decision, delegate_to, reasoning,
			confidence, system_actor, decision_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.RequestID, d.SessionID, d.Approver, string(d.Decision), nullableString(d.DelegateTo),
		nullableString(d.Reasoning), d.Confidence, d.SystemActor, d.DecisionTime,
	)
	if err != nil {
		return fmt.Errorf("failed to append approval decision: %w", err)
	}
	return nil
}

func (r *approvalRepository) ListDecisions(ctx context.Context, requestID uuid.UUID) ([]*models.ApprovalDecision, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, request_id, session_id, approver, decision, delegate_to, reasoning,
		       confidence, system_actor, decision_time
		FROM import_approval_decisions
		WHERE request_id = $1
		ORDER BY decision_time`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*models.ApprovalDecision
	for rows.Next() {
		var d models.ApprovalDecision
		var delegateTo, reasoning *string
		if err := rows.Scan(&d.ID, &d.RequestID, &d.SessionID, &d.Approver, &d.Decision, &delegateTo,
			&reasoning, &d.Confidence, &d.SystemActor, &d.DecisionTime); err != nil {
			return nil, fmt.Errorf("failed to scan approval decision: %w", err)
		}
		d.DelegateTo = derefString(delegateTo)
		d.Reasoning = derefString(reasoning)
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}

func (r *approvalRepository) RecordOverride(ctx context.Context, o *models.ApprovalOverride) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO import_approval_overrides (
			id, request_id, session_id, recommendation, decision, risk_score,
			aggregate_confidence, threshold, approver
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.RequestID, o.SessionID, string(o.Recommendation), string(o.Decision), o.RiskScore,
		o.AggregateConfidence, o.Threshold, o.Approver,
	)
	if err != nil {
		return fmt.Errorf("failed to record approval override: %w", err)
	}
	return nil
}

func (r *approvalRepository) CalibrationStats(ctx context.Context) (*models.CalibrationStats, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	var stats models.CalibrationStats
	err = scope.Conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM import_approval_decisions
		WHERE decision IN ('approve', 'reject') AND NOT system_actor`).Scan(&stats.Decisions)
	if err != nil {
		return nil, fmt.Errorf("failed to count approval decisions: %w", err)
	}

	var suggested *float64
	err = scope.Conn.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE decision = 'approve' AND aggregate_confidence < threshold),
		       COUNT(*) FILTER (WHERE decision = 'reject' AND aggregate_confidence >= threshold),
		       AVG(aggregate_confidence) FILTER (WHERE decision = 'approve')
		FROM import_approval_overrides`).Scan(
		&stats.Overrides, &stats.ApprovedBelowThreshold, &stats.RejectedAboveThreshold, &suggested)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate approval overrides: %w", err)
	}
	if suggested != nil {
		stats.SuggestedThreshold = *suggested
	}
	if stats.Decisions > 0 {
		stats.OverrideRate = float64(stats.Overrides) / float64(stats.Decisions)
	}
	return &stats, nil
}

func scanApprovalRequests(rows pgx.Rows) ([]*models.ApprovalRequest, error) {
	var requests []*models.ApprovalRequest
	for rows.Next() {
		req, err := scanApprovalRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func scanApprovalRequest(row pgx.Row) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	var riskJSON, pathJSON, contextJSON []byte

	err := row.Scan(
		&req.ID, &req.SessionID, &req.RequestType, &riskJSON, &req.Priority, &req.AssignedApprovers, &pathJSON,
		&req.EscalationLevel, &req.Deadline, &req.Status, &req.Recommendation, &req.RecommendationConf,
		&contextJSON, &req.PreviousRequestID, &req.CreatedAt, &req.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(riskJSON, &req.Risk); err != nil {
		return nil, fmt.Errorf("failed to unmarshal risk: %w", err)
	}
	if err := json.Unmarshal(pathJSON, &req.EscalationPath); err != nil {
		return nil, fmt.Errorf("failed to unmarshal escalation path: %w", err)
	}
	if err := json.Unmarshal(contextJSON, &req.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval context: %w", err)
	}
	return &req, nil
}
