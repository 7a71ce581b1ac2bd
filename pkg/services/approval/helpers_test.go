package approval

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/repositories"
)

// memoryApprovalRepo is an in-memory ApprovalRepository for router tests.
type memoryApprovalRepo struct {
	mu        sync.Mutex
	requests  map[uuid.UUID]*models.ApprovalRequest
	decisions []*models.ApprovalDecision
	overrides []*models.ApprovalOverride
}

func newMemoryApprovalRepo() *memoryApprovalRepo {
	return &memoryApprovalRepo{requests: make(map[uuid.UUID]*models.ApprovalRequest)}
}

var _ repositories.ApprovalRepository = (*memoryApprovalRepo)(nil)

func (m *memoryApprovalRepo) CreateRequest(ctx context.Context, req *models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *memoryApprovalRepo) GetRequest(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *req
	return &cp, nil
}

func (m *memoryApprovalRepo) GetPendingBySession(ctx context.Context, sessionID uuid.UUID) (*models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.SessionID == sessionID && req.Status == models.ApprovalStatusPending {
			cp := *req
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memoryApprovalRepo) ListPending(ctx context.Context, approver string) ([]*models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ApprovalRequest
	for _, req := range m.requests {
		if req.Status != models.ApprovalStatusPending {
			continue
		}
		if approver != "" && !slices.Contains(req.AssignedApprovers, approver) {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memoryApprovalRepo) ListExpired(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ApprovalRequest
	for _, req := range m.requests {
		if req.Status == models.ApprovalStatusPending && req.Deadline.Before(now) {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryApprovalRepo) Resolve(ctx context.Context, id uuid.UUID, status models.ApprovalStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok || req.Status != models.ApprovalStatusPending {
		return false, nil
	}
	now := time.Now()
	req.Status = status
	req.ResolvedAt = &now
	return true, nil
}

func (m *memoryApprovalRepo) Reassign(ctx context.Context, id uuid.UUID, approvers []string, deadline time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok || req.Status != models.ApprovalStatusPending {
		return false, nil
	}
	req.AssignedApprovers = slices.Clone(approvers)
	req.Deadline = deadline
	return true, nil
}

func (m *memoryApprovalRepo) AppendDecision(ctx context.Context, d *models.ApprovalDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *memoryApprovalRepo) ListDecisions(ctx context.Context, requestID uuid.UUID) ([]*models.ApprovalDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ApprovalDecision
	for _, d := range m.decisions {
		if d.RequestID == requestID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memoryApprovalRepo) RecordOverride(ctx context.Context, o *models.ApprovalOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides = append(m.overrides, o)
	return nil
}

func (m *memoryApprovalRepo) CalibrationStats(ctx context.Context) (*models.CalibrationStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.CalibrationStats{Decisions: len(m.decisions), Overrides: len(m.overrides)}
	if stats.Decisions > 0 {
		stats.OverrideRate = float64(stats.Overrides) / float64(stats.Decisions)
	}
	return stats, nil
}

func (m *memoryApprovalRepo) countByStatus(sessionID uuid.UUID, status models.ApprovalStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, req := range m.requests {
		if req.SessionID == sessionID && req.Status == status {
			n++
		}
	}
	return n
}
