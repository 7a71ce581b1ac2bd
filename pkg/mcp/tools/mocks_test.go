package tools

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/services"
	"github.com/ekaya-inc/ekaya-import/pkg/services/approval"
)

// mockWorkflow implements the workflow calls the approver tools make.
type mockWorkflow struct {
	services.ImportWorkflowService // unimplemented methods panic

	report  *services.StatusReport
	outcome *approval.DecisionOutcome
	err     error

	gotSessionID uuid.UUID
	gotRequestID uuid.UUID
	gotDecision  approval.DecisionInput
}

func (m *mockWorkflow) GetStatus(ctx context.Context, sessionID uuid.UUID) (*services.StatusReport, error) {
	m.gotSessionID = sessionID
	if m.err != nil {
		return nil, m.err
	}
	return m.report, nil
}

func (m *mockWorkflow) ResolveApproval(ctx context.Context, requestID uuid.UUID, in approval.DecisionInput) (*approval.DecisionOutcome, error) {
	m.gotRequestID = requestID
	m.gotDecision = in
	if m.err != nil {
		return nil, m.err
	}
	return m.outcome, nil
}

// mockRouter serves pending approval listings.
type mockRouter struct {
	approval.Router // unimplemented methods panic

	pending []*models.ApprovalRequest
	err     error

	gotApprover string
}

func (m *mockRouter) ListPending(ctx context.Context, approver string) ([]*models.ApprovalRequest, error) {
	m.gotApprover = approver
	return m.pending, m.err
}
