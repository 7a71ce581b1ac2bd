package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/services"
	"github.com/ekaya-inc/ekaya-import/pkg/services/approval"
)

// mockWorkflow is a configurable ImportWorkflowService for handler tests.
// Each call records its inputs; err is returned from every method when set.
type mockWorkflow struct {
	session    *models.ImportSession
	extraction *models.ExtractionResult
	mapping    *models.MappingResult
	preview    *models.PreviewResult
	execute    *services.ExecuteResult
	outcome    *approval.DecisionOutcome
	report     *services.StatusReport
	events     []models.ProgressEvent
	subErr     error
	err        error

	gotCreate   services.CreateSessionRequest
	gotData     []byte
	gotSchema   *models.TargetSchema
	gotLimit    int
	gotFixes    []models.FixType
	gotExecute  services.ExecuteOptions
	gotDecision approval.DecisionInput
}

var _ services.ImportWorkflowService = (*mockWorkflow)(nil)

func (m *mockWorkflow) CreateSession(ctx context.Context, req services.CreateSessionRequest) (*models.ImportSession, error) {
	m.gotCreate = req
	if m.err != nil {
		return nil, m.err
	}
	if m.session != nil {
		return m.session, nil
	}
	return &models.ImportSession{ID: uuid.New(), Status: models.ImportStatusInitiated, File: req.File}, nil
}

func (m *mockWorkflow) Analyze(ctx context.Context, sessionID uuid.UUID, data []byte) (*models.ExtractionResult, error) {
	m.gotData = data
	if m.err != nil {
		return nil, m.err
	}
	return m.extraction, nil
}

func (m *mockWorkflow) MapFields(ctx context.Context, sessionID uuid.UUID, schema *models.TargetSchema, opts services.MapOptions) (*models.MappingResult, error) {
	m.gotSchema = schema
	if m.err != nil {
		return nil, m.err
	}
	return m.mapping, nil
}

func (m *mockWorkflow) Preview(ctx context.Context, sessionID uuid.UUID, limit int) (*models.PreviewResult, error) {
	m.gotLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.preview, nil
}

func (m *mockWorkflow) ApplyFixes(ctx context.Context, sessionID uuid.UUID, approved []models.FixType, limit int) (*models.PreviewResult, error) {
	m.gotFixes = approved
	m.gotLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.preview, nil
}

func (m *mockWorkflow) Execute(ctx context.Context, sessionID uuid.UUID, opts services.ExecuteOptions) (*services.ExecuteResult, error) {
	m.gotExecute = opts
	if m.err != nil {
		return nil, m.err
	}
	return m.execute, nil
}

func (m *mockWorkflow) ResolveApproval(ctx context.Context, requestID uuid.UUID, in approval.DecisionInput) (*approval.DecisionOutcome, error) {
	m.gotDecision = in
	if m.err != nil {
		return nil, m.err
	}
	return m.outcome, nil
}

func (m *mockWorkflow) GetStatus(ctx context.Context, sessionID uuid.UUID) (*services.StatusReport, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.report == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.report, nil
}

func (m *mockWorkflow) Cancel(ctx context.Context, sessionID uuid.UUID) (*models.ImportSession, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.ImportSession{ID: sessionID, Status: models.ImportStatusCancelled}, nil
}

// Subscribe replays the configured events and closes the channel.
func (m *mockWorkflow) Subscribe(sessionID uuid.UUID) (<-chan models.ProgressEvent, func(), error) {
	if m.subErr != nil {
		return nil, nil, m.subErr
	}
	ch := make(chan models.ProgressEvent, len(m.events))
	for _, ev := range m.events {
		ch <- ev
	}
	close(ch)
	return ch, func() {}, nil
}

func (m *mockWorkflow) SweepExpiredApprovals(ctx context.Context) (int, error) { return 0, m.err }

func (m *mockWorkflow) RunApprovalSweeper(ctx context.Context, interval time.Duration) {}

func (m *mockWorkflow) Shutdown(ctx context.Context) error { return nil }

// mockRouter serves approval reads for handler tests.
type mockRouter struct {
	approval.Router // unimplemented methods panic

	pending     []*models.ApprovalRequest
	request     *models.ApprovalRequest
	decisions   []*models.ApprovalDecision
	calibration *models.CalibrationStats
	err         error

	gotApprover string
}

func (m *mockRouter) ListPending(ctx context.Context, approver string) ([]*models.ApprovalRequest, error) {
	m.gotApprover = approver
	return m.pending, m.err
}

func (m *mockRouter) GetRequest(ctx context.Context, requestID uuid.UUID) (*models.ApprovalRequest, error) {
	return m.request, m.err
}

func (m *mockRouter) ListDecisions(ctx context.Context, requestID uuid.UUID) ([]*models.ApprovalDecision, error) {
	return m.decisions, m.err
}

func (m *mockRouter) Calibration(ctx context.Context) (*models.CalibrationStats, error) {
	return m.calibration, m.err
}
