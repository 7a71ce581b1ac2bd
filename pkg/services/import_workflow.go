package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-import/pkg/config"
	"github.com/ekaya-inc/ekaya-import/pkg/database"
	"github.com/ekaya-inc/ekaya-import/pkg/events"
	"github.com/ekaya-inc/ekaya-import/pkg/llm"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/repositories"
	"github.com/ekaya-inc/ekaya-import/pkg/services/approval"
	"github.com/ekaya-inc/ekaya-import/pkg/services/commit"
	"github.com/ekaya-inc/ekaya-import/pkg/services/extraction"
	"github.com/ekaya-inc/ekaya-import/pkg/services/mapping"
	"github.com/ekaya-inc/ekaya-import/pkg/services/recovery"
	"github.com/ekaya-inc/ekaya-import/pkg/services/validation"
)

const (
	defaultPreviewLimit = 100
	maxPreviewLimit     = 1000
)

// CreateSessionRequest starts a session for one uploaded file.
type CreateSessionRequest struct {
	Owner  string
	File   models.FileMeta
	Config models.SessionConfig
}

// MapOptions tune one mapping pass.
type MapOptions struct {
	// MinConfidence overrides the configured bar below which the classifier is consulted.
	MinConfidence float64
	// EnableExternal turns the classifier on for this pass even when the session did not.
	EnableExternal bool
}

// ExecuteOptions override session settings for the commit.
type ExecuteOptions struct {
	BatchSize  int
	SkipErrors *bool
}

// ExecuteResult reports what Execute decided. The commit itself runs in the background.
type ExecuteResult struct {
	Session      *models.ImportSession   `json:"session"`
	AutoAdvanced bool                    `json:"auto_advanced"`
	Approval     *models.ApprovalRequest `json:"approval,omitempty"`
}

// StatusReport is the current state of a session.
type StatusReport struct {
	Session  *models.ImportSession   `json:"session"`
	Approval *models.ApprovalRequest `json:"approval,omitempty"`
	Result   *models.CommitResult    `json:"result,omitempty"`
	Batches  []*models.ImportBatch   `json:"batches,omitempty"`
}

// ImportWorkflowService drives import sessions through their lifecycle:
// analyze, map, preview, then either commit directly or wait for approval.
type ImportWorkflowService interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*models.ImportSession, error)

	// Analyze extracts fields from the uploaded bytes. Fatal parse errors fail the session.
	Analyze(ctx context.Context, sessionID uuid.UUID, data []byte) (*models.ExtractionResult, error)

	// MapFields resolves source fields onto schema. A nil schema uses the
	// built-in schema of the session's entity type.
	MapFields(ctx context.Context, sessionID uuid.UUID, schema *models.TargetSchema, opts MapOptions) (*models.MappingResult, error)

	// Preview transforms and validates every record and returns up to limit rows of each kind.
	Preview(ctx context.Context, sessionID uuid.UUID, limit int) (*models.PreviewResult, error)

	// ApplyFixes approves fix types and re-validates the records.
	ApplyFixes(ctx context.Context, sessionID uuid.UUID, approved []models.FixType, limit int) (*models.PreviewResult, error)

	// Execute auto-advances to processing or opens an approval request. It returns
	// once the decision is made; records are committed in the background.
	Execute(ctx context.Context, sessionID uuid.UUID, opts ExecuteOptions) (*ExecuteResult, error)

	// ResolveApproval applies an approver's decision and moves the session accordingly.
	ResolveApproval(ctx context.Context, requestID uuid.UUID, in approval.DecisionInput) (*approval.DecisionOutcome, error)

	GetStatus(ctx context.Context, sessionID uuid.UUID) (*StatusReport, error)

	// Cancel stops a session. A committing session finishes its in-flight chunks first.
	Cancel(ctx context.Context, sessionID uuid.UUID) (*models.ImportSession, error)

	// Subscribe streams the session's progress events until it ends.
	Subscribe(sessionID uuid.UUID) (<-chan models.ProgressEvent, func(), error)

	// SweepExpiredApprovals applies the timeout policy to persisted requests past their deadline.
	SweepExpiredApprovals(ctx context.Context) (int, error)

	// RunApprovalSweeper sweeps immediately and then on every interval until ctx ends.
	RunApprovalSweeper(ctx context.Context, interval time.Duration)

	// Shutdown waits for running commits until ctx ends, then stops timers.
	Shutdown(ctx context.Context) error
}

type importWorkflowService struct {
	store     *SessionStore
	repo      repositories.ImportSessionRepository
	batchRepo repositories.ImportBatchRepository
	scope     database.ScopeFunc
	extractor extraction.Extractor
	engine    mapping.Engine
	cache     mapping.Cache
	validator validation.Validator
	recovery  recovery.Service
	router    approval.Router
	committer commit.Committer
	broker    *events.Broker
	cfg       *config.Config
	logger    *zap.Logger

	ctx     context.Context
	stop    context.CancelFunc
	running sync.WaitGroup
}

// NewImportWorkflowService creates the workflow orchestrator.
func NewImportWorkflowService(
	repo repositories.ImportSessionRepository,
	batchRepo repositories.ImportBatchRepository,
	scope database.ScopeFunc,
	extractor extraction.Extractor,
	engine mapping.Engine,
	cache mapping.Cache,
	validator validation.Validator,
	recoverySvc recovery.Service,
	router approval.Router,
	committer commit.Committer,
	broker *events.Broker,
	cfg *config.Config,
	logger *zap.Logger,
) ImportWorkflowService {
	ctx, stop := context.WithCancel(context.Background())
	s := &importWorkflowService{
		store:     NewSessionStore(cfg.Import.SessionRetention(), logger),
		repo:      repo,
		batchRepo: batchRepo,
		scope:     scope,
		extractor: extractor,
		engine:    engine,
		cache:     cache,
		validator: validator,
		recovery:  recoverySvc,
		router:    router,
		committer: committer,
		broker:    broker,
		cfg:       cfg,
		logger:    logger.Named("import-workflow"),
		ctx:       ctx,
		stop:      stop,
	}
	s.store.OnRemove(broker.Forget)
	return s
}

var _ ImportWorkflowService = (*importWorkflowService)(nil)

// ============================================================================
// Session lifecycle
// ============================================================================

func (s *importWorkflowService) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.ImportSession, error) {
	cfg := req.Config.WithDefaults(
		s.cfg.Import.DefaultEntityType,
		s.cfg.Import.DefaultBatchSize,
		s.cfg.Import.AutoAdvanceThreshold,
	)
	if cfg.AutoAdvanceThreshold > 1 {
		return nil, fmt.Errorf("%w: auto_advance_threshold must be within (0, 1]", apperrors.ErrInvalidRequest)
	}
	if s.cfg.Import.MaxBatchSize > 0 && cfg.BatchSize > s.cfg.Import.MaxBatchSize {
		return nil, fmt.Errorf("%w: batch_size exceeds %d", apperrors.ErrInvalidRequest, s.cfg.Import.MaxBatchSize)
	}
	for _, ft := range cfg.ApprovedFixTypes {
		if !models.IsValidFixType(ft) {
			return nil, fmt.Errorf("%w: unknown fix type %q", apperrors.ErrInvalidRequest, ft)
		}
	}
	if cfg.EnableExternal && !s.cfg.Classifier.Enabled {
		s.logger.Debug("External classifier requested but not configured",
			zap.String("owner", req.Owner))
	}

	now := time.Now()
	session := &models.ImportSession{
		ID:        uuid.New(),
		Owner:     req.Owner,
		File:      req.File,
		Status:    models.ImportStatusInitiated,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.withScope(ctx, func(ctx context.Context) error {
		return s.repo.Save(ctx, session)
	}); err != nil {
		return nil, fmt.Errorf("failed to create import session: %w", err)
	}

	entry := s.store.create(session)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	s.publish(entry, models.EventProgress, "Import session created")

	s.logger.Info("Created import session",
		zap.String("session_id", session.ID.String()),
		zap.String("owner", session.Owner),
		zap.String("entity_type", cfg.EntityType),
		zap.String("file", session.File.Name))
	return entry.snapshot(), nil
}

func (s *importWorkflowService) Analyze(ctx context.Context, sessionID uuid.UUID, data []byte) (*models.ExtractionResult, error) {
	entry, err := s.lockEntry(sessionID)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	if err := requireStatus(entry, models.ImportStatusInitiated); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, entry, models.ImportStatusAnalyzing, "Analyzing file"); err != nil {
		return nil, err
	}

	if entry.session.File.Size == 0 {
		entry.session.File.Size = int64(len(data))
	}
	result, err := s.extractor.Extract(ctx, data, entry.session.File.Name)
	if err != nil {
		s.fail(ctx, entry, err)
		return nil, err
	}

	entry.extraction = result
	entry.session.File.Format = result.Format
	entry.session.Headerless = result.Headerless
	entry.session.ParseConfidence = result.Confidence
	entry.session.Progress.Total = result.TotalRecords
	for _, w := range result.Warnings {
		entry.session.AppendError("extraction_warning", w, false)
	}
	s.persist(ctx, entry)
	s.publish(entry, models.EventProgress,
		fmt.Sprintf("Found %d fields in %d records", len(result.Fields), result.TotalRecords))

	s.logger.Info("Analyzed import file",
		zap.String("session_id", sessionID.String()),
		zap.String("format", string(result.Format)),
		zap.Int("fields", len(result.Fields)),
		zap.Int("records", result.TotalRecords),
		zap.Int("corrupted_rows", result.CorruptedRows),
		zap.Bool("headerless", result.Headerless))
	return result, nil
}

func (s *importWorkflowService) MapFields(ctx context.Context, sessionID uuid.UUID, schema *models.TargetSchema, opts MapOptions) (*models.MappingResult, error) {
	entry, err := s.lockEntry(sessionID)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	if err := requireStatus(entry,
		models.ImportStatusAnalyzing,
		models.ImportStatusMappingComplete,
		models.ImportStatusPreviewReady,
	); err != nil {
		return nil, err
	}
	if entry.extraction == nil {
		return nil, apperrors.ErrNotAnalyzed
	}

	cfg := &entry.session.Config
	if schema == nil {
		builtin, ok := models.GetCatalogSchema(cfg.EntityType)
		if !ok {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownEntityType, cfg.EntityType)
		}
		schema = builtin
	} else if schema.EntityType != "" {
		cfg.EntityType = schema.EntityType
	}
	if len(schema.Fields) == 0 {
		return nil, fmt.Errorf("%w: target schema has no fields", apperrors.ErrInvalidRequest)
	}

	if err := s.transition(ctx, entry, models.ImportStatusMapping, "Mapping fields"); err != nil {
		return nil, err
	}

	result, err := s.engine.Resolve(ctx, entry.extraction.Fields, schema, mapping.Options{
		EntityType:     cfg.EntityType,
		MinConfidence:  opts.MinConfidence,
		EnableExternal: cfg.EnableExternal || opts.EnableExternal,
		Budget:         s.budgetFor(entry),
		Cancelled:      entry.cancelled.Load,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrCancelled) {
			s.cancelLocked(ctx, entry, "Import cancelled during mapping")
			return nil, err
		}
		s.fail(ctx, entry, err)
		return nil, err
	}

	result.SessionID = sessionID
	entry.schema = schema
	entry.mapping = result
	entry.rows = nil
	entry.fixReport = nil
	entry.fixesTotal = 0

	for _, w := range result.Metadata.Warnings {
		entry.session.AppendError(w.Kind, w.Message, false)
	}
	if result.Metadata.ExternalFailures > 0 {
		entry.session.AppendError("external_classifier",
			fmt.Sprintf("%d classifier calls failed or were refused; local strategies were used", result.Metadata.ExternalFailures),
			false)
	}
	entry.session.AggregateConfidence = mapping.Aggregate(result.Mappings, 0)

	if err := s.transition(ctx, entry, models.ImportStatusMappingComplete,
		fmt.Sprintf("Mapped %d of %d fields", result.Metadata.MappedCount, len(result.Mappings))); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *importWorkflowService) Preview(ctx context.Context, sessionID uuid.UUID, limit int) (*models.PreviewResult, error) {
	entry, err := s.lockEntry(sessionID)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	if err := requireStatus(entry, models.ImportStatusMappingComplete, models.ImportStatusPreviewReady); err != nil {
		return nil, err
	}
	if entry.mapping == nil {
		return nil, apperrors.ErrNotMapped
	}

	// A ready preview is served as is; re-validation only follows a new mapping or fixes.
	if entry.session.Status == models.ImportStatusPreviewReady && entry.rows != nil {
		return s.previewResult(entry, limit), nil
	}

	if err := s.transition(ctx, entry, models.ImportStatusGeneratingPreview, "Generating preview"); err != nil {
		return nil, err
	}

	rows := validation.Transform(entry.extraction.Rows, entry.extraction.FieldNames(), entry.mapping.Mappings)
	errs := s.validator.ValidateRows(rows, entry.schema)
	if err := s.fixRows(ctx, entry, rows, errs, entry.session.Config.ApprovedFixTypes); err != nil {
		s.fail(ctx, entry, err)
		return nil, err
	}

	if err := s.transition(ctx, entry, models.ImportStatusPreviewReady, previewMessage(&entry.stats)); err != nil {
		return nil, err
	}
	return s.previewResult(entry, limit), nil
}

func (s *importWorkflowService) ApplyFixes(ctx context.Context, sessionID uuid.UUID, approved []models.FixType, limit int) (*models.PreviewResult, error) {
	for _, ft := range approved {
		if !models.IsValidFixType(ft) {
			return nil, fmt.Errorf("%w: unknown fix type %q", apperrors.ErrInvalidRequest, ft)
		}
	}

	entry, err := s.lockEntry(sessionID)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	if err := requireStatus(entry, models.ImportStatusPreviewReady); err != nil {
		return nil, err
	}

	cfg := &entry.session.Config
	for _, ft := range approved {
		if !slices.Contains(cfg.ApprovedFixTypes, ft) {
			cfg.ApprovedFixTypes = append(cfg.ApprovedFixTypes, ft)
		}
	}

	if err := s.transition(ctx, entry, models.ImportStatusGeneratingPreview, "Applying approved fixes"); err != nil {
		return nil, err
	}

	var errs []models.ValidationError
	for _, row := range entry.rows {
		errs = append(errs, row.Errors...)
	}
	if err := s.fixRows(ctx, entry, entry.rows, errs, cfg.ApprovedFixTypes); err != nil {
		s.fail(ctx, entry, err)
		return nil, err
	}

	if err := s.transition(ctx, entry, models.ImportStatusPreviewReady, previewMessage(&entry.stats)); err != nil {
		return nil, err
	}
	return s.previewResult(entry, limit), nil
}

// fixRows proposes fixes for errs, applies the eligible ones and refreshes the statistics.
func (s *importWorkflowService) fixRows(ctx context.Context, entry *sessionEntry, rows []models.PreviewRow, errs []models.ValidationError, approved []models.FixType) error {
	fixes, err := s.recovery.Analyze(ctx, errs, entry.schema)
	if err != nil {
		return fmt.Errorf("failed to analyze validation errors: %w", err)
	}
	fixed, report, err := s.recovery.ApplyFixes(ctx, rows, fixes, approved, entry.schema)
	if err != nil {
		return fmt.Errorf("failed to apply fixes: %w", err)
	}

	entry.rows = fixed
	entry.fixReport = report
	entry.fixesTotal += len(report.Applied)

	stats := validation.Summarize(fixed, entry.schema, entry.mapping.Mappings)
	stats.FixesApplied = entry.fixesTotal
	stats.FixesPending = len(report.Pending)
	stats.PendingFixTypes = report.PendingTypes
	stats.AggregateConfidence = mapping.Aggregate(entry.mapping.Mappings, stats.ErrorDensity)
	entry.stats = stats
	entry.session.AggregateConfidence = stats.AggregateConfidence
	return nil
}

func (s *importWorkflowService) previewResult(entry *sessionEntry, limit int) *models.PreviewResult {
	if limit <= 0 {
		limit = defaultPreviewLimit
	}
	limit = min(limit, maxPreviewLimit)

	valid, invalid := validation.SplitRows(entry.rows)
	return &models.PreviewResult{
		ValidRows:  valid[:min(limit, len(valid))],
		ErrorRows:  invalid[:min(limit, len(invalid))],
		Statistics: entry.stats,
		Fixes:      entry.fixReport,
	}
}

func previewMessage(stats *models.PreviewStatistics) string {
	return fmt.Sprintf("Preview ready: %d valid, %d with errors", stats.ValidRows, stats.ErrorRows)
}

// ============================================================================
// Execution and approval
// ============================================================================

func (s *importWorkflowService) Execute(ctx context.Context, sessionID uuid.UUID, opts ExecuteOptions) (*ExecuteResult, error) {
	entry, err := s.lockEntry(sessionID)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	if err := requireStatus(entry, models.ImportStatusPreviewReady); err != nil {
		return nil, err
	}

	cfg := &entry.session.Config
	if opts.BatchSize > 0 {
		if s.cfg.Import.MaxBatchSize > 0 && opts.BatchSize > s.cfg.Import.MaxBatchSize {
			return nil, fmt.Errorf("%w: batch_size exceeds %d", apperrors.ErrInvalidRequest, s.cfg.Import.MaxBatchSize)
		}
		cfg.BatchSize = opts.BatchSize
	}
	if opts.SkipErrors != nil {
		cfg.SkipErrors = *opts.SkipErrors
	}

	if canAutoAdvance(&entry.stats, cfg.AutoAdvanceThreshold) {
		if err := s.startProcessing(ctx, entry, "Confidence above threshold, committing records"); err != nil {
			return nil, err
		}
		return &ExecuteResult{Session: entry.snapshot(), AutoAdvanced: true}, nil
	}

	req, err := s.router.CreateRequest(ctx, sessionID, s.riskInput(entry))
	if err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}
	entry.session.ApprovalRequestID = &req.ID
	if err := s.transition(ctx, entry, models.ImportStatusAwaitingApproval,
		fmt.Sprintf("Waiting for approval (%s risk)", req.Risk.Level)); err != nil {
		return nil, err
	}
	s.armApprovalTimer(entry, req)

	s.logger.Info("Import routed for approval",
		zap.String("session_id", sessionID.String()),
		zap.String("request_id", req.ID.String()),
		zap.String("risk_level", string(req.Risk.Level)),
		zap.Float64("aggregate_confidence", entry.stats.AggregateConfidence),
		zap.Strings("approvers", req.AssignedApprovers))
	return &ExecuteResult{Session: entry.snapshot(), Approval: req}, nil
}

// canAutoAdvance is the auto-advance rule: aggregate confidence at or above the
// threshold and no remaining high-severity errors.
func canAutoAdvance(stats *models.PreviewStatistics, threshold float64) bool {
	return stats.AggregateConfidence >= threshold && stats.HighSeverityErrors() == 0
}

func (s *importWorkflowService) riskInput(entry *sessionEntry) approval.RiskInput {
	var unmapped []string
	for _, m := range entry.mapping.Mappings {
		if !m.IsMapped() {
			unmapped = append(unmapped, m.SourceField)
		}
	}
	return approval.RiskInput{
		EntityType:          entry.session.Config.EntityType,
		AggregateConfidence: entry.stats.AggregateConfidence,
		Threshold:           entry.session.Config.AutoAdvanceThreshold,
		TotalRecords:        len(entry.rows),
		ErrorsBySeverity:    entry.stats.ErrorsBySeverity,
		ErrorDensity:        entry.stats.ErrorDensity,
		UnmappedFields:      unmapped,
		PendingFixTypes:     entry.stats.PendingFixTypes,
	}
}

func (s *importWorkflowService) ResolveApproval(ctx context.Context, requestID uuid.UUID, in approval.DecisionInput) (*approval.DecisionOutcome, error) {
	req, err := s.router.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperrors.ErrNotFound
	}

	entry, ok := s.store.get(req.SessionID)
	if !ok {
		outcome, err := s.router.Decide(ctx, requestID, in)
		if err != nil {
			return nil, err
		}
		s.settleOrphan(ctx, req.SessionID, outcome.Request.Status)
		return outcome, nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	outcome, err := s.router.Decide(ctx, requestID, in)
	if err != nil {
		return nil, err
	}
	if entry.session.Status != models.ImportStatusAwaitingApproval {
		s.logger.Warn("Decision recorded for a session that is no longer awaiting approval",
			zap.String("session_id", req.SessionID.String()),
			zap.String("status", string(entry.session.Status)))
		return outcome, nil
	}

	switch outcome.Request.Status {
	case models.ApprovalStatusApproved:
		entry.stopApprovalTimer()
		msg := fmt.Sprintf("Approved by %s, committing records", in.Approver)
		if err := s.startProcessing(ctx, entry, msg); err != nil {
			return outcome, err
		}
	case models.ApprovalStatusRejected:
		entry.stopApprovalTimer()
		entry.session.AppendError("approval_rejected",
			fmt.Sprintf("rejected by %s: %s", in.Approver, in.Reasoning), false)
		s.cancelLocked(ctx, entry, fmt.Sprintf("Rejected by %s", in.Approver))
	case models.ApprovalStatusEscalated:
		if outcome.Next != nil {
			entry.session.ApprovalRequestID = &outcome.Next.ID
			s.armApprovalTimer(entry, outcome.Next)
			s.persist(ctx, entry)
			s.publish(entry, models.EventProgress,
				fmt.Sprintf("Escalated by %s to %v", in.Approver, outcome.Next.AssignedApprovers))
		}
	default:
		if in.Decision == models.DecisionDelegate {
			s.publish(entry, models.EventProgress,
				fmt.Sprintf("Delegated by %s to %v", in.Approver, outcome.Request.AssignedApprovers))
		}
	}
	return outcome, nil
}

// armApprovalTimer schedules the deadline of req. No goroutine waits in between.
func (s *importWorkflowService) armApprovalTimer(entry *sessionEntry, req *models.ApprovalRequest) {
	entry.stopApprovalTimer()
	sessionID, requestID := req.SessionID, req.ID
	wait := max(time.Until(req.Deadline), 0)
	entry.approvalTimer = time.AfterFunc(wait, func() {
		s.expireApproval(s.ctx, sessionID, requestID)
	})
}

func (s *importWorkflowService) expireApproval(ctx context.Context, sessionID, requestID uuid.UUID) {
	entry, ok := s.store.get(sessionID)
	if !ok {
		s.expireOrphan(ctx, sessionID, requestID)
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	current := entry.session.ApprovalRequestID
	if entry.session.Status != models.ImportStatusAwaitingApproval || current == nil || *current != requestID {
		return
	}

	outcome, err := s.router.Expire(ctx, requestID)
	if err != nil {
		var resolved *apperrors.AlreadyResolvedError
		if !errors.As(err, &resolved) {
			s.logger.Error("Failed to expire approval request",
				zap.String("session_id", sessionID.String()),
				zap.String("request_id", requestID.String()),
				zap.Error(err))
		}
		return
	}

	if outcome.Next != nil {
		entry.session.ApprovalRequestID = &outcome.Next.ID
		s.armApprovalTimer(entry, outcome.Next)
		s.persist(ctx, entry)
		s.publish(entry, models.EventProgress,
			fmt.Sprintf("Approval deadline passed, escalated to %v", outcome.Next.AssignedApprovers))
		return
	}
	if outcome.TimedOut {
		entry.approvalTimer = nil
		entry.session.AppendError(apperrors.Kind(outcome.Err), outcome.Err.Error(), false)
		if err := s.transition(ctx, entry, models.ImportStatusTimeout, "Approval deadline passed"); err != nil {
			s.logger.Error("Failed to time out session", zap.String("session_id", sessionID.String()), zap.Error(err))
			return
		}
		s.finish(ctx, entry)
	}
}

// expireOrphan handles a deadline whose session is no longer held in memory.
func (s *importWorkflowService) expireOrphan(ctx context.Context, sessionID, requestID uuid.UUID) {
	outcome, err := s.router.Expire(ctx, requestID)
	if err != nil {
		var resolved *apperrors.AlreadyResolvedError
		if !errors.As(err, &resolved) {
			s.logger.Error("Failed to expire approval request",
				zap.String("request_id", requestID.String()),
				zap.Error(err))
		}
		return
	}
	if outcome.TimedOut {
		s.settleOrphan(ctx, sessionID, models.ApprovalStatusTimedOut)
	}
}

// settleOrphan moves a persisted session whose working set is gone to the
// terminal status matching an approval resolution. Records are never held
// outside memory, so an approved orphan cannot be committed and fails.
func (s *importWorkflowService) settleOrphan(ctx context.Context, sessionID uuid.UUID, status models.ApprovalStatus) {
	var target models.ImportStatus
	var kind, message string
	switch status {
	case models.ApprovalStatusApproved:
		target, kind, message = models.ImportStatusFailed, "session_expired", "approved after the session working set was released"
	case models.ApprovalStatusRejected:
		target, kind, message = models.ImportStatusCancelled, "approval_rejected", "rejected by approver"
	case models.ApprovalStatusTimedOut:
		target, kind, message = models.ImportStatusTimeout, "approval_timeout", "approval deadline passed"
	default:
		return
	}

	err := s.withScope(ctx, func(ctx context.Context) error {
		session, err := s.repo.GetByID(ctx, sessionID)
		if err != nil || session == nil || !session.Status.CanTransitionTo(target) {
			return err
		}
		now := time.Now()
		session.Status = target
		session.CompletedAt = &now
		session.AppendError(kind, message, target == models.ImportStatusFailed)
		return s.repo.Save(ctx, session)
	})
	if err != nil {
		s.logger.Error("Failed to settle session without working set",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
	}
}

func (s *importWorkflowService) SweepExpiredApprovals(ctx context.Context) (int, error) {
	expired, err := s.router.ListExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired approvals: %w", err)
	}
	for _, req := range expired {
		s.expireApproval(ctx, req.SessionID, req.ID)
	}
	if len(expired) > 0 {
		s.logger.Info("Swept expired approval requests", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

func (s *importWorkflowService) RunApprovalSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		s.logger.Info("Approval sweeper started", zap.Duration("interval", interval))

		// Run immediately on startup to catch deadlines missed while down.
		s.sweep(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Approval sweeper stopped")
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *importWorkflowService) sweep(ctx context.Context) {
	if _, err := s.SweepExpiredApprovals(ctx); err != nil {
		s.logger.Error("Approval sweep failed", zap.Error(err))
	}
}

// ============================================================================
// Commit
// ============================================================================

// startProcessing enters processing and commits the session's records in the background.
// Caller holds entry.mu.
func (s *importWorkflowService) startProcessing(ctx context.Context, entry *sessionEntry, message string) error {
	if err := s.transition(ctx, entry, models.ImportStatusProcessing, message); err != nil {
		return err
	}

	cfg := entry.session.Config
	s.cache.RecordConfirmed(s.ctx, cfg.EntityType, entry.mapping.Mappings)

	req := commit.Request{
		SessionID:  entry.session.ID,
		Schema:     entry.schema,
		Rows:       entry.rows,
		BatchSize:  cfg.BatchSize,
		SkipErrors: cfg.SkipErrors,
		Cancelled:  entry.cancelled.Load,
		OnProgress: func(p commit.Progress) { s.onCommitProgress(entry, p) },
	}
	done := make(chan struct{})
	entry.commitDone = done

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer close(done)
		s.runCommit(entry, req)
	}()
	return nil
}

func (s *importWorkflowService) runCommit(entry *sessionEntry, req commit.Request) {
	ctx := s.ctx
	result, err := s.committer.Commit(ctx, req)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.result = result
	if result != nil {
		entry.session.Progress.Total = result.TotalRecords
		entry.session.Progress.Succeeded = result.Succeeded
		entry.session.Progress.Failed = result.Failed
	}

	switch {
	case result != nil && result.Cancelled:
		s.cancelLocked(ctx, entry, fmt.Sprintf("Import cancelled after %d records", entry.session.Progress.Processed))
	case err != nil:
		s.fail(ctx, entry, err)
	default:
		msg := fmt.Sprintf("Imported %d records, %d failed", result.Succeeded, result.Failed)
		if err := s.transition(ctx, entry, models.ImportStatusCompleted, msg); err != nil {
			s.logger.Error("Failed to complete session", zap.String("session_id", req.SessionID.String()), zap.Error(err))
			return
		}
		s.finish(ctx, entry)
	}
}

func (s *importWorkflowService) onCommitProgress(entry *sessionEntry, p commit.Progress) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.session.Progress = p.ImportProgress
	entry.percentage = processingPercentage(&p.ImportProgress)
	s.persist(s.ctx, entry)
	s.broker.Publish(s.ctx, models.ProgressEvent{
		SessionID:        entry.session.ID,
		Type:             models.EventProgress,
		Step:             models.ImportStatusProcessing,
		Percentage:       entry.percentage,
		Message:          fmt.Sprintf("Committed chunk %d of %d", p.CompletedChunks, p.TotalChunks),
		Processed:        p.Processed,
		Total:            p.Total,
		RecordsPerSecond: p.RecordsPerSecond,
		ETAMs:            p.ETAMs,
	})
}

// processingPercentage spreads commit progress over the part of the bar after
// the processing step, stopping short of 100 until the session completes.
func processingPercentage(p *models.ImportProgress) int {
	base := models.ImportStatusProcessing.StepPercentage()
	pct := base + p.Percentage()*(100-base)/100
	return min(pct, 99)
}

// ============================================================================
// Status, cancel, subscribe
// ============================================================================

func (s *importWorkflowService) GetStatus(ctx context.Context, sessionID uuid.UUID) (*StatusReport, error) {
	report := &StatusReport{}
	if entry, ok := s.store.get(sessionID); ok {
		entry.mu.Lock()
		report.Session = entry.snapshot()
		report.Result = entry.result
		entry.mu.Unlock()
	} else {
		err := s.withScope(ctx, func(ctx context.Context) error {
			session, err := s.repo.GetByID(ctx, sessionID)
			report.Session = session
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load import session: %w", err)
		}
		if report.Session == nil {
			return nil, apperrors.ErrNotFound
		}
	}

	if id := report.Session.ApprovalRequestID; id != nil {
		req, err := s.router.GetRequest(ctx, *id)
		if err != nil {
			s.logger.Warn("Failed to load approval request",
				zap.String("request_id", id.String()),
				zap.Error(err))
		}
		report.Approval = req
	}

	if report.Session.StartedAt != nil {
		err := s.withScope(ctx, func(ctx context.Context) error {
			batches, err := s.batchRepo.ListBySession(ctx, sessionID)
			report.Batches = batches
			return err
		})
		if err != nil {
			s.logger.Warn("Failed to list import batches",
				zap.String("session_id", sessionID.String()),
				zap.Error(err))
		}
	}
	return report, nil
}

func (s *importWorkflowService) Cancel(ctx context.Context, sessionID uuid.UUID) (*models.ImportSession, error) {
	entry, ok := s.store.get(sessionID)
	if !ok {
		return s.cancelPersisted(ctx, sessionID)
	}

	// Set before locking so a running mapping pass or commit sees it.
	entry.cancelled.Store(true)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	status := entry.session.Status
	switch {
	case status == models.ImportStatusCancelled:
		return entry.snapshot(), nil
	case status.IsTerminal():
		return nil, apperrors.ErrSessionTerminal
	case status == models.ImportStatusProcessing:
		s.publish(entry, models.EventProgress, "Cancelling after in-flight chunks")
		return entry.snapshot(), nil
	case status == models.ImportStatusAwaitingApproval:
		entry.stopApprovalTimer()
		if err := s.router.CancelPending(ctx, sessionID); err != nil {
			s.logger.Warn("Failed to cancel pending approval",
				zap.String("session_id", sessionID.String()),
				zap.Error(err))
		}
	}

	s.cancelLocked(ctx, entry, "Import cancelled")
	return entry.snapshot(), nil
}

func (s *importWorkflowService) cancelPersisted(ctx context.Context, sessionID uuid.UUID) (*models.ImportSession, error) {
	var session *models.ImportSession
	err := s.withScope(ctx, func(ctx context.Context) error {
		var err error
		session, err = s.repo.GetByID(ctx, sessionID)
		if err != nil || session == nil || session.Status.IsTerminal() {
			return err
		}
		now := time.Now()
		session.Status = models.ImportStatusCancelled
		session.CompletedAt = &now
		return s.repo.Save(ctx, session)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel import session: %w", err)
	}
	if session == nil {
		return nil, apperrors.ErrNotFound
	}
	if session.Status != models.ImportStatusCancelled {
		return nil, apperrors.ErrSessionTerminal
	}
	if err := s.router.CancelPending(ctx, sessionID); err != nil {
		s.logger.Warn("Failed to cancel pending approval",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
	}
	return session, nil
}

// Subscribe holds the entry lock so the stream cannot be closed between the
// liveness check and the subscription. Terminal sessions have a closed stream
// and are reported as not live.
func (s *importWorkflowService) Subscribe(sessionID uuid.UUID) (<-chan models.ProgressEvent, func(), error) {
	entry, ok := s.store.get(sessionID)
	if !ok {
		return nil, nil, apperrors.ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.session.Status.IsTerminal() {
		return nil, nil, apperrors.ErrNotFound
	}
	ch, unsubscribe := s.broker.Subscribe(sessionID)
	return ch, unsubscribe, nil
}

func (s *importWorkflowService) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("commits still running at shutdown: %w", ctx.Err())
	}
	s.stop()
	s.store.Close()
	s.cache.Wait()
	return err
}

// ============================================================================
// Transitions
// ============================================================================

func (s *importWorkflowService) lockEntry(sessionID uuid.UUID) (*sessionEntry, error) {
	entry, ok := s.store.get(sessionID)
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	entry.mu.Lock()
	return entry, nil
}

func requireStatus(entry *sessionEntry, allowed ...models.ImportStatus) error {
	status := entry.session.Status
	if status.IsTerminal() {
		return apperrors.ErrSessionTerminal
	}
	if !slices.Contains(allowed, status) {
		return fmt.Errorf("%w: operation not allowed in %s", apperrors.ErrInvalidTransition, status)
	}
	return nil
}

// transition moves the session to status, persists it and publishes the entry event.
// Caller holds entry.mu.
func (s *importWorkflowService) transition(ctx context.Context, entry *sessionEntry, status models.ImportStatus, message string) error {
	from := entry.session.Status
	if !from.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, from, status)
	}

	now := time.Now()
	entry.session.Status = status
	switch {
	case status == models.ImportStatusProcessing:
		entry.session.StartedAt = &now
	case status.IsTerminal():
		entry.session.CompletedAt = &now
	}
	switch {
	case status == models.ImportStatusCompleted:
		entry.percentage = 100
	case !status.IsTerminal():
		entry.percentage = status.StepPercentage()
	}

	s.persist(ctx, entry)

	eventType := models.EventProgress
	switch status {
	case models.ImportStatusCompleted, models.ImportStatusCancelled:
		eventType = models.EventComplete
	case models.ImportStatusFailed, models.ImportStatusTimeout:
		eventType = models.EventError
	}
	s.publish(entry, eventType, message)

	s.logger.Debug("Session transition",
		zap.String("session_id", entry.session.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(status)))
	return nil
}

// fail records a fatal error and moves the session to failed. Caller holds entry.mu.
func (s *importWorkflowService) fail(ctx context.Context, entry *sessionEntry, cause error) {
	entry.session.AppendError(apperrors.Kind(cause), cause.Error(), true)
	if err := s.transition(ctx, entry, models.ImportStatusFailed, cause.Error()); err != nil {
		s.logger.Error("Failed to mark session failed",
			zap.String("session_id", entry.session.ID.String()),
			zap.Error(err))
		return
	}
	s.logger.Error("Import session failed",
		zap.String("session_id", entry.session.ID.String()),
		zap.String("kind", apperrors.Kind(cause)),
		zap.Error(cause))
	s.finish(ctx, entry)
}

// cancelLocked moves the session to cancelled. Caller holds entry.mu.
func (s *importWorkflowService) cancelLocked(ctx context.Context, entry *sessionEntry, message string) {
	if err := s.transition(ctx, entry, models.ImportStatusCancelled, message); err != nil {
		s.logger.Warn("Failed to cancel session",
			zap.String("session_id", entry.session.ID.String()),
			zap.Error(err))
		return
	}
	s.finish(ctx, entry)
}

// finish runs the terminal bookkeeping: cache feedback, closing the event
// stream and scheduling removal of the working set. Caller holds entry.mu.
func (s *importWorkflowService) finish(ctx context.Context, entry *sessionEntry) {
	entry.stopApprovalTimer()

	status := entry.session.Status
	if entry.mapping != nil && entry.session.StartedAt != nil {
		s.cache.RecordOutcome(s.ctx, entry.session.Config.EntityType, entry.mapping.Mappings, mapping.OutcomeForStatus(status))
	}

	s.broker.CloseSession(entry.session.ID)
	s.store.retire(entry.session.ID)

	s.logger.Info("Import session finished",
		zap.String("session_id", entry.session.ID.String()),
		zap.String("status", string(status)),
		zap.Int("succeeded", entry.session.Progress.Succeeded),
		zap.Int("failed", entry.session.Progress.Failed))
}

// persist saves the session snapshot. In-memory state stays authoritative
// when the write fails; the next transition writes the full row again.
func (s *importWorkflowService) persist(ctx context.Context, entry *sessionEntry) {
	err := s.withScope(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return s.repo.Save(ctx, entry.session)
	})
	if err != nil {
		s.logger.Error("Failed to persist import session",
			zap.String("session_id", entry.session.ID.String()),
			zap.String("status", string(entry.session.Status)),
			zap.Error(err))
	}
}

func (s *importWorkflowService) publish(entry *sessionEntry, eventType models.EventType, message string) {
	p := entry.session.Progress
	s.broker.Publish(s.ctx, models.ProgressEvent{
		SessionID:  entry.session.ID,
		Type:       eventType,
		Step:       entry.session.Status,
		Percentage: entry.percentage,
		Message:    message,
		Processed:  p.Processed,
		Total:      p.Total,
	})
}

func (s *importWorkflowService) budgetFor(entry *sessionEntry) *llm.Budget {
	if entry.budget == nil {
		ceiling := entry.session.Config.CostCeiling
		if ceiling <= 0 {
			ceiling = s.cfg.Classifier.SessionCostCeiling
		}
		entry.budget = llm.NewBudget(ceiling, s.cfg.Classifier.CostPerCall)
	}
	return entry.budget
}

func (s *importWorkflowService) withScope(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cleanup, err := s.scope(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx)
}
