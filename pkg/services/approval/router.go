// Package approval assesses import risk and routes risky sessions to human approvers.
package approval

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-import/pkg/config"
	"github.com/ekaya-inc/ekaya-import/pkg/database"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/repositories"
)

// ErrNoEscalationTier is returned when escalating a request on its last tier.
var ErrNoEscalationTier = fmt.Errorf("%w: no further escalation tier", apperrors.ErrInvalidTransition)

// SystemActor is the approver name used for deadline-driven decisions.
const SystemActor = "system"

// DecisionInput is one approver's decision on a request.
type DecisionInput struct {
	Approver   string
	Decision   models.DecisionType
	DelegateTo []string
	Reasoning  string
}

// DecisionOutcome describes what a decision did.
type DecisionOutcome struct {
	Request  *models.ApprovalRequest // the decided request, with its new status
	Next     *models.ApprovalRequest // request opened by an escalation, if any
	Decision *models.ApprovalDecision
	Override bool
}

// ExpiryOutcome describes how a missed deadline was handled.
type ExpiryOutcome struct {
	Request *models.ApprovalRequest
	Next    *models.ApprovalRequest // set when the request escalated to another tier
	// TimedOut is true when the session must move to timeout.
	TimedOut bool
	Err      *apperrors.ApprovalTimeoutError
}

// Router creates approval requests and records decisions.
type Router interface {
	// Assess scores a session without creating anything.
	Assess(in RiskInput) models.RiskAssessment

	// CreateRequest opens a pending request for a session.
	CreateRequest(ctx context.Context, sessionID uuid.UUID, in RiskInput) (*models.ApprovalRequest, error)

	// Decide applies an approver's decision.
	Decide(ctx context.Context, requestID uuid.UUID, in DecisionInput) (*DecisionOutcome, error)

	// Expire applies the timeout policy to a pending request past its deadline.
	Expire(ctx context.Context, requestID uuid.UUID) (*ExpiryOutcome, error)

	// CancelPending cancels a session's pending request, if any.
	CancelPending(ctx context.Context, sessionID uuid.UUID) error

	GetRequest(ctx context.Context, requestID uuid.UUID) (*models.ApprovalRequest, error)
	ListPending(ctx context.Context, approver string) ([]*models.ApprovalRequest, error)
	ListExpired(ctx context.Context) ([]*models.ApprovalRequest, error)
	ListDecisions(ctx context.Context, requestID uuid.UUID) ([]*models.ApprovalDecision, error)
	Calibration(ctx context.Context) (*models.CalibrationStats, error)
}

type router struct {
	repo   repositories.ApprovalRepository
	scope  database.ScopeFunc
	table  *RoutingTable
	cfg    config.ApprovalConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewRouter creates a Router. A nil table uses the built-in routing table.
func NewRouter(repo repositories.ApprovalRepository, scope database.ScopeFunc, table *RoutingTable, cfg config.ApprovalConfig, logger *zap.Logger) Router {
	if table == nil {
		table = DefaultRoutingTable()
	}
	if cfg.DeadlineMinutes <= 0 {
		cfg.DeadlineMinutes = 240
	}
	if cfg.TimeoutPolicy == "" {
		cfg.TimeoutPolicy = config.TimeoutPolicyEscalate
	}
	return &router{
		repo:   repo,
		scope:  scope,
		table:  table,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.Named("approval-router"),
	}
}

var _ Router = (*router)(nil)

func (r *router) Assess(in RiskInput) models.RiskAssessment {
	return AssessRisk(in, r.cfg.Criticality(in.EntityType))
}

func (r *router) CreateRequest(ctx context.Context, sessionID uuid.UUID, in RiskInput) (*models.ApprovalRequest, error) {
	ctx, cleanup, err := r.scope(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	risk := r.Assess(in)
	reqType := requestTypeFor(in, r.cfg.HighVolumeRecords)
	route := r.table.Route(risk.Level, reqType)
	recommendation, recConf := recommend(risk, in)
	now := r.now()

	req := &models.ApprovalRequest{
		ID:                 uuid.New(),
		SessionID:          sessionID,
		RequestType:        reqType,
		Risk:               risk,
		Priority:           route.Priority,
		AssignedApprovers:  slices.Clone(route.Approvers),
		EscalationPath:     route.Escalation,
		Deadline:           now.Add(route.Deadline(r.cfg.Deadline())),
		Status:             models.ApprovalStatusPending,
		Recommendation:     recommendation,
		RecommendationConf: recConf,
		Context: models.ApprovalContext{
			EntityType:          in.EntityType,
			AggregateConfidence: in.AggregateConfidence,
			Threshold:           in.Threshold,
			TotalRecords:        in.TotalRecords,
			ErrorsBySeverity:    in.ErrorsBySeverity,
			UnmappedFields:      in.UnmappedFields,
			PendingFixTypes:     in.PendingFixTypes,
		},
		CreatedAt: now,
	}
	if err := r.repo.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}

	r.logger.Info("Created approval request",
		zap.String("request_id", req.ID.String()),
		zap.String("session_id", sessionID.String()),
		zap.String("request_type", string(reqType)),
		zap.String("risk_level", string(risk.Level)),
		zap.Float64("risk_score", risk.Score),
		zap.Strings("approvers", req.AssignedApprovers),
		zap.Time("deadline", req.Deadline))
	return req, nil
}

func (r *router) Decide(ctx context.Context, requestID uuid.UUID, in DecisionInput) (*DecisionOutcome, error) {
	if !models.IsValidDecisionType(in.Decision) {
		return nil, fmt.Errorf("%w: unknown decision %q", apperrors.ErrInvalidRequest, in.Decision)
	}
	if in.Decision == models.DecisionDelegate && len(in.DelegateTo) == 0 {
		return nil, fmt.Errorf("%w: delegate decision needs at least one delegate", apperrors.ErrInvalidRequest)
	}

	ctx, cleanup, err := r.scope(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	req, err := r.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load approval request: %w", err)
	}
	if req == nil {
		return nil, apperrors.ErrNotFound
	}
	if req.Status.IsResolved() {
		return nil, &apperrors.AlreadyResolvedError{RequestID: req.ID.String(), Status: string(req.Status)}
	}
	if !req.IsAssigned(in.Approver) {
		return nil, apperrors.ErrNotAuthorized
	}

	outcome := &DecisionOutcome{Request: req}
	switch in.Decision {
	case models.DecisionApprove:
		err = r.resolve(ctx, req, models.ApprovalStatusApproved)
	case models.DecisionReject:
		err = r.resolve(ctx, req, models.ApprovalStatusRejected)
	case models.DecisionEscalate:
		if !req.CanEscalate() {
			return nil, ErrNoEscalationTier
		}
		if err = r.resolve(ctx, req, models.ApprovalStatusEscalated); err == nil {
			outcome.Next, err = r.openNextTier(ctx, req)
		}
	case models.DecisionDelegate:
		err = r.delegate(ctx, req, in.DelegateTo)
	}
	if err != nil {
		return nil, err
	}

	decision := &models.ApprovalDecision{
		ID:           uuid.New(),
		RequestID:    req.ID,
		SessionID:    req.SessionID,
		Approver:     in.Approver,
		Decision:     in.Decision,
		Reasoning:    in.Reasoning,
		Confidence:   req.Context.AggregateConfidence,
		DecisionTime: r.now(),
	}
	if in.Decision == models.DecisionDelegate {
		decision.DelegateTo = strings.Join(in.DelegateTo, ",")
	}
	if err := r.repo.AppendDecision(ctx, decision); err != nil {
		return nil, fmt.Errorf("failed to record approval decision: %w", err)
	}
	outcome.Decision = decision

	if isOverride(req.Recommendation, in.Decision) {
		outcome.Override = true
		override := &models.ApprovalOverride{
			ID:                  uuid.New(),
			RequestID:           req.ID,
			SessionID:           req.SessionID,
			Recommendation:      req.Recommendation,
			Decision:            in.Decision,
			RiskScore:           req.Risk.Score,
			AggregateConfidence: req.Context.AggregateConfidence,
			Threshold:           req.Context.Threshold,
			Approver:            in.Approver,
			CreatedAt:           r.now(),
		}
		if err := r.repo.RecordOverride(ctx, override); err != nil {
			// calibration data is advisory; the decision itself stands
			r.logger.Warn("Failed to record approval override",
				zap.String("request_id", req.ID.String()),
				zap.Error(err))
		}
	}

	r.logger.Info("Recorded approval decision",
		zap.String("request_id", req.ID.String()),
		zap.String("session_id", req.SessionID.String()),
		zap.String("approver", in.Approver),
		zap.String("decision", string(in.Decision)),
		zap.Bool("override", outcome.Override))
	return outcome, nil
}

// isOverride is true when an approve/reject contradicts the recommendation.
func isOverride(recommendation, decision models.DecisionType) bool {
	if decision != models.DecisionApprove && decision != models.DecisionReject {
		return false
	}
	return recommendation != "" && recommendation != decision
}

func (r *router) resolve(ctx context.Context, req *models.ApprovalRequest, status models.ApprovalStatus) error {
	ok, err := r.repo.Resolve(ctx, req.ID, status)
	if err != nil {
		return err
	}
	if !ok {
		// lost a race with another decision or the deadline
		current := models.ApprovalStatus("resolved")
		if latest, getErr := r.repo.GetRequest(ctx, req.ID); getErr == nil && latest != nil {
			current = latest.Status
		}
		return &apperrors.AlreadyResolvedError{RequestID: req.ID.String(), Status: string(current)}
	}
	now := r.now()
	req.Status = status
	req.ResolvedAt = &now
	return nil
}

func (r *router) delegate(ctx context.Context, req *models.ApprovalRequest, to []string) error {
	ok, err := r.repo.Reassign(ctx, req.ID, to, req.Deadline)
	if err != nil {
		return err
	}
	if !ok {
		return &apperrors.AlreadyResolvedError{RequestID: req.ID.String(), Status: "resolved"}
	}
	req.AssignedApprovers = slices.Clone(to)
	return nil
}

// openNextTier creates the request for the next escalation tier.
func (r *router) openNextTier(ctx context.Context, prev *models.ApprovalRequest) (*models.ApprovalRequest, error) {
	now := r.now()
	prevID := prev.ID
	next := &models.ApprovalRequest{
		ID:                 uuid.New(),
		SessionID:          prev.SessionID,
		RequestType:        prev.RequestType,
		Risk:               prev.Risk,
		Priority:           prev.Priority,
		AssignedApprovers:  slices.Clone(prev.EscalationPath[prev.EscalationLevel]),
		EscalationPath:     prev.EscalationPath,
		EscalationLevel:    prev.EscalationLevel + 1,
		Deadline:           now.Add(r.table.Route(prev.Risk.Level, prev.RequestType).Deadline(r.cfg.Deadline())),
		Status:             models.ApprovalStatusPending,
		Recommendation:     prev.Recommendation,
		RecommendationConf: prev.RecommendationConf,
		Context:            prev.Context,
		PreviousRequestID:  &prevID,
		CreatedAt:          now,
	}
	if err := r.repo.CreateRequest(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to create escalated approval request: %w", err)
	}

	r.logger.Info("Escalated approval request",
		zap.String("from_request_id", prev.ID.String()),
		zap.String("request_id", next.ID.String()),
		zap.Int("escalation_level", next.EscalationLevel),
		zap.Strings("approvers", next.AssignedApprovers))
	return next, nil
}

func (r *router) Expire(ctx context.Context, requestID uuid.UUID) (*ExpiryOutcome, error) {
	ctx, cleanup, err := r.scope(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	req, err := r.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load approval request: %w", err)
	}
	if req == nil {
		return nil, apperrors.ErrNotFound
	}
	if req.Status.IsResolved() {
		return nil, &apperrors.AlreadyResolvedError{RequestID: req.ID.String(), Status: string(req.Status)}
	}

	outcome := &ExpiryOutcome{
		Request: req,
		Err:     &apperrors.ApprovalTimeoutError{RequestID: req.ID.String(), Deadline: req.Deadline},
	}

	decision := &models.ApprovalDecision{
		ID:           uuid.New(),
		RequestID:    req.ID,
		SessionID:    req.SessionID,
		Approver:     SystemActor,
		Confidence:   req.Context.AggregateConfidence,
		SystemActor:  true,
		DecisionTime: r.now(),
	}

	switch {
	case r.cfg.TimeoutPolicy == config.TimeoutPolicyEscalate && req.CanEscalate():
		if err := r.resolve(ctx, req, models.ApprovalStatusEscalated); err != nil {
			return nil, err
		}
		if outcome.Next, err = r.openNextTier(ctx, req); err != nil {
			return nil, err
		}
		decision.Decision = models.DecisionEscalate
		decision.Reasoning = "deadline passed, escalated to next tier"
	case r.cfg.TimeoutPolicy == config.TimeoutPolicyAutoReject:
		if err := r.resolve(ctx, req, models.ApprovalStatusRejected); err != nil {
			return nil, err
		}
		outcome.TimedOut = true
		decision.Decision = models.DecisionReject
		decision.Reasoning = "deadline passed, rejected automatically"
	default:
		if err := r.resolve(ctx, req, models.ApprovalStatusTimedOut); err != nil {
			return nil, err
		}
		outcome.TimedOut = true
		decision.Decision = models.DecisionReject
		decision.Reasoning = "deadline passed with no escalation tier left"
	}

	if err := r.repo.AppendDecision(ctx, decision); err != nil {
		r.logger.Warn("Failed to record system decision",
			zap.String("request_id", req.ID.String()),
			zap.Error(err))
	}

	r.logger.Info("Approval deadline passed",
		zap.String("request_id", req.ID.String()),
		zap.String("session_id", req.SessionID.String()),
		zap.String("policy", r.cfg.TimeoutPolicy),
		zap.Bool("timed_out", outcome.TimedOut))
	return outcome, nil
}

func (r *router) CancelPending(ctx context.Context, sessionID uuid.UUID) error {
	ctx, cleanup, err := r.scope(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	req, err := r.repo.GetPendingBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load pending approval: %w", err)
	}
	if req == nil {
		return nil
	}
	if _, err := r.repo.Resolve(ctx, req.ID, models.ApprovalStatusCancelled); err != nil {
		return fmt.Errorf("failed to cancel approval request: %w", err)
	}
	return nil
}

func (r *router) GetRequest(ctx context.Context, requestID uuid.UUID) (*models.ApprovalRequest, error) {
	ctx, cleanup, err := r.scope(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	req, err := r.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperrors.ErrNotFound
	}
	return req, nil
}

func (r *router) ListPending(ctx context.Context, approver string) ([]*models.ApprovalRequest, error) {
	ctx, cleanup, err := r.scope(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return r.repo.ListPending(ctx, approver)
}

func (r *router) ListExpired(ctx context.Context) ([]*models.ApprovalRequest, error) {
	ctx, cleanup, err := r.scope(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return r.repo.ListExpired(ctx, r.now())
}

func (r *router) ListDecisions(ctx context.Context, requestID uuid.UUID) ([]*models.ApprovalDecision, error) {
	ctx, cleanup, err := r.scope(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return r.repo.ListDecisions(ctx, requestID)
}

func (r *router) Calibration(ctx context.Context) (*models.CalibrationStats, error) {
	ctx, cleanup, err := r.scope(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return r.repo.CalibrationStats(ctx)
}
