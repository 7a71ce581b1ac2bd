package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// RiskLevel classifies how risky an import is to commit unreviewed.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ValidRiskLevels lists risk levels in ascending order.
var ValidRiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// IsValidRiskLevel checks if the given level is valid.
func IsValidRiskLevel(l RiskLevel) bool {
	return slices.Contains(ValidRiskLevels, l)
}

// ApprovalRequestType is the reason approval was requested.
type ApprovalRequestType string

const (
	ApprovalTypeLowConfidence    ApprovalRequestType = "low_confidence"
	ApprovalTypeValidationErrors ApprovalRequestType = "validation_errors"
	ApprovalTypeHighVolume       ApprovalRequestType = "high_volume"
)

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusEscalated ApprovalStatus = "escalated"
	ApprovalStatusTimedOut  ApprovalStatus = "timed_out"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

// IsResolved returns true for any non-pending status.
func (s ApprovalStatus) IsResolved() bool {
	return s != ApprovalStatusPending
}

// DecisionType is what an approver decided.
type DecisionType string

const (
	DecisionApprove  DecisionType = "approve"
	DecisionReject   DecisionType = "reject"
	DecisionEscalate DecisionType = "escalate"
	DecisionDelegate DecisionType = "delegate"
)

// ValidDecisionTypes contains all decision types.
var ValidDecisionTypes = []DecisionType{DecisionApprove, DecisionReject, DecisionEscalate, DecisionDelegate}

// IsValidDecisionType checks if the given decision type is valid.
func IsValidDecisionType(d DecisionType) bool {
	return slices.Contains(ValidDecisionTypes, d)
}

// RiskFactors are the normalised inputs to the risk score.
type RiskFactors struct {
	ConfidenceGap float64 `json:"confidence_gap"`
	Anomaly       float64 `json:"anomaly"`
	Volume        float64 `json:"volume"`
	Criticality   float64 `json:"criticality"`
}

// RiskAssessment is the router's evaluation of a session.
type RiskAssessment struct {
	Score   float64     `json:"score"`
	Level   RiskLevel   `json:"level"`
	Factors RiskFactors `json:"factors"`
}

// ApprovalContext is the snapshot shown to approvers.
type ApprovalContext struct {
	EntityType          string           `json:"entity_type"`
	AggregateConfidence float64          `json:"aggregate_confidence"`
	Threshold           float64          `json:"threshold"`
	TotalRecords        int              `json:"total_records"`
	ErrorsBySeverity    map[Severity]int `json:"errors_by_severity,omitempty"`
	UnmappedFields      []string         `json:"unmapped_fields,omitempty"`
	PendingFixTypes     []FixType        `json:"pending_fix_types,omitempty"`
}

// ApprovalRequest asks a human to approve or reject a session's commit.
// At most one request per session is pending at a time.
type ApprovalRequest struct {
	ID                 uuid.UUID           `json:"id"`
	SessionID          uuid.UUID           `json:"session_id"`
	RequestType        ApprovalRequestType `json:"request_type"`
	Risk               RiskAssessment      `json:"risk"`
	Priority           string              `json:"priority"`
	AssignedApprovers  []string            `json:"assigned_approvers"`
	EscalationPath     [][]string          `json:"escalation_path,omitempty"`
	EscalationLevel    int                 `json:"escalation_level"`
	Deadline           time.Time           `json:"deadline"`
	Status             ApprovalStatus      `json:"status"`
	Recommendation     DecisionType        `json:"recommendation"`
	RecommendationConf float64             `json:"recommendation_confidence"`
	Context            ApprovalContext     `json:"context"`
	PreviousRequestID  *uuid.UUID          `json:"previous_request_id,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	ResolvedAt         *time.Time          `json:"resolved_at,omitempty"`
}

// IsAssigned reports whether approver may decide on this request.
func (r *ApprovalRequest) IsAssigned(approver string) bool {
	return slices.Contains(r.AssignedApprovers, approver)
}

// CanEscalate reports whether another escalation tier remains.
func (r *ApprovalRequest) CanEscalate() bool {
	return r.EscalationLevel < len(r.EscalationPath)
}

// ApprovalDecision is an append-only record of one decision.
type ApprovalDecision struct {
	ID           uuid.UUID    `json:"id"`
	RequestID    uuid.UUID    `json:"request_id"`
	SessionID    uuid.UUID    `json:"session_id"`
	Approver     string       `json:"approver"`
	Decision     DecisionType `json:"decision"`
	DelegateTo   string       `json:"delegate_to,omitempty"`
	Reasoning    string       `json:"reasoning,omitempty"`
	Confidence   float64      `json:"confidence"` // aggregate confidence at decision time
	SystemActor  bool         `json:"system_actor"`
	DecisionTime time.Time    `json:"decision_time"`
}

// ApprovalOverride records a decision that went against the recommendation.
type ApprovalOverride struct {
	ID                  uuid.UUID    `json:"id"`
	RequestID           uuid.UUID    `json:"request_id"`
	SessionID           uuid.UUID    `json:"session_id"`
	Recommendation      DecisionType `json:"recommendation"`
	Decision            DecisionType `json:"decision"`
	RiskScore           float64      `json:"risk_score"`
	AggregateConfidence float64      `json:"aggregate_confidence"`
	Threshold           float64      `json:"threshold"`
	Approver            string       `json:"approver"`
	CreatedAt           time.Time    `json:"created_at"`
}

// CalibrationStats summarises overrides to help tune the auto-advance threshold.
type CalibrationStats struct {
	Decisions              int     `json:"decisions"`
	Overrides              int     `json:"overrides"`
	OverrideRate           float64 `json:"override_rate"`
	ApprovedBelowThreshold int     `json:"approved_below_threshold"`
	RejectedAboveThreshold int     `json:"rejected_above_threshold"`
	// SuggestedThreshold is the mean confidence of overridden approvals, 0 when none.
	SuggestedThreshold float64 `json:"suggested_threshold,omitempty"`
}
