package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/services"
	"github.com/ekaya-inc/ekaya-import/pkg/services/approval"
)

// ImportToolDeps contains dependencies for the approver tools.
type ImportToolDeps struct {
	Workflow services.ImportWorkflowService
	Router   approval.Router
	Logger   *zap.Logger
}

// RegisterImportTools registers the session status and approval tools.
func RegisterImportTools(s *server.MCPServer, deps *ImportToolDeps) {
	registerGetImportStatusTool(s, deps)
	registerListPendingApprovalsTool(s, deps)
	registerResolveApprovalTool(s, deps)
}

type importStatusResponse struct {
	SessionID           string                `json:"session_id"`
	Status              models.ImportStatus   `json:"status"`
	EntityType          string                `json:"entity_type"`
	FileName            string                `json:"file_name"`
	AggregateConfidence float64               `json:"aggregate_confidence"`
	Progress            models.ImportProgress `json:"progress"`
	Errors              []models.SessionError `json:"errors,omitempty"`
	PendingApproval     *approvalSummary      `json:"pending_approval,omitempty"`
}

type approvalSummary struct {
	RequestID         string                     `json:"request_id"`
	SessionID         string                     `json:"session_id"`
	Type              models.ApprovalRequestType `json:"type"`
	Priority          string                     `json:"priority"`
	RiskLevel         models.RiskLevel           `json:"risk_level"`
	RiskScore         float64                    `json:"risk_score"`
	Context           models.ApprovalContext     `json:"context"`
	Recommendation    models.DecisionType        `json:"recommendation,omitempty"`
	AssignedApprovers []string                   `json:"assigned_approvers"`
	EscalationLevel   int                        `json:"escalation_level"`
	Deadline          time.Time                  `json:"deadline"`
	Status            models.ApprovalStatus      `json:"status"`
}

func summarizeApproval(req *models.ApprovalRequest) *approvalSummary {
	return &approvalSummary{
		RequestID:         req.ID.String(),
		SessionID:         req.SessionID.String(),
		Type:              req.RequestType,
		Priority:          req.Priority,
		RiskLevel:         req.Risk.Level,
		RiskScore:         req.Risk.Score,
		Context:           req.Context,
		Recommendation:    req.Recommendation,
		AssignedApprovers: req.AssignedApprovers,
		EscalationLevel:   req.EscalationLevel,
		Deadline:          req.Deadline.UTC(),
		Status:            req.Status,
	}
}

func registerGetImportStatusTool(s *server.MCPServer, deps *ImportToolDeps) {
	tool := mcp.NewTool(
		"get_import_status",
		mcp.WithDescription(
			"Get the current state of an import session: status, record counters, aggregate mapping "+
				"confidence, error log, and the pending approval request if the session is waiting for one.",
		),
		mcp.WithString(
			"session_id",
			mcp.Required(),
			mcp.Description("Import session ID (UUID)"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, errResult := requireUUID(req, "session_id")
		if errResult != nil {
			return errResult, nil
		}

		report, err := deps.Workflow.GetStatus(ctx, sessionID)
		if err != nil {
			return toolError(err)
		}

		session := report.Session
		resp := importStatusResponse{
			SessionID:           session.ID.String(),
			Status:              session.Status,
			EntityType:          session.Config.EntityType,
			FileName:            session.File.Name,
			AggregateConfidence: session.AggregateConfidence,
			Progress:            session.Progress,
			Errors:              session.Errors,
		}
		if report.Approval != nil && report.Approval.Status == models.ApprovalStatusPending {
			resp.PendingApproval = summarizeApproval(report.Approval)
		}
		return jsonResult(resp)
	})
}

func registerListPendingApprovalsTool(s *server.MCPServer, deps *ImportToolDeps) {
	tool := mcp.NewTool(
		"list_pending_approvals",
		mcp.WithDescription(
			"List approval requests waiting on an approver. Each entry carries the risk level, "+
				"the confidence snapshot shown to approvers, the system recommendation and the deadline.",
		),
		mcp.WithString(
			"approver",
			mcp.Required(),
			mcp.Description("Approver name as used in the routing table, e.g. catalog-lead"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		approver, err := req.RequireString("approver")
		if err != nil {
			return nil, err
		}
		approver = trimString(approver)
		if approver == "" {
			return NewErrorResult("invalid_parameters", "parameter 'approver' cannot be empty"), nil
		}

		pending, err := deps.Router.ListPending(ctx, approver)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending approvals: %w", err)
		}

		out := make([]*approvalSummary, 0, len(pending))
		for _, p := range pending {
			out = append(out, summarizeApproval(p))
		}
		return jsonResult(map[string]any{"approver": approver, "requests": out})
	})
}

func registerResolveApprovalTool(s *server.MCPServer, deps *ImportToolDeps) {
	tool := mcp.NewTool(
		"resolve_approval",
		mcp.WithDescription(
			"Record a decision on a pending approval request. approve starts the commit, reject cancels "+
				"the session, escalate hands the request to the next tier, delegate reassigns it. "+
				"Only assigned approvers may decide.",
		),
		mcp.WithString(
			"request_id",
			mcp.Required(),
			mcp.Description("Approval request ID (UUID)"),
		),
		mcp.WithString(
			"approver",
			mcp.Required(),
			mcp.Description("Name of the approver making the decision"),
		),
		mcp.WithString(
			"decision",
			mcp.Required(),
			mcp.Enum("approve", "reject", "escalate", "delegate"),
			mcp.Description("The decision"),
		),
		mcp.WithString(
			"reasoning",
			mcp.Description("Why the decision was made"),
		),
		mcp.WithString(
			"delegate_to",
			mcp.Description("Comma-separated approvers, required for delegate"),
		),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		requestID, errResult := requireUUID(req, "request_id")
		if errResult != nil {
			return errResult, nil
		}
		approver, err := req.RequireString("approver")
		if err != nil {
			return nil, err
		}
		decision, err := req.RequireString("decision")
		if err != nil {
			return nil, err
		}

		outcome, err := deps.Workflow.ResolveApproval(ctx, requestID, approval.DecisionInput{
			Approver:   trimString(approver),
			Decision:   models.DecisionType(trimString(decision)),
			DelegateTo: splitList(req.GetString("delegate_to", "")),
			Reasoning:  req.GetString("reasoning", ""),
		})
		if err != nil {
			return toolError(err)
		}

		deps.Logger.Info("Approval resolved via MCP",
			zap.String("request_id", requestID.String()),
			zap.String("approver", approver),
			zap.String("decision", decision))

		resp := map[string]any{"request": summarizeApproval(outcome.Request)}
		if outcome.Next != nil {
			resp["next"] = summarizeApproval(outcome.Next)
		}
		if outcome.Override {
			resp["override"] = true
		}
		return jsonResult(resp)
	})
}
