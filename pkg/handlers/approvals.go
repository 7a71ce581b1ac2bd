package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/services"
	"github.com/ekaya-inc/ekaya-import/pkg/services/approval"
)

// ApprovalHandler serves approver queues and decisions.
// Decisions go through the workflow so the session moves with the request.
type ApprovalHandler struct {
	router   approval.Router
	workflow services.ImportWorkflowService
	logger   *zap.Logger
}

// NewApprovalHandler creates a new ApprovalHandler.
func NewApprovalHandler(router approval.Router, workflow services.ImportWorkflowService, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		router:   router,
		workflow: workflow,
		logger:   logger.Named("approval-handler"),
	}
}

// RegisterRoutes registers the approval handler's routes on the given mux.
func (h *ApprovalHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/approvals", h.ListPending)
	mux.HandleFunc("GET /api/approvals/calibration", h.Calibration)
	mux.HandleFunc("GET /api/approvals/{rid}", h.Get)
	mux.HandleFunc("POST /api/approvals/{rid}/decision", h.Decide)
}

type decisionRequest struct {
	Approver   string              `json:"approver"`
	Decision   models.DecisionType `json:"decision"`
	DelegateTo []string            `json:"delegate_to,omitempty"`
	Reasoning  string              `json:"reasoning,omitempty"`
}

type approvalDetail struct {
	Request   *models.ApprovalRequest    `json:"request"`
	Decisions []*models.ApprovalDecision `json:"decisions"`
}

type decisionResponse struct {
	Request *models.ApprovalRequest `json:"request"`
	Next    *models.ApprovalRequest `json:"next,omitempty"`
}

// ListPending handles GET /api/approvals?approver=
func (h *ApprovalHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	approver := r.URL.Query().Get("approver")
	if approver == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "approver is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	requests, err := h.router.ListPending(r.Context(), approver)
	if err != nil {
		writeServiceError(w, err, h.logger, "list pending approvals")
		return
	}
	if requests == nil {
		requests = []*models.ApprovalRequest{}
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: requests}); err != nil {
		h.logger.Error("Failed to write approvals response", zap.Error(err))
	}
}

// Get handles GET /api/approvals/{rid}
func (h *ApprovalHandler) Get(w http.ResponseWriter, r *http.Request) {
	requestID, ok := ParseRequestID(w, r, h.logger)
	if !ok {
		return
	}

	req, err := h.router.GetRequest(r.Context(), requestID)
	if err == nil && req == nil {
		err = apperrors.ErrNotFound
	}
	if err != nil {
		writeServiceError(w, err, h.logger, "get approval request")
		return
	}

	decisions, err := h.router.ListDecisions(r.Context(), requestID)
	if err != nil {
		writeServiceError(w, err, h.logger, "list approval decisions")
		return
	}
	if decisions == nil {
		decisions = []*models.ApprovalDecision{}
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: approvalDetail{Request: req, Decisions: decisions}}); err != nil {
		h.logger.Error("Failed to write approval response", zap.Error(err))
	}
}

// Decide handles POST /api/approvals/{rid}/decision
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	requestID, ok := ParseRequestID(w, r, h.logger)
	if !ok {
		return
	}

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if req.Approver == "" || req.Decision == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "approver and decision are required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	outcome, err := h.workflow.ResolveApproval(r.Context(), requestID, approval.DecisionInput{
		Approver:   req.Approver,
		Decision:   req.Decision,
		DelegateTo: req.DelegateTo,
		Reasoning:  req.Reasoning,
	})
	if err != nil {
		writeServiceError(w, err, h.logger, "record approval decision")
		return
	}

	resp := decisionResponse{Request: outcome.Request, Next: outcome.Next}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: resp}); err != nil {
		h.logger.Error("Failed to write decision response", zap.Error(err))
	}
}

// Calibration handles GET /api/approvals/calibration
func (h *ApprovalHandler) Calibration(w http.ResponseWriter, r *http.Request) {
	stats, err := h.router.Calibration(r.Context())
	if err != nil {
		writeServiceError(w, err, h.logger, "compute approval calibration")
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: stats}); err != nil {
		h.logger.Error("Failed to write calibration response", zap.Error(err))
	}
}
