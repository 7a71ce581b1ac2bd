package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/services/approval"
)

func newApprovalMux(router *mockRouter, wf *mockWorkflow) *http.ServeMux {
	mux := http.NewServeMux()
	NewApprovalHandler(router, wf, zap.NewNop()).RegisterRoutes(mux)
	return mux
}

func TestApprovalHandler_ListPending(t *testing.T) {
	router := &mockRouter{pending: []*models.ApprovalRequest{
		{ID: uuid.New(), Status: models.ApprovalStatusPending, AssignedApprovers: []string{"catalog-lead"}},
	}}
	mux := newApprovalMux(router, &mockWorkflow{})

	rec := serve(mux, http.MethodGet, "/api/approvals?approver=catalog-lead", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "catalog-lead", router.gotApprover)

	var resp struct {
		Data []models.ApprovalRequest `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Data, 1)

	rec = serve(mux, http.MethodGet, "/api/approvals", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovalHandler_ListPendingEmptyIsArray(t *testing.T) {
	mux := newApprovalMux(&mockRouter{}, &mockWorkflow{})
	rec := serve(mux, http.MethodGet, "/api/approvals?approver=nobody", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":[]}`, rec.Body.String())
}

func TestApprovalHandler_Get(t *testing.T) {
	rid := uuid.New()
	router := &mockRouter{
		request: &models.ApprovalRequest{ID: rid, Status: models.ApprovalStatusApproved},
		decisions: []*models.ApprovalDecision{
			{ID: uuid.New(), RequestID: rid, Approver: "catalog-lead", Decision: models.DecisionApprove},
		},
	}
	mux := newApprovalMux(router, &mockWorkflow{})

	rec := serve(mux, http.MethodGet, "/api/approvals/"+rid.String(), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Request   models.ApprovalRequest    `json:"request"`
			Decisions []models.ApprovalDecision `json:"decisions"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, rid, resp.Data.Request.ID)
	require.Len(t, resp.Data.Decisions, 1)
	assert.Equal(t, "catalog-lead", resp.Data.Decisions[0].Approver)

	router.request = nil
	rec = serve(mux, http.MethodGet, "/api/approvals/"+rid.String(), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalHandler_Decide(t *testing.T) {
	rid := uuid.New()
	wf := &mockWorkflow{outcome: &approval.DecisionOutcome{
		Request: &models.ApprovalRequest{ID: rid, Status: models.ApprovalStatusApproved},
	}}
	mux := newApprovalMux(&mockRouter{}, wf)
	path := "/api/approvals/" + rid.String() + "/decision"

	rec := serve(mux, http.MethodPost, path, []byte(`{"approver":"catalog-lead","decision":"approve","reasoning":"looks right"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "catalog-lead", wf.gotDecision.Approver)
	assert.Equal(t, models.DecisionApprove, wf.gotDecision.Decision)
	assert.Equal(t, "looks right", wf.gotDecision.Reasoning)

	tests := []struct {
		name     string
		err      error
		body     string
		wantCode int
	}{
		{"missing approver", nil, `{"decision":"approve"}`, http.StatusBadRequest},
		{"malformed", nil, `{`, http.StatusBadRequest},
		{"not assigned", apperrors.ErrNotAuthorized, `{"approver":"intern","decision":"approve"}`, http.StatusForbidden},
		{"already resolved", &apperrors.AlreadyResolvedError{RequestID: rid.String(), Status: "approved"},
			`{"approver":"catalog-lead","decision":"reject"}`, http.StatusConflict},
		{"unknown request", apperrors.ErrNotFound, `{"approver":"catalog-lead","decision":"approve"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf.err = tt.err
			rec := serve(mux, http.MethodPost, path, []byte(tt.body), "application/json")
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestApprovalHandler_Calibration(t *testing.T) {
	router := &mockRouter{calibration: &models.CalibrationStats{Decisions: 10, Overrides: 2, OverrideRate: 0.2}}
	mux := newApprovalMux(router, &mockWorkflow{})

	rec := serve(mux, http.MethodGet, "/api/approvals/calibration", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data models.CalibrationStats `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 10, resp.Data.Decisions)
	assert.InDelta(t, 0.2, resp.Data.OverrideRate, 1e-9)
}
