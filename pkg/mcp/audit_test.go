package mcp

import (
	"context"
	"errors"
	"strings"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-import/pkg/mcp/tools"
)

func newObservedAudit() (*AuditLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return NewAuditLogger(zap.New(core)), logs
}

func callRequest(name string, args map[string]any) *mcplib.CallToolRequest {
	req := &mcplib.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func TestAuditLogger_ResolveApprovalLoggedAtInfo(t *testing.T) {
	audit, logs := newObservedAudit()
	req := callRequest("resolve_approval", map[string]any{"approver": "catalog-lead", "decision": "approve"})

	audit.beforeCallTool(context.Background(), 1, req)
	audit.afterCallTool(context.Background(), 1, req, mcplib.NewToolResultText(`{"request":{}}`))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.InfoLevel, entry.Level)
	assert.Equal(t, "resolve_approval", entry.ContextMap()["tool"])
	assert.Equal(t, false, entry.ContextMap()["is_error"])

	_, stillTracked := audit.startTimes.Load(1)
	assert.False(t, stillTracked)
}

func TestAuditLogger_ToolErrorResultRecordsCode(t *testing.T) {
	audit, logs := newObservedAudit()
	req := callRequest("get_import_status", map[string]any{"session_id": "x"})

	audit.afterCallTool(context.Background(), 2, req, tools.NewErrorResult("invalid_parameters", "bad id"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.DebugLevel, entry.Level)
	assert.Equal(t, "invalid_parameters", entry.ContextMap()["error_code"])
}

func TestAuditLogger_OnError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantLevel zapcore.Level
		wantMsg   string
	}{
		{"input error", apperrors.ErrNotAuthorized, zapcore.DebugLevel, "MCP tool call rejected"},
		{"missing param", errors.New(`required argument "approver" not found`), zapcore.DebugLevel, "MCP tool call rejected"},
		{"system failure", errors.New("connection refused"), zapcore.ErrorLevel, "MCP tool call failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			audit, logs := newObservedAudit()
			audit.onError(context.Background(), 3, mcplib.MethodToolsCall, callRequest("resolve_approval", nil), tt.err)

			require.Equal(t, 1, logs.Len())
			assert.Equal(t, tt.wantLevel, logs.All()[0].Level)
			assert.Equal(t, tt.wantMsg, logs.All()[0].Message)
		})
	}

	t.Run("other methods ignored", func(t *testing.T) {
		audit, logs := newObservedAudit()
		audit.onError(context.Background(), 4, mcplib.MethodToolsList, nil, errors.New("boom"))
		assert.Equal(t, 0, logs.Len())
	})
}

func TestSanitizeParams(t *testing.T) {
	long := strings.Repeat("x", maxParamSize+50)
	got := sanitizeParams(map[string]any{
		"approver":  "catalog-lead",
		"api_token": "abc123",
		"reasoning": long,
		"nested":    map[string]any{"password": "hunter2"},
		"count":     3,
	})

	assert.Equal(t, "catalog-lead", got["approver"])
	assert.True(t, strings.HasPrefix(got["api_token"].(string), "sha256:"))
	assert.Equal(t, hashSensitiveValue("abc123"), got["api_token"])
	assert.True(t, strings.HasSuffix(got["reasoning"].(string), "...[truncated]"))
	assert.Len(t, got["reasoning"].(string), maxParamSize+len("...[truncated]"))
	assert.True(t, strings.HasPrefix(got["nested"].(map[string]any)["password"].(string), "sha256:"))
	assert.Equal(t, 3, got["count"])

	assert.Nil(t, sanitizeParams(nil))
	assert.Nil(t, sanitizeParams("not a map"))
}
