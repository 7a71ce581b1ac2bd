package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
)

// getTextContent extracts the text string from the first text content item
func getTextContent(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	jsonBytes, _ := json.Marshal(result.Content[0])
	var textContent struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	_ = json.Unmarshal(jsonBytes, &textContent)
	return textContent.Text
}

func decodeToolError(t *testing.T, result *mcp.CallToolResult) ErrorResponse {
	t.Helper()
	require.NotNil(t, result)
	require.True(t, result.IsError)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(getTextContent(result)), &errResp))
	return errResp
}

func TestNewErrorResult(t *testing.T) {
	result := NewErrorResult("not_found", "import session not found")

	require.Len(t, result.Content, 1)
	errResp := decodeToolError(t, result)
	assert.True(t, errResp.Error)
	assert.Equal(t, "not_found", errResp.Code)
	assert.Equal(t, "import session not found", errResp.Message)
	assert.Nil(t, errResp.Details)
}

func TestErrorResponse_JSONStructure(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		message  string
		details  any
		wantJSON string
	}{
		{
			name:     "without details",
			code:     "not_found",
			message:  "resource not found",
			wantJSON: `{"error":true,"code":"not_found","message":"resource not found"}`,
		},
		{
			name:     "string details",
			code:     "invalid_parameters",
			message:  "bad request",
			details:  "parameter 'approver' is required",
			wantJSON: `{"error":true,"code":"invalid_parameters","message":"bad request","details":"parameter 'approver' is required"}`,
		},
		{
			name:     "structured details",
			code:     "already_resolved",
			message:  "request already resolved",
			details:  map[string]any{"status": "approved"},
			wantJSON: `{"error":true,"code":"already_resolved","message":"request already resolved","details":{"status":"approved"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var result *mcp.CallToolResult
			if tt.details == nil {
				result = NewErrorResult(tt.code, tt.message)
			} else {
				result = NewErrorResultWithDetails(tt.code, tt.message, tt.details)
			}
			assert.JSONEq(t, tt.wantJSON, getTextContent(result))
		})
	}
}

func TestToolError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"not found", fmt.Errorf("session x: %w", apperrors.ErrNotFound), "not_found"},
		{"not assigned", apperrors.ErrNotAuthorized, "not_authorized"},
		{"invalid decision", fmt.Errorf("%w: unknown decision", apperrors.ErrInvalidRequest), "invalid_parameters"},
		{"terminal", apperrors.ErrSessionTerminal, "session_terminal"},
		{"out of order", apperrors.ErrInvalidTransition, "invalid_transition"},
		{"already resolved", &apperrors.AlreadyResolvedError{RequestID: "r1", Status: "approved"}, "already_resolved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := toolError(tt.err)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, decodeToolError(t, result).Code)
			assert.True(t, IsInputError(tt.err))
		})
	}

	t.Run("system failure stays a Go error", func(t *testing.T) {
		boom := errors.New("connection refused")
		result, err := toolError(boom)
		assert.Nil(t, result)
		assert.ErrorIs(t, err, boom)
		assert.False(t, IsInputError(boom))
	})
}
