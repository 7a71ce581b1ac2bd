package tools

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
)

// ErrorResponse represents a structured error in tool results.
// Actionable errors are returned as tool results so the client sees
// the details instead of a bare protocol error.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewErrorResult creates a tool result containing a structured error.
// Use this for errors the caller can act on (bad parameters, unknown
// session, approver not assigned). System failures still return Go errors.
func NewErrorResult(code, message string) *mcp.CallToolResult {
	resp := ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
	}
	jsonBytes, _ := json.Marshal(resp)
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// NewErrorResultWithDetails creates an error result with additional context.
func NewErrorResultWithDetails(code, message string, details any) *mcp.CallToolResult {
	resp := ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
		Details: details,
	}
	jsonBytes, _ := json.Marshal(resp)
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// toolError converts a workflow error into an actionable tool result.
// Errors that are not caused by the caller are returned as Go errors.
func toolError(err error) (*mcp.CallToolResult, error) {
	var resolved *apperrors.AlreadyResolvedError
	switch {
	case errors.As(err, &resolved):
		return NewErrorResultWithDetails("already_resolved", err.Error(),
			map[string]any{"request_id": resolved.RequestID, "status": resolved.Status}), nil
	case errors.Is(err, apperrors.ErrNotFound):
		return NewErrorResult("not_found", err.Error()), nil
	case errors.Is(err, apperrors.ErrNotAuthorized):
		return NewErrorResult("not_authorized", err.Error()), nil
	case errors.Is(err, apperrors.ErrInvalidRequest):
		return NewErrorResult("invalid_parameters", err.Error()), nil
	case errors.Is(err, apperrors.ErrSessionTerminal):
		return NewErrorResult("session_terminal", err.Error()), nil
	case errors.Is(err, apperrors.ErrInvalidTransition):
		return NewErrorResult("invalid_transition", err.Error()), nil
	}
	return nil, err
}

// IsInputError returns true if the error was caused by the caller rather
// than a server failure. These are logged at DEBUG, not ERROR.
func IsInputError(err error) bool {
	if err == nil {
		return false
	}
	var resolved *apperrors.AlreadyResolvedError
	return errors.As(err, &resolved) ||
		errors.Is(err, apperrors.ErrNotFound) ||
		errors.Is(err, apperrors.ErrNotAuthorized) ||
		errors.Is(err, apperrors.ErrInvalidRequest) ||
		errors.Is(err, apperrors.ErrSessionTerminal) ||
		errors.Is(err, apperrors.ErrInvalidTransition)
}
