package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
)

// ApiResponse is the envelope for successful JSON responses.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// errorStatus maps a service error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	var (
		emptyErr     *apperrors.EmptyInputError
		parseErr     *apperrors.ParseError
		malformedErr *apperrors.MalformedInputError
		resolvedErr  *apperrors.AlreadyResolvedError
		costErr      *apperrors.CostLimitExceeded
	)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrInvalidRequest),
		errors.Is(err, apperrors.ErrUnknownEntityType):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, apperrors.ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	case errors.Is(err, apperrors.ErrSessionTerminal):
		return http.StatusConflict, "session_terminal"
	case errors.Is(err, apperrors.ErrInvalidTransition),
		errors.Is(err, apperrors.ErrNotAnalyzed),
		errors.Is(err, apperrors.ErrNotMapped):
		return http.StatusConflict, "invalid_transition"
	case errors.As(err, &resolvedErr):
		return http.StatusConflict, "already_resolved"
	case errors.As(err, &emptyErr):
		return http.StatusUnprocessableEntity, "empty_input"
	case errors.As(err, &parseErr), errors.As(err, &malformedErr):
		return http.StatusUnprocessableEntity, "parse_error"
	case errors.As(err, &costErr):
		return http.StatusPaymentRequired, "cost_limit_exceeded"
	case errors.Is(err, apperrors.ErrCancelled):
		return http.StatusConflict, "cancelled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeServiceError writes the response for an error returned by a service.
// Only unexpected errors are logged at error level.
func writeServiceError(w http.ResponseWriter, err error, logger *zap.Logger, action string) {
	status, code := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("Failed to "+action, zap.Error(err))
		message = "Failed to " + action
	} else {
		logger.Debug("Request rejected", zap.String("action", action), zap.String("code", code), zap.Error(err))
	}
	if err := ErrorResponse(w, status, code, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}
