package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ParseSessionID extracts and validates the import session ID from the request path.
// Returns uuid.Nil and false after writing a 400 response when it is not a UUID.
// Expects path parameter: sid
func ParseSessionID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "sid", "invalid_session_id", "Invalid session ID format", logger)
}

// ParseRequestID extracts and validates the approval request ID from the request path.
// Expects path parameter: rid
func ParseRequestID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "rid", "invalid_request_id", "Invalid approval request ID format", logger)
}

func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(pathParam))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}
