package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-import/pkg/config"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/services"
)

const sseKeepAlive = 15 * time.Second

// ImportHandler exposes the import session lifecycle over HTTP.
type ImportHandler struct {
	workflow services.ImportWorkflowService
	cfg      *config.Config
	logger   *zap.Logger
}

// NewImportHandler creates a new ImportHandler.
func NewImportHandler(workflow services.ImportWorkflowService, cfg *config.Config, logger *zap.Logger) *ImportHandler {
	return &ImportHandler{
		workflow: workflow,
		cfg:      cfg,
		logger:   logger.Named("import-handler"),
	}
}

// RegisterRoutes registers the import handler's routes on the given mux.
func (h *ImportHandler) RegisterRoutes(mux *http.ServeMux) {
	base := "/api/imports/{sid}"

	mux.HandleFunc("POST /api/imports", h.Create)
	mux.HandleFunc("GET "+base, h.Status)
	mux.HandleFunc("POST "+base+"/analyze", h.Analyze)
	mux.HandleFunc("POST "+base+"/mappings", h.Map)
	mux.HandleFunc("GET "+base+"/preview", h.Preview)
	mux.HandleFunc("POST "+base+"/fixes", h.ApplyFixes)
	mux.HandleFunc("POST "+base+"/execute", h.Execute)
	mux.HandleFunc("POST "+base+"/cancel", h.Cancel)
	mux.HandleFunc("GET "+base+"/events", h.Events)
}

type createImportRequest struct {
	Owner  string               `json:"owner"`
	File   models.FileMeta      `json:"file"`
	Config models.SessionConfig `json:"config"`
}

type mapFieldsRequest struct {
	Schema         *models.TargetSchema `json:"schema,omitempty"`
	MinConfidence  float64              `json:"min_confidence,omitempty"`
	EnableExternal bool                 `json:"enable_external,omitempty"`
}

type applyFixesRequest struct {
	FixTypes []models.FixType `json:"fix_types"`
	Limit    int              `json:"limit,omitempty"`
}

type executeRequest struct {
	BatchSize  int   `json:"batch_size,omitempty"`
	SkipErrors *bool `json:"skip_errors,omitempty"`
}

// Create handles POST /api/imports
func (h *ImportHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "Invalid request body")
		return
	}

	session, err := h.workflow.CreateSession(r.Context(), services.CreateSessionRequest{
		Owner:  req.Owner,
		File:   req.File,
		Config: req.Config,
	})
	if err != nil {
		writeServiceError(w, err, h.logger, "create import session")
		return
	}

	if err := WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: session}); err != nil {
		h.logger.Error("Failed to write session response", zap.Error(err))
	}
}

// Analyze handles POST /api/imports/{sid}/analyze
// The file is read from a multipart "file" part, or from the raw body otherwise.
func (h *ImportHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ParseSessionID(w, r, h.logger)
	if !ok {
		return
	}

	maxBytes := int64(h.cfg.Import.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	data, err := readUpload(r, maxBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			if err := ErrorResponse(w, http.StatusRequestEntityTooLarge, "file_too_large",
				fmt.Sprintf("File exceeds %d MB", h.cfg.Import.MaxUploadMB)); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.badRequest(w, "Could not read uploaded file")
		return
	}

	result, err := h.workflow.Analyze(r.Context(), sessionID, data)
	if err != nil {
		writeServiceError(w, err, h.logger, "analyze file")
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: result}); err != nil {
		h.logger.Error("Failed to write extraction response", zap.Error(err))
	}
}

func readUpload(r *http.Request, maxBytes int64) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return io.ReadAll(r.Body)
	}

	if err := r.ParseMultipartForm(min(maxBytes, 32<<20)); err != nil {
		return nil, err
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// Map handles POST /api/imports/{sid}/mappings
// An empty body maps onto the built-in schema of the session's entity type.
func (h *ImportHandler) Map(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ParseSessionID(w, r, h.logger)
	if !ok {
		return
	}

	var req mapFieldsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(w, "Invalid request body")
		return
	}

	result, err := h.workflow.MapFields(r.Context(), sessionID, req.Schema, services.MapOptions{
		MinConfidence:  req.MinConfidence,
		EnableExternal: req.EnableExternal,
	})
	if err != nil {
		writeServiceError(w, err, h.logger, "map fields")
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: result}); err != nil {
		h.logger.Error("Failed to write mapping response", zap.Error(err))
	}
}

// Preview handles GET /api/imports/{sid}/preview?limit=
func (h *ImportHandler) Preview(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ParseSessionID(w, r, h.logger)
	if !ok {
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			h.badRequest(w, "limit must be a positive integer")
			return
		}
		limit = l
	}

	result, err := h.workflow.Preview(r.Context(), sessionID, limit)
	if err != nil {
		writeServiceError(w, err, h.logger, "generate preview")
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: result}); err != nil {
		h.logger.Error("Failed to write preview response", zap.Error(err))
	}
}

// ApplyFixes handles POST /api/imports/{sid}/fixes
func (h *ImportHandler) ApplyFixes(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ParseSessionID(w, r, h.logger)
	if !ok {
		return
	}

	var req applyFixesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "Invalid request body")
		return
	}
	if len(req.FixTypes) == 0 {
		h.badRequest(w, "fix_types is required")
		return
	}

	result, err := h.workflow.ApplyFixes(r.Context(), sessionID, req.FixTypes, req.Limit)
	if err != nil {
		writeServiceError(w, err, h.logger, "apply fixes")
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: result}); err != nil {
		h.logger.Error("Failed to write preview response", zap.Error(err))
	}
}

// Execute handles POST /api/imports/{sid}/execute
// Returns 202: the commit, or the approval wait, continues in the background.
func (h *ImportHandler) Execute(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ParseSessionID(w, r, h.logger)
	if !ok {
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(w, "Invalid request body")
		return
	}

	result, err := h.workflow.Execute(r.Context(), sessionID, services.ExecuteOptions{
		BatchSize:  req.BatchSize,
		SkipErrors: req.SkipErrors,
	})
	if err != nil {
		writeServiceError(w, err, h.logger, "execute import")
		return
	}

	if err := WriteJSON(w, http.StatusAccepted, ApiResponse{Success: true, Data: result}); err != nil {
		h.logger.Error("Failed to write execute response", zap.Error(err))
	}
}

// Status handles GET /api/imports/{sid}
func (h *ImportHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ParseSessionID(w, r, h.logger)
	if !ok {
		return
	}

	report, err := h.workflow.GetStatus(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, err, h.logger, "get import status")
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: report}); err != nil {
		h.logger.Error("Failed to write status response", zap.Error(err))
	}
}

// Cancel handles POST /api/imports/{sid}/cancel
func (h *ImportHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ParseSessionID(w, r, h.logger)
	if !ok {
		return
	}

	session, err := h.workflow.Cancel(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, err, h.logger, "cancel import")
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: session}); err != nil {
		h.logger.Error("Failed to write cancel response", zap.Error(err))
	}
}

// Events handles GET /api/imports/{sid}/events
// Streams progress events as Server-Sent Events until the session ends or the client leaves.
func (h *ImportHandler) Events(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ParseSessionID(w, r, h.logger)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		if err := ErrorResponse(w, http.StatusInternalServerError, "sse_unsupported", "SSE not supported"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	events, unsubscribe, err := h.workflow.Subscribe(sessionID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			writeServiceError(w, err, h.logger, "subscribe to events")
			return
		}
		// No live working set: report the persisted final state, if any.
		report, err := h.workflow.GetStatus(r.Context(), sessionID)
		if err != nil {
			writeServiceError(w, err, h.logger, "get import status")
			return
		}
		setSSEHeaders(w)
		h.writeEvent(w, finalEvent(report.Session))
		flusher.Flush()
		return
	}
	defer unsubscribe()

	setSSEHeaders(w)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			h.writeEvent(w, event)
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func (h *ImportHandler) writeEvent(w io.Writer, event models.ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.Type, data)
}

// finalEvent describes a session that is no longer held in memory.
func finalEvent(session *models.ImportSession) models.ProgressEvent {
	event := models.ProgressEvent{
		SessionID: session.ID,
		Type:      models.EventProgress,
		Step:      session.Status,
		Processed: session.Progress.Processed,
		Total:     session.Progress.Total,
		Timestamp: time.Now().UTC(),
	}
	switch session.Status {
	case models.ImportStatusCompleted, models.ImportStatusCancelled:
		event.Type = models.EventComplete
	case models.ImportStatusFailed, models.ImportStatusTimeout:
		event.Type = models.EventError
	}
	if session.Status == models.ImportStatusCompleted {
		event.Percentage = 100
	}
	return event
}

func (h *ImportHandler) badRequest(w http.ResponseWriter, message string) {
	if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
