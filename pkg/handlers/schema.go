package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// SchemaHandler serves the built-in target schemas.
type SchemaHandler struct {
	logger *zap.Logger
}

// NewSchemaHandler creates a new SchemaHandler.
func NewSchemaHandler(logger *zap.Logger) *SchemaHandler {
	return &SchemaHandler{logger: logger}
}

// RegisterRoutes registers the schema handler's routes on the given mux.
func (h *SchemaHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/schemas", h.List)
	mux.HandleFunc("GET /api/schemas/{entity}", h.Get)
}

// List handles GET /api/schemas
func (h *SchemaHandler) List(w http.ResponseWriter, r *http.Request) {
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: models.CatalogEntityTypes()}); err != nil {
		h.logger.Error("Failed to write schema list", zap.Error(err))
	}
}

// Get handles GET /api/schemas/{entity}
func (h *SchemaHandler) Get(w http.ResponseWriter, r *http.Request) {
	entity := r.PathValue("entity")
	schema, ok := models.GetCatalogSchema(entity)
	if !ok {
		if err := ErrorResponse(w, http.StatusNotFound, "unknown_entity_type", "No built-in schema for "+entity); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: schema}); err != nil {
		h.logger.Error("Failed to write schema", zap.Error(err))
	}
}
