package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Import Status
// ============================================================================

// ImportStatus is the state of an import session.
type ImportStatus string

const (
	ImportStatusInitiated         ImportStatus = "initiated"
	ImportStatusAnalyzing         ImportStatus = "analyzing"
	ImportStatusMapping           ImportStatus = "mapping"
	ImportStatusMappingComplete   ImportStatus = "mapping_complete"
	ImportStatusGeneratingPreview ImportStatus = "generating_preview"
	ImportStatusPreviewReady      ImportStatus = "preview_ready"
	ImportStatusAwaitingApproval  ImportStatus = "awaiting_approval"
	ImportStatusProcessing        ImportStatus = "processing"
	ImportStatusCompleted         ImportStatus = "completed"
	ImportStatusFailed            ImportStatus = "failed"
	ImportStatusCancelled         ImportStatus = "cancelled"
	ImportStatusTimeout           ImportStatus = "timeout"
)

// ValidImportStatuses contains all valid import status values.
var ValidImportStatuses = []ImportStatus{
	ImportStatusInitiated,
	ImportStatusAnalyzing,
	ImportStatusMapping,
	ImportStatusMappingComplete,
	ImportStatusGeneratingPreview,
	ImportStatusPreviewReady,
	ImportStatusAwaitingApproval,
	ImportStatusProcessing,
	ImportStatusCompleted,
	ImportStatusFailed,
	ImportStatusCancelled,
	ImportStatusTimeout,
}

// IsValidImportStatus checks if the given status is valid.
func IsValidImportStatus(s ImportStatus) bool {
	return slices.Contains(ValidImportStatuses, s)
}

// IsTerminal returns true once the session can no longer change.
func (s ImportStatus) IsTerminal() bool {
	switch s {
	case ImportStatusCompleted, ImportStatusFailed, ImportStatusCancelled, ImportStatusTimeout:
		return true
	}
	return false
}

// CanTransitionTo returns true if moving from s to target is a legal edge.
// failed, cancelled and timeout are reachable from every non-terminal state.
func (s ImportStatus) CanTransitionTo(target ImportStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch target {
	case ImportStatusFailed, ImportStatusCancelled, ImportStatusTimeout:
		return true
	}

	switch s {
	case ImportStatusInitiated:
		return target == ImportStatusAnalyzing
	case ImportStatusAnalyzing:
		return target == ImportStatusMapping
	case ImportStatusMapping:
		return target == ImportStatusMappingComplete
	case ImportStatusMappingComplete:
		// Re-mapping with a different schema or options is allowed before preview.
		return target == ImportStatusGeneratingPreview || target == ImportStatusMapping
	case ImportStatusGeneratingPreview:
		return target == ImportStatusPreviewReady
	case ImportStatusPreviewReady:
		return target == ImportStatusProcessing ||
			target == ImportStatusAwaitingApproval ||
			target == ImportStatusGeneratingPreview ||
			target == ImportStatusMapping
	case ImportStatusAwaitingApproval:
		return target == ImportStatusProcessing
	case ImportStatusProcessing:
		return target == ImportStatusCompleted
	default:
		return false
	}
}

// StepPercentage is the progress percentage reported on entry to a status.
// Processing reports its own percentage from chunk counters.
func (s ImportStatus) StepPercentage() int {
	switch s {
	case ImportStatusInitiated:
		return 0
	case ImportStatusAnalyzing:
		return 10
	case ImportStatusMapping:
		return 25
	case ImportStatusMappingComplete:
		return 35
	case ImportStatusGeneratingPreview:
		return 45
	case ImportStatusPreviewReady:
		return 55
	case ImportStatusAwaitingApproval, ImportStatusProcessing:
		return 60
	case ImportStatusCompleted:
		return 100
	default:
		return 0
	}
}

// ============================================================================
// File Metadata
// ============================================================================

// FileFormat identifies the container format of an uploaded file.
type FileFormat string

const (
	FileFormatCSV  FileFormat = "csv"
	FileFormatJSON FileFormat = "json"
	FileFormatXLSX FileFormat = "xlsx"
)

// ValidFileFormats contains all supported file formats.
var ValidFileFormats = []FileFormat{FileFormatCSV, FileFormatJSON, FileFormatXLSX}

// IsValidFileFormat checks if the given format is supported.
func IsValidFileFormat(f FileFormat) bool {
	return slices.Contains(ValidFileFormats, f)
}

// FileMeta describes the uploaded file. The bytes themselves are never persisted.
type FileMeta struct {
	Name        string     `json:"name"`
	Size        int64      `json:"size"`
	ContentType string     `json:"content_type,omitempty"`
	Format      FileFormat `json:"format,omitempty"`
}

// ============================================================================
// Session Configuration
// ============================================================================

// SessionConfig holds the per-session knobs supplied at creation time.
type SessionConfig struct {
	EntityType           string    `json:"entity_type"`
	BatchSize            int       `json:"batch_size"`
	AutoAdvanceThreshold float64   `json:"auto_advance_threshold"`
	SkipErrors           bool      `json:"skip_errors"`
	ApprovedFixTypes     []FixType `json:"approved_fix_types,omitempty"`
	EnableExternal       bool      `json:"enable_external"`
	CostCeiling          float64   `json:"cost_ceiling,omitempty"`
}

// WithDefaults fills unset fields from the supplied defaults.
func (c SessionConfig) WithDefaults(entityType string, batchSize int, threshold float64) SessionConfig {
	if c.EntityType == "" {
		c.EntityType = entityType
	}
	if c.BatchSize <= 0 {
		c.BatchSize = batchSize
	}
	if c.AutoAdvanceThreshold <= 0 {
		c.AutoAdvanceThreshold = threshold
	}
	return c
}

// ============================================================================
// Progress
// ============================================================================

// ImportProgress tracks record counters for a session.
type ImportProgress struct {
	Total            int     `json:"total"`
	Processed        int     `json:"processed"`
	Succeeded        int     `json:"succeeded"`
	Failed           int     `json:"failed"`
	RecordsPerSecond float64 `json:"records_per_second,omitempty"`
	ETAMs            int64   `json:"eta_ms,omitempty"`
}

// Percentage returns the commit completion percentage (0-100).
func (p *ImportProgress) Percentage() int {
	if p == nil || p.Total == 0 {
		return 0
	}
	return int(float64(p.Processed) / float64(p.Total) * 100)
}

// SessionError is an entry in a session's append-only error log.
type SessionError struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Fatal     bool      `json:"fatal"`
	Timestamp time.Time `json:"timestamp"`
}

// ============================================================================
// Import Session
// ============================================================================

// ImportSession is the aggregate root for one upload-to-commit run.
type ImportSession struct {
	ID                  uuid.UUID      `json:"id"`
	Owner               string         `json:"owner"`
	File                FileMeta       `json:"file"`
	Status              ImportStatus   `json:"status"`
	Config              SessionConfig  `json:"config"`
	Progress            ImportProgress `json:"progress"`
	Headerless          bool           `json:"headerless"`
	ParseConfidence     float64        `json:"parse_confidence"`
	AggregateConfidence float64        `json:"aggregate_confidence"`
	ApprovalRequestID   *uuid.UUID     `json:"approval_request_id,omitempty"`
	Errors              []SessionError `json:"errors,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
}

// AppendError records an error in the session log.
func (s *ImportSession) AppendError(kind, message string, fatal bool) {
	s.Errors = append(s.Errors, SessionError{
		Kind:      kind,
		Message:   message,
		Fatal:     fatal,
		Timestamp: time.Now(),
	})
}
