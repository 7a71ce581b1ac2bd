package models

import "slices"

// ============================================================================
// Validation
// ============================================================================

// Severity ranks how serious a validation violation is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Weight maps severity onto 0.0 - 1.0 for risk scoring.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityHigh:
		return 1.0
	case SeverityMedium:
		return 0.6
	case SeverityLow:
		return 0.3
	default:
		return 0
	}
}

// ValidationRule names the violated constraint.
type ValidationRule string

const (
	RuleRequired   ValidationRule = "required"
	RuleType       ValidationRule = "type"
	RuleFormat     ValidationRule = "format"
	RuleMaxLength  ValidationRule = "max_length"
	RuleRange      ValidationRule = "range"
	RuleEnum       ValidationRule = "enum"
	RuleUnique     ValidationRule = "unique"
	RuleInjection  ValidationRule = "injection"
	RuleWhitespace ValidationRule = "whitespace"
)

// ValidationError is one rule violation on one cell. Ephemeral per pass.
type ValidationError struct {
	RowIndex     int            `json:"row_index"`
	Field        string         `json:"field"` // target field name
	Value        string         `json:"value"`
	Rule         ValidationRule `json:"rule"`
	Severity     Severity       `json:"severity"`
	Message      string         `json:"message"`
	SuggestedFix FixType        `json:"suggested_fix,omitempty"`
}

// ============================================================================
// Auto Fixes
// ============================================================================

// FixType names a class of automatic correction.
type FixType string

const (
	FixStripCurrency       FixType = "strip_currency"
	FixNormalizePercentage FixType = "normalize_percentage"
	FixNormalizeEmail      FixType = "normalize_email"
	FixNormalizeDate       FixType = "normalize_date"
	FixNormalizeBoolean    FixType = "normalize_boolean"
	FixNormalizeURL        FixType = "normalize_url"
	FixTrimWhitespace      FixType = "trim_whitespace"
	FixTruncate            FixType = "truncate"
	FixNormalizeCase       FixType = "normalize_case"
	FixManual              FixType = "manual"
)

// ValidFixTypes contains all fix types.
var ValidFixTypes = []FixType{
	FixStripCurrency, FixNormalizePercentage, FixNormalizeEmail, FixNormalizeDate,
	FixNormalizeBoolean, FixNormalizeURL, FixTrimWhitespace, FixTruncate, FixNormalizeCase, FixManual,
}

// IsValidFixType checks if the given fix type is valid.
func IsValidFixType(f FixType) bool {
	return slices.Contains(ValidFixTypes, f)
}

// AutoFix is a proposed correction for one ValidationError.
type AutoFix struct {
	RowIndex   int     `json:"row_index"`
	Field      string  `json:"field"`
	OldValue   string  `json:"old_value"`
	NewValue   string  `json:"new_value"`
	Type       FixType `json:"type"`
	Confidence float64 `json:"confidence"` // 0.0 - 1.0, effectiveness-adjusted
	ManualOnly bool    `json:"manual_only"`
	AutoApply  bool    `json:"auto_apply"`
	Reason     string  `json:"reason,omitempty"`
}

// FixEffectiveness aggregates outcomes for one fix type.
type FixEffectiveness struct {
	FixType   FixType `json:"fix_type"`
	Attempts  int64   `json:"attempts"`
	Successes int64   `json:"successes"`
	Score     float64 `json:"score"` // rolling 0.0 - 1.0
}

// NeutralFixScore is the score of a fix type with no recorded outcomes.
const NeutralFixScore = 0.5

// FixReport summarises one ApplyFixes pass.
type FixReport struct {
	Applied       []AutoFix         `json:"applied"`
	Pending       []AutoFix         `json:"pending"`
	ManualOnly    []AutoFix         `json:"manual_only"`
	Failed        []AutoFix         `json:"failed,omitempty"`
	AppliedByType map[FixType]int   `json:"applied_by_type"`
	PendingTypes  []FixType         `json:"pending_types,omitempty"`
	Remaining     []ValidationError `json:"-"`
}

// ============================================================================
// Preview
// ============================================================================

// PreviewRow is one transformed record in a preview.
type PreviewRow struct {
	RowIndex int               `json:"row_index"`
	Values   map[string]string `json:"values"`
	Errors   []ValidationError `json:"errors,omitempty"`
}

// PreviewStatistics describes validation over the full record set.
type PreviewStatistics struct {
	TotalRows           int              `json:"total_rows"`
	ValidRows           int              `json:"valid_rows"`
	ErrorRows           int              `json:"error_rows"`
	ErrorsBySeverity    map[Severity]int `json:"errors_by_severity"`
	ErrorsByField       map[string]int   `json:"errors_by_field"`
	FixesApplied        int              `json:"fixes_applied"`
	FixesPending        int              `json:"fixes_pending"`
	PendingFixTypes     []FixType        `json:"pending_fix_types,omitempty"`
	MissingRequired     []string         `json:"missing_required,omitempty"`
	ErrorDensity        float64          `json:"error_density"`
	AggregateConfidence float64          `json:"aggregate_confidence"` // 0.0 - 1.0
}

// HighSeverityErrors returns the count of remaining high-severity errors.
func (s *PreviewStatistics) HighSeverityErrors() int {
	return s.ErrorsBySeverity[SeverityHigh]
}

// PreviewResult is returned by the preview step.
type PreviewResult struct {
	ValidRows  []PreviewRow      `json:"valid_rows"`
	ErrorRows  []PreviewRow      `json:"error_rows"`
	Statistics PreviewStatistics `json:"statistics"`
	Fixes      *FixReport        `json:"fixes,omitempty"`
}
