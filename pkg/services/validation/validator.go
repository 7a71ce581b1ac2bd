// Package validation checks transformed records against the rules of a target schema.
package validation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-import/pkg/logging"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/services/extraction"
)

// ISODate is the canonical date layout for date fields.
const ISODate = "2006-01-02"

// Validator checks records against a target schema.
type Validator interface {
	// ValidateRows checks every row, filling each row's Errors, and returns all violations.
	ValidateRows(rows []models.PreviewRow, schema *models.TargetSchema) []models.ValidationError

	// ValidateValue checks a single cell. Cross-row rules (unique) are not applied.
	ValidateValue(rowIndex int, field *models.TargetField, value string) []models.ValidationError
}

type validator struct{}

// NewValidator creates a Validator.
func NewValidator() Validator {
	return validator{}
}

var _ Validator = validator{}

// Transform projects source rows onto target fields using the mapping list.
// Unmapped source columns are dropped; unmapped target fields are absent.
func Transform(rows [][]string, sourceNames []string, mappings []models.FieldMapping) []models.PreviewRow {
	columns := make(map[string]int, len(sourceNames))
	for i, name := range sourceNames {
		columns[name] = i
	}

	type projection struct {
		column int
		target string
	}
	var projections []projection
	for _, m := range mappings {
		col, ok := columns[m.SourceField]
		if !ok || !m.IsMapped() {
			continue
		}
		projections = append(projections, projection{column: col, target: m.TargetField})
	}

	out := make([]models.PreviewRow, len(rows))
	for i, row := range rows {
		values := make(map[string]string, len(projections))
		for _, p := range projections {
			if p.column < len(row) {
				values[p.target] = row[p.column]
			}
		}
		out[i] = models.PreviewRow{RowIndex: i, Values: values}
	}
	return out
}

func (v validator) ValidateRows(rows []models.PreviewRow, schema *models.TargetSchema) []models.ValidationError {
	seen := make(map[string]map[string]int) // unique field -> value -> first row
	for _, f := range schema.Fields {
		if f.Unique {
			seen[f.Name] = make(map[string]int)
		}
	}

	var all []models.ValidationError
	for i := range rows {
		row := &rows[i]
		row.Errors = nil
		for j := range schema.Fields {
			field := &schema.Fields[j]
			value := row.Values[field.Name]
			row.Errors = append(row.Errors, v.ValidateValue(row.RowIndex, field, value)...)

			if firsts, ok := seen[field.Name]; ok {
				key := strings.TrimSpace(value)
				if key == "" {
					continue
				}
				if first, dup := firsts[key]; dup {
					row.Errors = append(row.Errors, models.ValidationError{
						RowIndex: row.RowIndex,
						Field:    field.Name,
						Value:    value,
						Rule:     models.RuleUnique,
						Severity: models.SeverityHigh,
						Message:  fmt.Sprintf("duplicate value, first seen in row %d", first),
					})
				} else {
					firsts[key] = row.RowIndex
				}
			}
		}
		all = append(all, row.Errors...)
	}
	return all
}

func (validator) ValidateValue(rowIndex int, field *models.TargetField, value string) []models.ValidationError {
	var errs []models.ValidationError
	fail := func(rule models.ValidationRule, severity models.Severity, format string, args ...any) {
		errs = append(errs, models.ValidationError{
			RowIndex: rowIndex,
			Field:    field.Name,
			Value:    value,
			Rule:     rule,
			Severity: severity,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if field.Required {
			fail(models.RuleRequired, models.SeverityHigh, "required field is empty")
		}
		return errs
	}
	if trimmed != value {
		fail(models.RuleWhitespace, models.SeverityLow, "surrounding whitespace")
	}

	if field.Type == models.PrimitiveString {
		if hit := CheckValueForInjection(field.Name, trimmed); hit != nil {
			fail(models.RuleInjection, models.SeverityHigh, "value matches SQL injection pattern %s", hit.Fingerprint)
			return errs
		}
	}

	switch field.Type {
	case models.PrimitiveInteger:
		n, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			fail(models.RuleType, models.SeverityMedium, "%q is not an integer", logging.CellValue(trimmed))
			return errs
		}
		checkRange(field, float64(n), fail)
	case models.PrimitiveNumber:
		n, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			fail(models.RuleType, models.SeverityMedium, "%q is not a number", logging.CellValue(trimmed))
			return errs
		}
		checkRange(field, n, fail)
	case models.PrimitiveBoolean:
		if trimmed != "true" && trimmed != "false" {
			fail(models.RuleType, models.SeverityMedium, "%q is not true or false", logging.CellValue(trimmed))
			return errs
		}
	}

	if !validFormat(field.SemanticType, trimmed) {
		fail(models.RuleFormat, models.SeverityMedium, "%q is not a valid %s", logging.CellValue(trimmed), field.SemanticType)
	}

	if field.MaxLength > 0 {
		if n := len([]rune(value)); n > field.MaxLength {
			fail(models.RuleMaxLength, models.SeverityLow, "length %d exceeds %d", n, field.MaxLength)
		}
	}

	if len(field.Enum) > 0 {
		if canonical, ok := EnumMatch(field.Enum, trimmed); !ok {
			fail(models.RuleEnum, models.SeverityMedium, "%q is not one of %v", logging.CellValue(trimmed), field.Enum)
		} else if canonical != trimmed {
			fail(models.RuleEnum, models.SeverityLow, "%q differs in case from %q", trimmed, canonical)
		}
	}
	return errs
}

func checkRange(field *models.TargetField, n float64, fail func(models.ValidationRule, models.Severity, string, ...any)) {
	if field.Min != nil && n < *field.Min {
		fail(models.RuleRange, models.SeverityMedium, "%g is below minimum %g", n, *field.Min)
	}
	if field.Max != nil && n > *field.Max {
		fail(models.RuleRange, models.SeverityMedium, "%g is above maximum %g", n, *field.Max)
	}
}

// validFormat checks semantic formats that the primitive type does not already cover.
func validFormat(semantic models.SemanticType, value string) bool {
	switch semantic {
	case models.SemanticEmail:
		return extraction.MatchesPattern(extraction.PatternEmail, value) && value == strings.ToLower(value)
	case models.SemanticURL:
		return strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://")
	case models.SemanticDate:
		_, err := time.Parse(ISODate, value)
		return err == nil
	}
	return true
}

// EnumMatch returns the allowed value equal to value ignoring case.
func EnumMatch(allowed []string, value string) (string, bool) {
	for _, a := range allowed {
		if strings.EqualFold(a, value) {
			return a, true
		}
	}
	return "", false
}
