package validation

import (
	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// Summarize computes preview statistics over validated rows.
// Rows must have been passed through ValidateRows first.
func Summarize(rows []models.PreviewRow, schema *models.TargetSchema, mappings []models.FieldMapping) models.PreviewStatistics {
	stats := models.PreviewStatistics{
		TotalRows:        len(rows),
		ErrorsBySeverity: make(map[models.Severity]int),
		ErrorsByField:    make(map[string]int),
	}
	for _, row := range rows {
		if len(row.Errors) == 0 {
			stats.ValidRows++
			continue
		}
		stats.ErrorRows++
		for _, e := range row.Errors {
			stats.ErrorsBySeverity[e.Severity]++
			stats.ErrorsByField[e.Field]++
		}
	}
	if stats.TotalRows > 0 {
		stats.ErrorDensity = float64(stats.ErrorRows) / float64(stats.TotalRows)
	}

	claimed := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if m.IsMapped() {
			claimed[m.TargetField] = true
		}
	}
	for _, name := range schema.RequiredFields() {
		if !claimed[name] {
			stats.MissingRequired = append(stats.MissingRequired, name)
		}
	}
	return stats
}

// SplitRows separates rows with and without errors, keeping order.
func SplitRows(rows []models.PreviewRow) (valid, invalid []models.PreviewRow) {
	for _, row := range rows {
		if len(row.Errors) == 0 {
			valid = append(valid, row)
		} else {
			invalid = append(invalid, row)
		}
	}
	return valid, invalid
}
