package extraction

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/naming"
)

// Pattern names recorded in SourceField.Patterns.
const (
	PatternEmail      = "email"
	PatternURL        = "url"
	PatternDate       = "date"
	PatternCurrency   = "currency"
	PatternPercentage = "percentage"
	PatternPhone      = "phone"
	PatternSKU        = "sku"
)

// semanticThreshold is the match rate at which a pattern decides the semantic type.
const semanticThreshold = 0.8

// valuePatterns detect semantic formats in cell values.
var valuePatterns = map[string]*regexp.Regexp{
	PatternEmail: regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`),
	PatternURL:   regexp.MustCompile(`(?i)^(https?://|www\.)\S+$`),
	PatternDate: regexp.MustCompile(`(?i)^(\d{4}-\d{1,2}-\d{1,2}([T ][\d:.]+(Z|[+-]\d{2}:?\d{2})?)?` +
		`|\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}` +
		`|[a-z]{3,9}\.? \d{1,2},? \d{4}` +
		`|\d{1,2} [a-z]{3,9}\.? \d{4})$`),
	PatternCurrency: regexp.MustCompile(`^[-+]?\s*[$€£¥]\s*\d{1,3}(,?\d{3})*(\.\d+)?$` +
		`|^[-+]?\d{1,3}(,?\d{3})*(\.\d+)?\s*(USD|EUR|GBP|CAD|AUD|JPY|[$€£¥])$`),
	PatternPercentage: regexp.MustCompile(`^[-+]?\d+(\.\d+)?\s*%$`),
	PatternPhone:      regexp.MustCompile(`^\+?\d[\d ().-]{5,}\d$`),
	PatternSKU:        regexp.MustCompile(`^[A-Za-z]{1,6}[-_]?\d{2,}[A-Za-z0-9-]*$`),
}

// MatchesPattern reports whether value matches the named value pattern.
func MatchesPattern(name, value string) bool {
	re, ok := valuePatterns[name]
	return ok && re.MatchString(value)
}

// semanticOrder is the precedence when several patterns pass the threshold.
var semanticOrder = []struct {
	pattern  string
	semantic models.SemanticType
}{
	{PatternEmail, models.SemanticEmail},
	{PatternURL, models.SemanticURL},
	{PatternCurrency, models.SemanticCurrency},
	{PatternPercentage, models.SemanticPercentage},
	{PatternDate, models.SemanticDate},
	{PatternPhone, models.SemanticPhone},
	{PatternSKU, models.SemanticSKU},
}

var identifierTokens = []string{"id", "code", "key", "sku", "ref", "number", "no"}

// profileColumn computes the descriptor for one column over all rows.
func profileColumn(name string, col int, rows [][]string, sampleN int) models.SourceField {
	var values []string
	empty := 0
	for _, row := range rows {
		v := ""
		if col < len(row) {
			v = strings.TrimSpace(row[col])
		}
		if v == "" {
			empty++
			continue
		}
		values = append(values, v)
	}

	primitive := inferPrimitive(values)
	monetary := primitive == models.PrimitiveString && isMonetary(values)
	if monetary {
		primitive = models.PrimitiveNumber
	}

	tokens := naming.Tokenize(name)
	field := models.SourceField{
		Name:          name,
		Position:      col,
		PrimitiveType: primitive,
		SemanticType:  models.SemanticNone,
		Tokens:        tokens,
		Expansions:    naming.Expansions(tokens),
	}
	if len(rows) > 0 {
		field.NullRate = float64(empty) / float64(len(rows))
	}

	distinct := make(map[string]struct{}, len(values))
	for _, v := range values {
		distinct[v] = struct{}{}
		if len(field.SampleValues) < sampleN && !slices.Contains(field.SampleValues, v) {
			field.SampleValues = append(field.SampleValues, v)
		}
	}
	if len(values) > 0 {
		field.UniqueRate = float64(len(distinct)) / float64(len(values))
	}

	field.Patterns = detectPatterns(values, field.PrimitiveType)
	field.SemanticType = inferSemantic(&field, values)
	if monetary {
		field.SemanticType = models.SemanticCurrency
	}
	return field
}

// isMonetary reports whether a text column holds amounts: at least one value
// carries a currency mark and most values are numbers once marks are ignored,
// as in "12.50" mixed with "$8.99".
func isMonetary(values []string) bool {
	if len(values) == 0 {
		return false
	}
	numeric, marked := 0, 0
	for _, v := range values {
		switch {
		case valuePatterns[PatternCurrency].MatchString(v):
			numeric++
			marked++
		case looksLikeFloat(v):
			numeric++
		}
	}
	return marked > 0 && float64(numeric)/float64(len(values)) >= semanticThreshold
}

func detectPatterns(values []string, primitive models.PrimitiveType) []models.DetectedPattern {
	if len(values) == 0 {
		return nil
	}
	var detected []models.DetectedPattern
	for _, entry := range semanticOrder {
		// Plain integers match the phone and sku shapes; only count them for strings.
		if primitive.IsNumeric() && (entry.pattern == PatternPhone || entry.pattern == PatternSKU) {
			continue
		}
		re := valuePatterns[entry.pattern]
		matches := 0
		for _, v := range values {
			if re.MatchString(v) {
				matches++
			}
		}
		if matches > 0 {
			detected = append(detected, models.DetectedPattern{
				PatternName: entry.pattern,
				MatchRate:   float64(matches) / float64(len(values)),
			})
		}
	}
	return detected
}

func inferSemantic(f *models.SourceField, values []string) models.SemanticType {
	if len(values) == 0 {
		return models.SemanticNone
	}
	for _, entry := range semanticOrder {
		if f.MatchesPattern(entry.pattern, semanticThreshold) {
			return entry.semantic
		}
	}

	idLike := false
	for _, tok := range f.Tokens {
		if slices.Contains(identifierTokens, tok) {
			idLike = true
			break
		}
	}
	if idLike && f.UniqueRate == 1 && f.NullRate == 0 && f.PrimitiveType != models.PrimitiveBoolean {
		return models.SemanticIdentifier
	}

	switch f.PrimitiveType {
	case models.PrimitiveNumber:
		return models.SemanticDecimal
	case models.PrimitiveString:
		return models.SemanticText
	}
	return models.SemanticNone
}

// inferPrimitive tries boolean, integer, number and falls back to string.
func inferPrimitive(values []string) models.PrimitiveType {
	if len(values) == 0 {
		return models.PrimitiveString
	}
	allBool, allInt, allNum := true, true, true
	for _, v := range values {
		if allBool && !looksLikeBool(v) {
			allBool = false
		}
		if allInt && !looksLikeInt(v) {
			allInt = false
		}
		if allNum && !looksLikeFloat(v) {
			allNum = false
		}
		if !allBool && !allInt && !allNum {
			break
		}
	}
	switch {
	case allBool:
		return models.PrimitiveBoolean
	case allInt:
		return models.PrimitiveInteger
	case allNum:
		return models.PrimitiveNumber
	default:
		return models.PrimitiveString
	}
}

func looksLikeBool(v string) bool {
	switch strings.ToLower(v) {
	case "true", "false", "yes", "no", "y", "n", "t", "f":
		return true
	}
	return false
}

func looksLikeInt(v string) bool {
	_, err := strconv.ParseInt(v, 10, 64)
	return err == nil
}

func looksLikeFloat(v string) bool {
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}

// valueKind classifies one cell for header detection. Plain words return "".
func valueKind(v string) string {
	switch {
	case looksLikeInt(v), looksLikeFloat(v):
		return "number"
	case valuePatterns[PatternCurrency].MatchString(v), valuePatterns[PatternPercentage].MatchString(v):
		return "number"
	case valuePatterns[PatternEmail].MatchString(v):
		return PatternEmail
	case valuePatterns[PatternURL].MatchString(v):
		return PatternURL
	case valuePatterns[PatternDate].MatchString(v):
		return PatternDate
	}
	return ""
}

// columnKind returns the kind shared by at least 80% of a column's non-empty cells.
func columnKind(rows [][]string, col int) string {
	counts := make(map[string]int)
	total := 0
	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[col])
		if v == "" {
			continue
		}
		total++
		counts[valueKind(v)]++
	}
	for kind, n := range counts {
		if kind != "" && float64(n)/float64(total) >= semanticThreshold {
			return kind
		}
	}
	return ""
}
