package models

import "slices"

// PrimitiveType is the inferred storage type of a source column.
type PrimitiveType string

const (
	PrimitiveBoolean PrimitiveType = "boolean"
	PrimitiveInteger PrimitiveType = "integer"
	PrimitiveNumber  PrimitiveType = "number"
	PrimitiveString  PrimitiveType = "string"
)

// IsNumeric returns true for integer and number.
func (p PrimitiveType) IsNumeric() bool {
	return p == PrimitiveInteger || p == PrimitiveNumber
}

// SemanticType refines a primitive type with a business meaning.
type SemanticType string

const (
	SemanticNone       SemanticType = "none"
	SemanticCurrency   SemanticType = "currency"
	SemanticPercentage SemanticType = "percentage"
	SemanticEmail      SemanticType = "email"
	SemanticURL        SemanticType = "url"
	SemanticPhone      SemanticType = "phone"
	SemanticDate       SemanticType = "date"
	SemanticSKU        SemanticType = "sku"
	SemanticIdentifier SemanticType = "identifier"
	SemanticDecimal    SemanticType = "decimal"
	SemanticText       SemanticType = "text"
)

// ValidSemanticTypes contains all semantic type values.
var ValidSemanticTypes = []SemanticType{
	SemanticNone, SemanticCurrency, SemanticPercentage, SemanticEmail, SemanticURL,
	SemanticPhone, SemanticDate, SemanticSKU, SemanticIdentifier, SemanticDecimal, SemanticText,
}

// IsValidSemanticType checks if the given semantic type is valid.
func IsValidSemanticType(s SemanticType) bool {
	return slices.Contains(ValidSemanticTypes, s)
}

// DetectedPattern is a value pattern found in a column's samples.
type DetectedPattern struct {
	PatternName string  `json:"pattern_name"`
	MatchRate   float64 `json:"match_rate"` // 0.0 - 1.0
}

// SourceField describes one column of the uploaded file.
// Produced once by extraction and never mutated afterwards.
type SourceField struct {
	Name          string            `json:"name"`
	Position      int               `json:"position"`
	PrimitiveType PrimitiveType     `json:"primitive_type"`
	SemanticType  SemanticType      `json:"semantic_type"`
	NullRate      float64           `json:"null_rate"`
	UniqueRate    float64           `json:"unique_rate"`
	SampleValues  []string          `json:"sample_values"`
	Patterns      []DetectedPattern `json:"patterns,omitempty"`
	// Expansions maps an abbreviated name token to its expansion (qty -> quantity).
	// It is metadata only; Name is never rewritten.
	Expansions map[string]string `json:"expansions,omitempty"`
	Tokens     []string          `json:"tokens,omitempty"`
}

// MatchesPattern returns true if the named pattern was detected above threshold.
func (f *SourceField) MatchesPattern(name string, threshold float64) bool {
	for _, p := range f.Patterns {
		if p.PatternName == name && p.MatchRate >= threshold {
			return true
		}
	}
	return false
}

// ExpandedTokens returns Tokens with abbreviations replaced by their expansions.
func (f *SourceField) ExpandedTokens() []string {
	out := make([]string, len(f.Tokens))
	for i, tok := range f.Tokens {
		if exp, ok := f.Expansions[tok]; ok {
			out[i] = exp
			continue
		}
		out[i] = tok
	}
	return out
}

// ExtractionResult is the output of parsing one uploaded file.
type ExtractionResult struct {
	Format       FileFormat    `json:"format"`
	Fields       []SourceField `json:"fields"`
	SampleRows   [][]string    `json:"sample_rows"`
	TotalRecords int           `json:"total_records"`
	Headerless   bool          `json:"headerless"`
	// Confidence is 1 - corrupted/total rows.
	Confidence    float64  `json:"confidence"`
	CorruptedRows int      `json:"corrupted_rows"`
	Warnings      []string `json:"warnings,omitempty"`

	// Rows holds every parsed data row, aligned with Fields. Not serialized.
	Rows [][]string `json:"-"`
}

// FieldNames returns the field names in column order.
func (r *ExtractionResult) FieldNames() []string {
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}
