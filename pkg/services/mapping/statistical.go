package mapping

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// Profile weights. The keyword bonus is added on top and the total capped at 1.
const (
	weightType       = 0.40
	weightSemantic   = 0.30
	weightUniqueness = 0.15
	weightNullFit    = 0.15
	keywordBonus     = 0.15

	statisticalBase = 60.0
	statisticalSpan = 30.0
)

// statisticalStrategy compares a column's inferred profile with each target's expected profile.
type statisticalStrategy struct {
	minScore float64
}

// NewStatisticalStrategy creates the profile-matching strategy.
func NewStatisticalStrategy(minScore float64) Strategy {
	if minScore <= 0 {
		minScore = 0.55
	}
	return statisticalStrategy{minScore: minScore}
}

func (statisticalStrategy) Kind() models.MappingStrategy { return models.StrategyStatistical }
func (statisticalStrategy) sealed()                      {}

func (s statisticalStrategy) Candidates(ctx context.Context, in *Input) ([]Candidate, error) {
	var out []Candidate
	for i := range in.Fields {
		field := &in.Fields[i]
		src := sourceNames(field)
		for j := range in.Schema.Fields {
			target := &in.Schema.Fields[j]

			score, keyword := ProfileScore(field, src.words, target)
			if score < s.minScore {
				continue
			}
			rationale := fmt.Sprintf("profile score %.2f (%s/%s)", score, field.PrimitiveType, field.SemanticType)
			if keyword != "" {
				rationale += fmt.Sprintf(", keyword %q", keyword)
			}
			out = append(out, Candidate{
				Source:     field.Name,
				Target:     target.Name,
				Confidence: statisticalBase + statisticalSpan*score,
				Strategy:   models.StrategyStatistical,
				Rationale:  rationale,
			})
		}
	}
	return out, nil
}

// ProfileScore scores how well a source column fits a target field, in [0,1].
// It returns the matched keyword when the bonus applied.
func ProfileScore(field *models.SourceField, words []string, target *models.TargetField) (float64, string) {
	typeFit := typeCompatibility(field, target)
	if typeFit == 0 {
		return 0, ""
	}

	score := weightType*typeFit +
		weightSemantic*semanticCompatibility(field.SemanticType, target.SemanticType) +
		weightUniqueness*uniquenessFit(field, target) +
		weightNullFit*nullFit(field, target)

	keyword := matchingKeyword(words, target)
	if keyword != "" {
		score += keywordBonus
	}
	return math.Min(score, 1), keyword
}

func typeCompatibility(field *models.SourceField, target *models.TargetField) float64 {
	src, tgt := field.PrimitiveType, target.Type
	if src == tgt {
		return 1
	}
	switch tgt {
	case models.PrimitiveString:
		// anything can be stored as text
		return 0.5
	case models.PrimitiveNumber:
		if src == models.PrimitiveInteger {
			return 0.9
		}
		if src == models.PrimitiveString && numericSemantic(field.SemanticType) {
			return 0.8
		}
	case models.PrimitiveInteger:
		if src == models.PrimitiveNumber {
			return 0.5
		}
		if src == models.PrimitiveString && numericSemantic(field.SemanticType) {
			return 0.4
		}
	case models.PrimitiveBoolean:
		if src == models.PrimitiveInteger && field.UniqueRate > 0 && len(field.SampleValues) <= 2 {
			return 0.5
		}
	}
	return 0
}

func numericSemantic(s models.SemanticType) bool {
	return s == models.SemanticCurrency || s == models.SemanticPercentage || s == models.SemanticDecimal
}

// compatibleSemantics lists semantic types that often describe the same data.
var compatibleSemantics = map[models.SemanticType][]models.SemanticType{
	models.SemanticCurrency:   {models.SemanticDecimal},
	models.SemanticPercentage: {models.SemanticDecimal},
	models.SemanticDecimal:    {models.SemanticCurrency, models.SemanticPercentage},
	models.SemanticSKU:        {models.SemanticIdentifier},
	models.SemanticIdentifier: {models.SemanticSKU},
}

func isGeneric(s models.SemanticType) bool {
	return s == "" || s == models.SemanticNone || s == models.SemanticText
}

func semanticCompatibility(src, tgt models.SemanticType) float64 {
	switch {
	case isGeneric(src) && isGeneric(tgt):
		// two free-text columns say little about each other
		return 0.2
	case tgt == "" || tgt == models.SemanticNone:
		// a specific source meaning is only loosely implied by an untyped target
		return 0.3
	case src == tgt:
		return 1
	case slices.Contains(compatibleSemantics[src], tgt):
		return 0.7
	}
	return 0
}

func uniquenessFit(field *models.SourceField, target *models.TargetField) float64 {
	if target.Unique || target.SemanticType == models.SemanticIdentifier {
		return field.UniqueRate
	}
	if field.UniqueRate < 0.95 {
		return 1
	}
	return 0.6
}

func nullFit(field *models.SourceField, target *models.TargetField) float64 {
	if target.Required {
		return 1 - field.NullRate
	}
	return 1
}

func matchingKeyword(words []string, target *models.TargetField) string {
	for _, w := range words {
		if target.HasKeyword(w) {
			return w
		}
	}
	return ""
}
