package mapping

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

const (
	fuzzyBase = 60.0
	fuzzySpan = 39.0
)

// qualifierDiscount applies when a match only holds after dropping an
// entity qualifier such as "prod_".
const qualifierDiscount = 0.85

// fuzzyStrategy scores names by normalized Levenshtein similarity.
type fuzzyStrategy struct {
	minSimilarity float64
}

// NewFuzzyStrategy creates the edit-distance strategy.
func NewFuzzyStrategy(minSimilarity float64) Strategy {
	if minSimilarity <= 0 {
		minSimilarity = 0.5
	}
	return fuzzyStrategy{minSimilarity: minSimilarity}
}

func (fuzzyStrategy) Kind() models.MappingStrategy { return models.StrategyFuzzy }
func (fuzzyStrategy) sealed()                      {}

// Similarity is 1 - distance/longer length, in [0,1].
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longer := max(la, lb)
	if la == 0 || lb == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longer)
}

// FuzzyConfidence maps similarity onto (60,99]. Identical strings score 99,
// so a fuzzy match never ties an exact one.
func FuzzyConfidence(similarity float64) float64 {
	if similarity < 0 {
		similarity = 0
	}
	if similarity > 1 {
		similarity = 1
	}
	return fuzzyBase + fuzzySpan*similarity
}

func (s fuzzyStrategy) Candidates(ctx context.Context, in *Input) ([]Candidate, error) {
	var out []Candidate
	for i := range in.Fields {
		src := sourceNames(&in.Fields[i])
		for _, target := range in.Schema.Fields {
			tgt := namesOf(target.Name, nil)

			sim, form := bestSimilarity(src, tgt)
			if sim < s.minSimilarity {
				continue
			}
			out = append(out, Candidate{
				Source:     src.raw,
				Target:     target.Name,
				Confidence: FuzzyConfidence(sim),
				Strategy:   models.StrategyFuzzy,
				Rationale:  fmt.Sprintf("%s similarity %.2f", form, sim),
			})
		}
	}
	return out, nil
}

func bestSimilarity(src, tgt names) (float64, string) {
	best, form := Similarity(src.compact, tgt.compact), "name"
	if src.expanded != src.compact || tgt.expanded != tgt.compact {
		if sim := Similarity(src.expanded, tgt.expanded); sim > best {
			best, form = sim, "expanded name"
		}
	}
	if src.stripped != src.expanded || tgt.stripped != tgt.expanded {
		if sim := Similarity(src.stripped, tgt.stripped) * qualifierDiscount; sim > best {
			best, form = sim, "unqualified name"
		}
	}
	return best, form
}
