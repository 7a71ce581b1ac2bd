package mapping

import (
	"context"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// ExactConfidence is the fixed confidence of an exact name match.
const ExactConfidence = 100.0

// exactStrategy matches identical names, or names whose normalized forms are identical.
type exactStrategy struct{}

// NewExactStrategy creates the exact-name strategy.
func NewExactStrategy() Strategy { return exactStrategy{} }

func (exactStrategy) Kind() models.MappingStrategy { return models.StrategyExact }
func (exactStrategy) sealed()                      {}

func (exactStrategy) Candidates(ctx context.Context, in *Input) ([]Candidate, error) {
	var out []Candidate
	for i := range in.Fields {
		src := sourceNames(&in.Fields[i])
		for _, target := range in.Schema.Fields {
			tgt := namesOf(target.Name, nil)

			rationale := ""
			switch {
			case src.raw == tgt.raw:
				rationale = "identical name"
			case src.compact != "" && src.compact == tgt.compact:
				rationale = "identical normalized name"
			case src.pattern != "" && src.pattern == tgt.pattern:
				rationale = "identical singular form"
			default:
				continue
			}
			out = append(out, Candidate{
				Source:     src.raw,
				Target:     target.Name,
				Confidence: ExactConfidence,
				Strategy:   models.StrategyExact,
				Rationale:  rationale,
			})
		}
	}
	return out, nil
}
