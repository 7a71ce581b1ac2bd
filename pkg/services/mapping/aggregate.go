package mapping

import (
	"math"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// Penalties applied to the mean mapping confidence.
const (
	unresolvedPenalty   = 0.30
	errorDensityPenalty = 0.40
)

// Aggregate folds mapping confidence, unmapped fields and validation error
// density into a single 0..1 score used for the auto-advance decision.
// density is the fraction of validated rows that still carry errors.
func Aggregate(mappings []models.FieldMapping, density float64) float64 {
	if len(mappings) == 0 {
		return 0
	}

	var mapped int
	var total float64
	for _, m := range mappings {
		if m.IsMapped() {
			mapped++
			total += m.Confidence
		}
	}

	mean := 0.0
	if mapped > 0 {
		mean = total / float64(mapped) / 100
	}
	unresolved := float64(len(mappings)-mapped) / float64(len(mappings))
	density = math.Max(0, math.Min(1, density))

	score := mean - unresolvedPenalty*unresolved - errorDensityPenalty*density
	return math.Max(0, math.Min(1, score))
}
