package mapping

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// historicalStrategy reuses mappings confirmed by earlier sessions.
type historicalStrategy struct {
	cache Cache
	now   func() time.Time
}

// NewHistoricalStrategy creates the cache-backed strategy.
func NewHistoricalStrategy(cache Cache) Strategy {
	return historicalStrategy{cache: cache, now: time.Now}
}

func (historicalStrategy) Kind() models.MappingStrategy { return models.StrategyHistorical }
func (historicalStrategy) sealed()                      {}

func (s historicalStrategy) Candidates(ctx context.Context, in *Input) ([]Candidate, error) {
	now := s.now()
	var out []Candidate
	for i := range in.Fields {
		field := &in.Fields[i]
		pattern := sourceNames(field).pattern
		if pattern == "" {
			continue
		}

		entries, err := s.cache.Lookup(ctx, in.EntityType, pattern)
		if err != nil {
			return out, fmt.Errorf("lookup %q: %w", pattern, err)
		}

		best := bestEntry(entries, in.Schema, now)
		if best == nil {
			continue
		}
		out = append(out, Candidate{
			Source:     field.Name,
			Target:     best.TargetField,
			Confidence: math.Min(100, best.EffectiveConfidence()),
			Strategy:   models.StrategyHistorical,
			Rationale: fmt.Sprintf("confirmed %d times, success rate %.2f",
				best.UsageCount, best.SuccessRate),
		})
	}
	return out, nil
}

// bestEntry picks the highest confidence x success rate among entries whose
// target exists in the schema; relevance breaks ties.
func bestEntry(entries []*models.MappingCacheEntry, schema *models.TargetSchema, now time.Time) *models.MappingCacheEntry {
	var best *models.MappingCacheEntry
	for _, e := range entries {
		if schema.Field(e.TargetField) == nil || e.EffectiveConfidence() <= 0 {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		ec, bc := e.EffectiveConfidence(), best.EffectiveConfidence()
		if ec > bc || (ec == bc && e.Relevance(now) > best.Relevance(now)) {
			best = e
		}
	}
	return best
}
