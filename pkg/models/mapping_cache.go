package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// MappingCacheEntry remembers a confirmed source-pattern to target mapping.
// Entries are unique on (pattern, target field, entity type) and never deleted.
type MappingCacheEntry struct {
	ID          uuid.UUID `json:"id"`
	EntityType  string    `json:"entity_type"`
	Pattern     string    `json:"pattern"`
	TargetField string    `json:"target_field"`
	Confidence  float64   `json:"confidence"` // 0 - 100
	UsageCount  int64     `json:"usage_count"`
	SuccessRate float64   `json:"success_rate"` // 0.0 - 1.0, rolling
	LastUsedAt  time.Time `json:"last_used_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// EffectiveConfidence is confidence weighted by success rate.
func (e *MappingCacheEntry) EffectiveConfidence() float64 {
	return e.Confidence * e.SuccessRate
}

// cacheRelevanceHalfLife is the age at which recency weight halves.
const cacheRelevanceHalfLife = 90 * 24 * time.Hour

// Relevance weights an entry by recency and usage. It only ranks entries
// against each other; it never removes them.
func (e *MappingCacheEntry) Relevance(now time.Time) float64 {
	age := now.Sub(e.LastUsedAt)
	if age < 0 {
		age = 0
	}
	recency := math.Pow(0.5, float64(age)/float64(cacheRelevanceHalfLife))
	usage := math.Log1p(float64(e.UsageCount))
	return recency * (1 + usage)
}

// UpdateSuccessRate returns the rolling rate after one observed outcome.
func UpdateSuccessRate(current float64, success bool, learningRate float64) float64 {
	target := 0.0
	if success {
		target = 1.0
	}
	next := current + learningRate*(target-current)
	return math.Max(0, math.Min(1, next))
}
