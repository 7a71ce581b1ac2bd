package mapping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/database"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

func TestOutcomeForStatus(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, OutcomeForStatus(models.ImportStatusCompleted))
	assert.Equal(t, OutcomeFailure, OutcomeForStatus(models.ImportStatusFailed))
	assert.Equal(t, OutcomeNeutral, OutcomeForStatus(models.ImportStatusCancelled))
	assert.Equal(t, OutcomeNeutral, OutcomeForStatus(models.ImportStatusTimeout))
}

func TestCache_RecordConfirmed(t *testing.T) {
	repo := newMemoryCacheRepo()
	cache := NewCache(repo, database.NoScope, 0.2, zap.NewNop())

	mappings := []models.FieldMapping{
		{SourceField: "Prod Names", TargetField: "name", Confidence: 80, Strategy: models.StrategyFuzzy},
		{SourceField: "mystery"},
	}
	cache.RecordConfirmed(context.Background(), "product", mappings)
	cache.Wait()

	entry := repo.get("product", "prod_name", "name")
	require.NotNil(t, entry)
	assert.Equal(t, int64(1), entry.UsageCount)
	assert.Equal(t, 80.0, entry.Confidence)

	// a second confirmation bumps usage and keeps the higher confidence
	mappings[0].Confidence = 60
	cache.RecordConfirmed(context.Background(), "product", mappings)
	cache.Wait()

	entry = repo.get("product", "prod_name", "name")
	assert.Equal(t, int64(2), entry.UsageCount)
	assert.Equal(t, 80.0, entry.Confidence)
	assert.Len(t, repo.entries, 1)
}

func TestCache_RecordOutcome(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		want    float64
	}{
		{"success raises rate", OutcomeSuccess, 0.8 + 0.2*(1-0.8)},
		{"failure lowers rate", OutcomeFailure, 0.8 - 0.2*0.8},
		{"neutral leaves rate", OutcomeNeutral, 0.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemoryCacheRepo()
			repo.put(&models.MappingCacheEntry{
				EntityType: "product", Pattern: "amt", TargetField: "price",
				Confidence: 90, UsageCount: 3, SuccessRate: 0.8, LastUsedAt: time.Now(),
			})
			cache := NewCache(repo, database.NoScope, 0.2, zap.NewNop())

			cache.RecordOutcome(context.Background(), "product", []models.FieldMapping{
				{SourceField: "AMT", TargetField: "price", Confidence: 90},
			}, tt.outcome)
			cache.Wait()

			entry := repo.get("product", "amt", "price")
			require.NotNil(t, entry)
			assert.InDelta(t, tt.want, entry.SuccessRate, 1e-9)
			assert.Equal(t, int64(3), entry.UsageCount)
		})
	}
}

func TestCache_BackgroundWriteOutlivesRequestContext(t *testing.T) {
	repo := newMemoryCacheRepo()
	cache := NewCache(repo, database.NoScope, 0.2, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cache.RecordConfirmed(ctx, "product", []models.FieldMapping{
		{SourceField: "sku", TargetField: "sku", Confidence: 100},
	})
	cancel()
	cache.Wait()

	assert.NotNil(t, repo.get("product", "sku", "sku"))
}

func TestBestEntry(t *testing.T) {
	now := time.Now()
	schema := scenarioSchema()
	entries := []*models.MappingCacheEntry{
		{TargetField: "colour", Confidence: 100, SuccessRate: 1, LastUsedAt: now},
		{TargetField: "name", Confidence: 90, SuccessRate: 0.5, LastUsedAt: now},
		{TargetField: "price", Confidence: 80, SuccessRate: 0.9, UsageCount: 1, LastUsedAt: now.Add(-365 * 24 * time.Hour)},
		{TargetField: "sku", Confidence: 80, SuccessRate: 0.9, UsageCount: 10, LastUsedAt: now},
	}

	best := bestEntry(entries, schema, now)
	require.NotNil(t, best)
	// colour is not in the schema; sku ties price and is more relevant
	assert.Equal(t, "sku", best.TargetField)

	assert.Nil(t, bestEntry(nil, schema, now))
}
