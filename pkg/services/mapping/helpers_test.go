package mapping

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/repositories"
)

// memoryCacheRepo is an in-memory MappingCacheRepository.
type memoryCacheRepo struct {
	mu       sync.Mutex
	entries  map[string]*models.MappingCacheEntry
	findErr  error
	findHits int
}

func newMemoryCacheRepo() *memoryCacheRepo {
	return &memoryCacheRepo{entries: make(map[string]*models.MappingCacheEntry)}
}

var _ repositories.MappingCacheRepository = (*memoryCacheRepo)(nil)

func cacheKey(entityType, pattern, target string) string {
	return entityType + "|" + pattern + "|" + target
}

func (r *memoryCacheRepo) put(e *models.MappingCacheEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	r.entries[cacheKey(e.EntityType, e.Pattern, e.TargetField)] = e
}

func (r *memoryCacheRepo) get(entityType, pattern, target string) *models.MappingCacheEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[cacheKey(entityType, pattern, target)]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

func (r *memoryCacheRepo) FindByPattern(ctx context.Context, entityType, pattern string) ([]*models.MappingCacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findHits++
	if r.findErr != nil {
		return nil, r.findErr
	}
	var out []*models.MappingCacheEntry
	for _, e := range r.entries {
		if e.EntityType == entityType && e.Pattern == pattern {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memoryCacheRepo) RecordConfirmed(ctx context.Context, entityType, pattern, targetField string, confidence float64) (*models.MappingCacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := cacheKey(entityType, pattern, targetField)
	e, ok := r.entries[key]
	if !ok {
		e = &models.MappingCacheEntry{
			ID:          uuid.New(),
			EntityType:  entityType,
			Pattern:     pattern,
			TargetField: targetField,
			SuccessRate: 1,
			CreatedAt:   time.Now(),
		}
		r.entries[key] = e
	}
	e.UsageCount++
	e.Confidence = max(e.Confidence, confidence)
	e.LastUsedAt = time.Now()
	cp := *e
	return &cp, nil
}

func (r *memoryCacheRepo) RecordOutcome(ctx context.Context, entityType, pattern, targetField string, success bool, learningRate float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[cacheKey(entityType, pattern, targetField)]
	if !ok {
		return nil
	}
	e.SuccessRate = models.UpdateSuccessRate(e.SuccessRate, success, learningRate)
	return nil
}

func (r *memoryCacheRepo) List(ctx context.Context, entityType string, limit int) ([]*models.MappingCacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.MappingCacheEntry
	for _, e := range r.entries {
		if e.EntityType == entityType {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// scenarioSchema is the three-field schema of the prod_name/amt/sku scenario.
func scenarioSchema() *models.TargetSchema {
	full := models.CatalogSchemas["product"]
	return &models.TargetSchema{
		EntityType: "product",
		Fields: []models.TargetField{
			*full.Field("name"),
			*full.Field("price"),
			*full.Field("sku"),
		},
	}
}

func scenarioFields() []models.SourceField {
	return []models.SourceField{
		{
			Name: "prod_name", Position: 0,
			PrimitiveType: models.PrimitiveString, SemanticType: models.SemanticText,
			UniqueRate: 0.9, SampleValues: []string{"Blue Mug", "Red Kettle"},
			Tokens: []string{"prod", "name"}, Expansions: map[string]string{"prod": "product"},
		},
		{
			Name: "amt", Position: 1,
			PrimitiveType: models.PrimitiveNumber, SemanticType: models.SemanticCurrency,
			UniqueRate: 0.8, SampleValues: []string{"12.50", "8.99"},
			Tokens: []string{"amt"}, Expansions: map[string]string{"amt": "amount"},
		},
		{
			Name: "sku", Position: 2,
			PrimitiveType: models.PrimitiveString, SemanticType: models.SemanticSKU,
			UniqueRate: 1, SampleValues: []string{"MUG-001", "KET-002"},
			Tokens: []string{"sku"},
		},
	}
}

func mappingFor(result *models.MappingResult, source string) models.FieldMapping {
	for _, m := range result.Mappings {
		if m.SourceField == source {
			return m
		}
	}
	return models.FieldMapping{}
}
