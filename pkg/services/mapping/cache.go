package mapping

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/database"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/naming"
	"github.com/ekaya-inc/ekaya-import/pkg/repositories"
)

// Outcome is how a session that used cached mappings ended.
type Outcome int

const (
	OutcomeNeutral Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "neutral"
	}
}

// OutcomeForStatus maps a terminal session status to a cache outcome.
// Cancelled and timed out sessions say nothing about mapping quality.
func OutcomeForStatus(status models.ImportStatus) Outcome {
	switch status {
	case models.ImportStatusCompleted:
		return OutcomeSuccess
	case models.ImportStatusFailed:
		return OutcomeFailure
	default:
		return OutcomeNeutral
	}
}

// Cache is the cross-session memory of confirmed mappings.
type Cache interface {
	// Lookup returns the entries stored for a normalized source pattern.
	Lookup(ctx context.Context, entityType, pattern string) ([]*models.MappingCacheEntry, error)

	// RecordConfirmed writes confirmed mappings in the background.
	RecordConfirmed(ctx context.Context, entityType string, mappings []models.FieldMapping)

	// RecordOutcome folds a session outcome into the success rates in the background.
	// Neutral outcomes are ignored.
	RecordOutcome(ctx context.Context, entityType string, mappings []models.FieldMapping, outcome Outcome)

	// Wait blocks until background writes have finished.
	Wait()
}

type cache struct {
	repo         repositories.MappingCacheRepository
	scope        database.ScopeFunc
	learningRate float64
	logger       *zap.Logger
	wg           sync.WaitGroup
}

// NewCache creates a Cache backed by the mapping cache repository.
func NewCache(repo repositories.MappingCacheRepository, scope database.ScopeFunc, learningRate float64, logger *zap.Logger) Cache {
	if learningRate <= 0 || learningRate > 1 {
		learningRate = 0.2
	}
	return &cache{
		repo:         repo,
		scope:        scope,
		learningRate: learningRate,
		logger:       logger.Named("mapping-cache"),
	}
}

var _ Cache = (*cache)(nil)

// PatternFor returns the cache key for a source field name.
func PatternFor(sourceField string) string {
	return naming.Pattern(sourceField)
}

func (c *cache) Lookup(ctx context.Context, entityType, pattern string) ([]*models.MappingCacheEntry, error) {
	scoped, cleanup, err := c.scope(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	return c.repo.FindByPattern(scoped, entityType, pattern)
}

func (c *cache) RecordConfirmed(ctx context.Context, entityType string, mappings []models.FieldMapping) {
	confirmed := mappedOnly(mappings)
	if len(confirmed) == 0 {
		return
	}

	c.background(func(ctx context.Context) {
		for _, m := range confirmed {
			pattern := PatternFor(m.SourceField)
			if _, err := c.repo.RecordConfirmed(ctx, entityType, pattern, m.TargetField, m.Confidence); err != nil {
				c.logger.Warn("Failed to record confirmed mapping",
					zap.String("pattern", pattern),
					zap.String("target_field", m.TargetField),
					zap.Error(err))
			}
		}
		c.logger.Debug("Recorded confirmed mappings",
			zap.String("entity_type", entityType),
			zap.Int("count", len(confirmed)))
	})
}

func (c *cache) RecordOutcome(ctx context.Context, entityType string, mappings []models.FieldMapping, outcome Outcome) {
	if outcome == OutcomeNeutral {
		return
	}
	confirmed := mappedOnly(mappings)
	if len(confirmed) == 0 {
		return
	}
	success := outcome == OutcomeSuccess

	c.background(func(ctx context.Context) {
		for _, m := range confirmed {
			pattern := PatternFor(m.SourceField)
			if err := c.repo.RecordOutcome(ctx, entityType, pattern, m.TargetField, success, c.learningRate); err != nil {
				c.logger.Warn("Failed to record mapping outcome",
					zap.String("pattern", pattern),
					zap.String("outcome", outcome.String()),
					zap.Error(err))
			}
		}
	})
}

func (c *cache) Wait() {
	c.wg.Wait()
}

// background runs fn on a fresh scope detached from the caller's request,
// whose connection may be released before fn runs.
func (c *cache) background(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cleanup, err := c.scope(context.Background())
		if err != nil {
			c.logger.Error("Failed to acquire scope for cache write", zap.Error(err))
			return
		}
		defer cleanup()
		fn(ctx)
	}()
}

func mappedOnly(mappings []models.FieldMapping) []models.FieldMapping {
	var out []models.FieldMapping
	for _, m := range mappings {
		if m.IsMapped() {
			out = append(out, m)
		}
	}
	return out
}
