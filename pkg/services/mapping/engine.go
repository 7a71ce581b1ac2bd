package mapping

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-import/pkg/config"
	"github.com/ekaya-inc/ekaya-import/pkg/llm"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// Options control one resolution pass.
type Options struct {
	EntityType string
	// MinConfidence is the bar a field must reach before the external
	// classifier is considered unnecessary. Zero uses the configured value.
	MinConfidence  float64
	EnableExternal bool
	// Budget is the session's classifier budget. Required when EnableExternal is set.
	Budget *llm.Budget
	// Cancelled is polled between strategies.
	Cancelled func() bool
}

// Engine resolves source fields onto a target schema.
type Engine interface {
	Resolve(ctx context.Context, fields []models.SourceField, schema *models.TargetSchema, opts Options) (*models.MappingResult, error)
}

type engine struct {
	strategies []Strategy // run in order, all independent
	external   Strategy   // nil when no classifier is configured
	cfg        config.MappingConfig
	logger     *zap.Logger
}

// NewEngine creates an Engine. cache and external may be nil.
func NewEngine(cache Cache, external Strategy, cfg config.MappingConfig, logger *zap.Logger) Engine {
	strategies := []Strategy{
		NewExactStrategy(),
		NewFuzzyStrategy(cfg.FuzzyMinSimilarity),
		NewStatisticalStrategy(cfg.StatisticalMinScore),
	}
	if cache != nil {
		strategies = append(strategies, NewHistoricalStrategy(cache))
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 70
	}
	if cfg.AmbiguityMargin <= 0 {
		cfg.AmbiguityMargin = 5
	}
	return &engine{
		strategies: strategies,
		external:   external,
		cfg:        cfg,
		logger:     logger.Named("mapping"),
	}
}

var _ Engine = (*engine)(nil)

func (e *engine) Resolve(ctx context.Context, fields []models.SourceField, schema *models.TargetSchema, opts Options) (*models.MappingResult, error) {
	if schema == nil || len(schema.Fields) == 0 {
		return nil, fmt.Errorf("target schema has no fields")
	}
	start := time.Now()
	minConfidence := opts.MinConfidence
	if minConfidence <= 0 {
		minConfidence = e.cfg.MinConfidence
	}
	entityType := opts.EntityType
	if entityType == "" {
		entityType = schema.EntityType
	}

	in := &Input{EntityType: entityType, Fields: fields, Schema: schema, Budget: opts.Budget}
	var candidates []Candidate
	var warnings []models.MappingWarning

	for _, s := range e.strategies {
		if err := checkCancelled(ctx, opts); err != nil {
			return nil, err
		}
		found, err := s.Candidates(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperrors.ErrCancelled
			}
			// a failing strategy degrades resolution, it never aborts it
			e.logger.Warn("Mapping strategy failed",
				zap.String("strategy", string(s.Kind())),
				zap.Error(err))
			warnings = append(warnings, models.MappingWarning{
				Kind:    "strategy_failed",
				Message: fmt.Sprintf("%s strategy failed: %v", s.Kind(), err),
			})
		}
		candidates = append(candidates, found...)
	}

	if opts.EnableExternal && e.external != nil && opts.Budget != nil {
		if err := checkCancelled(ctx, opts); err != nil {
			return nil, err
		}
		unresolved := unresolvedFields(fields, candidates, minConfidence)
		if len(unresolved) > 0 {
			extIn := &Input{EntityType: entityType, Fields: unresolved, Schema: schema, Budget: opts.Budget}
			found, err := e.external.Candidates(ctx, extIn)
			if err != nil && ctx.Err() != nil {
				return nil, apperrors.ErrCancelled
			}
			candidates = append(candidates, found...)
			in.external.calls.Add(extIn.external.calls.Load())
			in.external.failures.Add(extIn.external.failures.Load())
		}
	}

	mappings, mergeWarnings := merge(fields, candidates, e.cfg.AmbiguityMargin)
	warnings = append(warnings, mergeWarnings...)

	result := &models.MappingResult{
		EntityType: entityType,
		Mappings:   mappings,
		Metadata:   buildMetadata(mappings, schema, warnings),
		CreatedAt:  time.Now(),
	}
	result.Metadata.ExternalCalls = int(in.external.calls.Load())
	result.Metadata.ExternalFailures = int(in.external.failures.Load())
	if opts.Budget != nil {
		result.Metadata.ExternalCost = opts.Budget.Spent()
	}
	result.Metadata.DurationMs = time.Since(start).Milliseconds()

	e.logger.Info("Resolved field mappings",
		zap.String("entity_type", entityType),
		zap.Int("fields", len(fields)),
		zap.Int("mapped", result.Metadata.MappedCount),
		zap.Int("unmapped", result.Metadata.UnmappedCount),
		zap.Float64("aggregate_confidence", result.Metadata.AggregateConfidence),
		zap.Int("external_calls", result.Metadata.ExternalCalls))

	return result, nil
}

func checkCancelled(ctx context.Context, opts Options) error {
	if err := ctx.Err(); err != nil {
		return errors.Join(apperrors.ErrCancelled, err)
	}
	if opts.Cancelled != nil && opts.Cancelled() {
		return apperrors.ErrCancelled
	}
	return nil
}

// unresolvedFields returns fields whose best candidate is below minConfidence.
func unresolvedFields(fields []models.SourceField, candidates []Candidate, minConfidence float64) []models.SourceField {
	best := make(map[string]float64, len(fields))
	for _, c := range candidates {
		if c.Confidence > best[c.Source] {
			best[c.Source] = c.Confidence
		}
	}
	var out []models.SourceField
	for _, f := range fields {
		if best[f.Name] < minConfidence {
			out = append(out, f)
		}
	}
	return out
}

// merge assigns targets greedily across all sources: the globally strongest
// candidate wins its target, and a source that loses its first choice falls
// through to its next best unclaimed target.
func merge(fields []models.SourceField, candidates []Candidate, margin float64) ([]models.FieldMapping, []models.MappingWarning) {
	position := make(map[string]int, len(fields))
	for i, f := range fields {
		position[f.Name] = i
	}

	// keep the strongest candidate per (source, target)
	type pair struct{ source, target string }
	strongest := make(map[pair]Candidate)
	for _, c := range candidates {
		if _, ok := position[c.Source]; !ok {
			continue
		}
		c.Confidence = clampConfidence(c.Confidence)
		k := pair{c.Source, c.Target}
		if cur, ok := strongest[k]; !ok || outranks(c, cur) {
			strongest[k] = c
		}
	}

	ranked := make([]Candidate, 0, len(strongest))
	for _, c := range strongest {
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Confidence != b.Confidence || a.Strategy != b.Strategy {
			return outranks(a, b)
		}
		if position[a.Source] != position[b.Source] {
			return position[a.Source] < position[b.Source]
		}
		return a.Target < b.Target
	})

	ambiguous, warnings := detectAmbiguity(fields, ranked, margin)

	assigned := make(map[string]Candidate, len(fields))
	claimed := make(map[string]bool)
	for _, c := range ranked {
		if _, done := assigned[c.Source]; done || claimed[c.Target] {
			continue
		}
		assigned[c.Source] = c
		claimed[c.Target] = true
	}

	mappings := make([]models.FieldMapping, len(fields))
	for i, f := range fields {
		c, ok := assigned[f.Name]
		if !ok {
			mappings[i] = models.FieldMapping{
				SourceField: f.Name,
				Strategy:    models.StrategyNone,
				Rationale:   "no strategy produced an unclaimed target",
			}
			continue
		}
		m := models.FieldMapping{
			SourceField: f.Name,
			TargetField: c.Target,
			Confidence:  c.Confidence,
			Strategy:    c.Strategy,
			Rationale:   c.Rationale,
		}
		if ambiguous[f.Name] {
			m.Ambiguous = true
			m.Confidence = math.Max(1, m.Confidence-margin)
		}
		mappings[i] = m
	}
	return mappings, warnings
}

// outranks orders by confidence, then strategy priority.
func outranks(a, b Candidate) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.Strategy.Rank() < b.Strategy.Rank()
}

// detectAmbiguity flags sources whose two best targets are within margin points.
// An exact match is never ambiguous.
func detectAmbiguity(fields []models.SourceField, ranked []Candidate, margin float64) (map[string]bool, []models.MappingWarning) {
	bySource := make(map[string][]Candidate)
	for _, c := range ranked {
		bySource[c.Source] = append(bySource[c.Source], c)
	}

	ambiguous := make(map[string]bool)
	var warnings []models.MappingWarning
	for _, f := range fields {
		cands := bySource[f.Name]
		if len(cands) < 2 || cands[0].Strategy == models.StrategyExact {
			continue
		}
		top, next := cands[0], cands[1]
		if top.Confidence-next.Confidence >= margin {
			continue
		}
		ambiguous[f.Name] = true
		w := &apperrors.MappingAmbiguityWarning{
			SourceField: f.Name,
			Candidates:  []string{top.Target, next.Target},
			Margin:      top.Confidence - next.Confidence,
		}
		warnings = append(warnings, models.MappingWarning{
			Kind:        "ambiguous",
			SourceField: f.Name,
			Candidates:  w.Candidates,
			Message:     w.Error(),
		})
	}
	return ambiguous, warnings
}

func clampConfidence(c float64) float64 {
	return math.Max(0, math.Min(100, c))
}

func buildMetadata(mappings []models.FieldMapping, schema *models.TargetSchema, warnings []models.MappingWarning) models.MappingMetadata {
	meta := models.MappingMetadata{
		StrategyCounts: make(map[models.MappingStrategy]int),
		Warnings:       warnings,
	}
	claimed := make(map[string]bool)
	total := 0.0
	for _, m := range mappings {
		if !m.IsMapped() {
			meta.UnmappedCount++
			continue
		}
		meta.MappedCount++
		meta.StrategyCounts[m.Strategy]++
		claimed[m.TargetField] = true
		total += m.Confidence
	}
	if meta.MappedCount > 0 {
		meta.AggregateConfidence = total / float64(meta.MappedCount)
	}
	for _, name := range schema.RequiredFields() {
		if !claimed[name] {
			meta.UnclaimedRequired = append(meta.UnclaimedRequired, name)
		}
	}
	return meta
}
