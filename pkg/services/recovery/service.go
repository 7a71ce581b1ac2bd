// Package recovery proposes and applies automatic corrections for validation errors.
package recovery

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/config"
	"github.com/ekaya-inc/ekaya-import/pkg/database"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/repositories"
	"github.com/ekaya-inc/ekaya-import/pkg/services/validation"
)

// baseConfidence is the prior reliability of each fix type before effectiveness weighting.
var baseConfidence = map[models.FixType]float64{
	models.FixTrimWhitespace:      0.99,
	models.FixStripCurrency:       0.95,
	models.FixNormalizeBoolean:    0.95,
	models.FixNormalizeCase:       0.93,
	models.FixNormalizeEmail:      0.92,
	models.FixNormalizePercentage: 0.90,
	models.FixNormalizeURL:        0.88,
	models.FixNormalizeDate:       0.85,
	models.FixTruncate:            0.70,
}

const maxFixConfidence = 0.99

// FixConfidence weights a fix type's base confidence by its rolling effectiveness score.
func FixConfidence(fixType models.FixType, score float64) float64 {
	base, ok := baseConfidence[fixType]
	if !ok {
		return 0
	}
	return math.Min(maxFixConfidence, base*(0.8+0.4*score))
}

// Service turns validation errors into fixes and applies them.
type Service interface {
	// Analyze proposes one fix per erroneous cell.
	Analyze(ctx context.Context, errs []models.ValidationError, schema *models.TargetSchema) ([]models.AutoFix, error)

	// ApplyFixes applies eligible fixes to a copy of rows and re-validates them.
	// A fix is eligible when it auto-applies or its type is in approved.
	ApplyFixes(ctx context.Context, rows []models.PreviewRow, fixes []models.AutoFix, approved []models.FixType, schema *models.TargetSchema) ([]models.PreviewRow, *models.FixReport, error)
}

type service struct {
	repo      repositories.FixEffectivenessRepository
	scope     database.ScopeFunc
	validator validation.Validator
	cfg       config.RecoveryConfig
	logger    *zap.Logger
}

// NewService creates the recovery service.
func NewService(repo repositories.FixEffectivenessRepository, scope database.ScopeFunc, validator validation.Validator, cfg config.RecoveryConfig, logger *zap.Logger) Service {
	if cfg.AutoApplyThreshold <= 0 {
		cfg.AutoApplyThreshold = 0.9
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.2
	}
	return &service{
		repo:      repo,
		scope:     scope,
		validator: validator,
		cfg:       cfg,
		logger:    logger.Named("recovery"),
	}
}

var _ Service = (*service)(nil)

type cellKey struct {
	row   int
	field string
}

func (s *service) Analyze(ctx context.Context, errs []models.ValidationError, schema *models.TargetSchema) ([]models.AutoFix, error) {
	if len(errs) == 0 {
		return nil, nil
	}
	scores := s.loadScores(ctx)

	// one fix per cell, driven by its most specific violation
	byCell := make(map[cellKey]models.ValidationError)
	var order []cellKey
	for _, e := range errs {
		k := cellKey{e.RowIndex, e.Field}
		cur, ok := byCell[k]
		if !ok {
			order = append(order, k)
			byCell[k] = e
			continue
		}
		if rulePrecedence(e.Rule) < rulePrecedence(cur.Rule) {
			byCell[k] = e
		}
	}

	fixes := make([]models.AutoFix, 0, len(order))
	for _, k := range order {
		e := byCell[k]
		field := schema.Field(e.Field)
		if field == nil {
			continue
		}
		fix := propose(e, field)
		if fix.ManualOnly {
			fix.Confidence = 0
		} else {
			score, ok := scores[fix.Type]
			if !ok {
				score = models.NeutralFixScore
			}
			fix.Confidence = FixConfidence(fix.Type, score)
			fix.AutoApply = fix.Confidence >= s.cfg.AutoApplyThreshold
		}
		fixes = append(fixes, fix)
	}

	s.logger.Debug("Analyzed validation errors",
		zap.Int("errors", len(errs)),
		zap.Int("fixes", len(fixes)))
	return fixes, nil
}

// rulePrecedence orders violations on the same cell; lower decides the fix.
func rulePrecedence(rule models.ValidationRule) int {
	switch rule {
	case models.RuleInjection, models.RuleRequired, models.RuleUnique:
		return 0
	case models.RuleType, models.RuleFormat:
		return 1
	case models.RuleRange, models.RuleEnum:
		return 2
	case models.RuleMaxLength:
		return 3
	default:
		return 4
	}
}

func (s *service) loadScores(ctx context.Context) map[models.FixType]float64 {
	scores := make(map[models.FixType]float64)
	scoped, cleanup, err := s.scope(ctx)
	if err != nil {
		s.logger.Warn("Failed to acquire scope for fix effectiveness, using neutral scores", zap.Error(err))
		return scores
	}
	defer cleanup()

	all, err := s.repo.GetAll(scoped)
	if err != nil {
		s.logger.Warn("Failed to load fix effectiveness, using neutral scores", zap.Error(err))
		return scores
	}
	for t, e := range all {
		scores[t] = e.Score
	}
	return scores
}

func propose(e models.ValidationError, field *models.TargetField) models.AutoFix {
	fix := models.AutoFix{
		RowIndex: e.RowIndex,
		Field:    e.Field,
		OldValue: e.Value,
	}
	manual := func(reason string) models.AutoFix {
		fix.Type = models.FixManual
		fix.ManualOnly = true
		fix.Reason = reason
		return fix
	}
	apply := func(t models.FixType, value string, ok bool) models.AutoFix {
		if !ok {
			return manual(fmt.Sprintf("%s could not correct the value", t))
		}
		fix.Type = t
		fix.NewValue = value
		return fix
	}

	switch e.Rule {
	case models.RuleWhitespace:
		return apply(models.FixTrimWhitespace, strings.TrimSpace(e.Value), true)

	case models.RuleType:
		switch field.Type {
		case models.PrimitiveBoolean:
			v, ok := NormalizeBoolean(e.Value)
			return apply(models.FixNormalizeBoolean, v, ok)
		case models.PrimitiveNumber, models.PrimitiveInteger:
			if strings.Contains(e.Value, "%") || field.SemanticType == models.SemanticPercentage {
				fractional := field.Max != nil && *field.Max <= 1
				v, ok := NormalizePercentage(e.Value, fractional)
				return apply(models.FixNormalizePercentage, v, ok)
			}
			v, ok := StripCurrency(e.Value)
			return apply(models.FixStripCurrency, v, ok)
		}
		return manual("no automatic conversion for this type")

	case models.RuleFormat:
		switch field.SemanticType {
		case models.SemanticEmail:
			v, ok := NormalizeEmail(e.Value)
			return apply(models.FixNormalizeEmail, v, ok)
		case models.SemanticURL:
			v, ok := NormalizeURL(e.Value)
			return apply(models.FixNormalizeURL, v, ok)
		case models.SemanticDate:
			v, ok := NormalizeDate(e.Value)
			return apply(models.FixNormalizeDate, v, ok)
		}
		return manual("no automatic conversion for this format")

	case models.RuleMaxLength:
		v, ok := Truncate(e.Value, field.MaxLength)
		return apply(models.FixTruncate, v, ok)

	case models.RuleEnum:
		if e.Severity == models.SeverityLow {
			v, ok := validation.EnumMatch(field.Enum, strings.TrimSpace(e.Value))
			return apply(models.FixNormalizeCase, v, ok)
		}
		return manual("value is not an allowed option")

	case models.RuleRequired:
		return manual("required value is missing")
	case models.RuleUnique:
		return manual("duplicate values need a human decision")
	case models.RuleInjection:
		return manual("suspicious value must be reviewed")
	}
	return manual("no automatic fix for this rule")
}

func (s *service) ApplyFixes(ctx context.Context, rows []models.PreviewRow, fixes []models.AutoFix, approved []models.FixType, schema *models.TargetSchema) ([]models.PreviewRow, *models.FixReport, error) {
	fixed := make([]models.PreviewRow, len(rows))
	index := make(map[int]int, len(rows))
	for i, row := range rows {
		fixed[i] = models.PreviewRow{RowIndex: row.RowIndex, Values: maps.Clone(row.Values)}
		if fixed[i].Values == nil {
			fixed[i].Values = make(map[string]string)
		}
		index[row.RowIndex] = i
	}

	report := &models.FixReport{AppliedByType: make(map[models.FixType]int)}
	attempts := make(map[models.FixType]int)
	successes := make(map[models.FixType]int)
	pendingTypes := make(map[models.FixType]bool)

	for _, fix := range fixes {
		if fix.ManualOnly || fix.Type == models.FixManual {
			report.ManualOnly = append(report.ManualOnly, fix)
			continue
		}
		if !fix.AutoApply && !slices.Contains(approved, fix.Type) {
			report.Pending = append(report.Pending, fix)
			pendingTypes[fix.Type] = true
			continue
		}
		i, ok := index[fix.RowIndex]
		field := schema.Field(fix.Field)
		if !ok || field == nil {
			continue
		}

		row := &fixed[i]
		old := row.Values[fix.Field]
		row.Values[fix.Field] = fix.NewValue
		attempts[fix.Type]++

		if errs := s.validator.ValidateValue(row.RowIndex, field, fix.NewValue); len(errs) > 0 {
			row.Values[fix.Field] = old
			fix.Reason = errs[0].Message
			report.Failed = append(report.Failed, fix)
			continue
		}
		successes[fix.Type]++
		report.Applied = append(report.Applied, fix)
		report.AppliedByType[fix.Type]++
	}

	report.Remaining = s.validator.ValidateRows(fixed, schema)
	report.PendingTypes = slices.Sorted(maps.Keys(pendingTypes))

	s.recordOutcomes(ctx, attempts, successes)

	s.logger.Info("Applied fixes",
		zap.Int("applied", len(report.Applied)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("pending", len(report.Pending)),
		zap.Int("manual_only", len(report.ManualOnly)),
		zap.Int("remaining_errors", len(report.Remaining)))
	return fixed, report, nil
}

func (s *service) recordOutcomes(ctx context.Context, attempts, successes map[models.FixType]int) {
	if len(attempts) == 0 {
		return
	}
	scoped, cleanup, err := s.scope(ctx)
	if err != nil {
		s.logger.Warn("Failed to acquire scope for fix outcomes", zap.Error(err))
		return
	}
	defer cleanup()

	for fixType, n := range attempts {
		if err := s.repo.RecordOutcomes(scoped, fixType, n, successes[fixType], s.cfg.LearningRate); err != nil {
			s.logger.Warn("Failed to record fix outcomes",
				zap.String("fix_type", string(fixType)),
				zap.Error(err))
		}
	}
}
