package repositories

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// FixEffectivenessRepository aggregates auto-fix outcomes per fix type.
type FixEffectivenessRepository interface {
	// GetAll returns every recorded fix type. Missing types are neutral.
	GetAll(ctx context.Context) (map[models.FixType]*models.FixEffectiveness, error)

	// RecordOutcomes folds one pass of outcomes for a fix type into the rolling score.
	// The score moves toward the pass's success ratio at learningRate.
	RecordOutcomes(ctx context.Context, fixType models.FixType, attempts, successes int, learningRate float64) error
}

type fixEffectivenessRepository struct{}

// NewFixEffectivenessRepository creates a new FixEffectivenessRepository.
func NewFixEffectivenessRepository() FixEffectivenessRepository {
	return &fixEffectivenessRepository{}
}

var _ FixEffectivenessRepository = (*fixEffectivenessRepository)(nil)

func (r *fixEffectivenessRepository) GetAll(ctx context.Context) (map[models.FixType]*models.FixEffectiveness, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `SELECT fix_type, attempts, successes, score FROM import_fix_effectiveness`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fix effectiveness: %w", err)
	}
	defer rows.Close()

	out := make(map[models.FixType]*models.FixEffectiveness)
	for rows.Next() {
		var e models.FixEffectiveness
		if err := rows.Scan(&e.FixType, &e.Attempts, &e.Successes, &e.Score); err != nil {
			return nil, fmt.Errorf("failed to scan fix effectiveness: %w", err)
		}
		out[e.FixType] = &e
	}
	return out, rows.Err()
}

func (r *fixEffectivenessRepository) RecordOutcomes(ctx context.Context, fixType models.FixType, attempts, successes int, learningRate float64) error {
	if attempts <= 0 {
		return nil
	}
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	ratio := float64(successes) / float64(attempts)
	initial := models.NeutralFixScore + learningRate*(ratio-models.NeutralFixScore)

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO import_fix_effectiveness (fix_type, attempts, successes, score, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (fix_type) DO UPDATE SET
			attempts = import_fix_effectiveness.attempts + EXCLUDED.attempts,
			successes = import_fix_effectiveness.successes + EXCLUDED.successes,
			score = LEAST(1, GREATEST(0, import_fix_effectiveness.score + $5 * ($6 - import_fix_effectiveness.score))),
			updated_at = NOW()`,
		string(fixType), attempts, successes, initial, learningRate, ratio,
	)
	if err != nil {
		return fmt.Errorf("failed to record fix outcomes: %w", err)
	}
	return nil
}
