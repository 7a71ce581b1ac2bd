package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-import/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-import/pkg/llm"
	"github.com/ekaya-inc/ekaya-import/pkg/logging"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/prompts"
	"github.com/ekaya-inc/ekaya-import/pkg/workerpool"
)

// externalMaxConfidence keeps classifier answers below exact and most cached matches.
const externalMaxConfidence = 95.0

// externalStrategy asks a paid classifier about fields the other strategies could not resolve.
// Every failure mode (timeout, provider error, open circuit, exhausted budget) drops the
// field silently so resolution continues without it.
type externalStrategy struct {
	client  llm.LLMClient
	breaker *llm.CircuitBreaker
	pool    *workerpool.Pool
	timeout time.Duration
	logger  *zap.Logger
}

// NewExternalStrategy creates the classifier strategy. The breaker and pool
// are shared by every session.
func NewExternalStrategy(client llm.LLMClient, breaker *llm.CircuitBreaker, pool *workerpool.Pool, timeout time.Duration, logger *zap.Logger) Strategy {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &externalStrategy{
		client:  client,
		breaker: breaker,
		pool:    pool,
		timeout: timeout,
		logger:  logger.Named("external-classifier"),
	}
}

func (*externalStrategy) Kind() models.MappingStrategy { return models.StrategyExternal }
func (*externalStrategy) sealed()                      {}

// classifierAnswer tolerates numbers sent as strings and vice versa.
type classifierAnswer struct {
	TargetField json.RawMessage `json:"target_field"`
	Confidence  json.RawMessage `json:"confidence"`
	Rationale   json.RawMessage `json:"rationale"`
}

func (s *externalStrategy) Candidates(ctx context.Context, in *Input) ([]Candidate, error) {
	if len(in.Fields) == 0 || in.Budget == nil {
		return nil, nil
	}

	items := make([]workerpool.Item[*Candidate], len(in.Fields))
	for i := range in.Fields {
		field := in.Fields[i]
		items[i] = workerpool.Item[*Candidate]{
			ID: field.Name,
			Execute: func(ctx context.Context, _ int) (*Candidate, error) {
				return s.classify(ctx, in, &field)
			},
		}
	}

	var out []Candidate
	for _, r := range workerpool.Process(ctx, s.pool, items, nil) {
		if r.Err != nil || r.Value == nil {
			continue
		}
		out = append(out, *r.Value)
	}
	return out, nil
}

// classify returns (nil, nil) whenever the field should fall back silently.
func (s *externalStrategy) classify(ctx context.Context, in *Input, field *models.SourceField) (*Candidate, error) {
	if err := in.Budget.Reserve(); err != nil {
		var limit *apperrors.CostLimitExceeded
		if errors.As(err, &limit) {
			s.logger.Info("Classifier budget exhausted, skipping field",
				zap.String("source_field", field.Name),
				zap.Float64("ceiling", limit.Ceiling))
		}
		return nil, nil
	}
	if allowed, err := s.breaker.Allow(); !allowed {
		in.Budget.Refund()
		s.logger.Debug("Classifier circuit open, skipping field",
			zap.String("source_field", field.Name),
			zap.Error(err))
		return nil, nil
	}

	in.external.calls.Add(1)
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.GenerateResponse(callCtx,
		buildClassifierPrompt(field, in.Schema),
		prompts.BuildFieldClassificationSystemMessage(), 0)
	if err != nil {
		in.external.failures.Add(1)
		if ctx.Err() != nil {
			// the session was cancelled, not the provider's fault
			return nil, ctx.Err()
		}
		s.breaker.RecordFailure()
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = &apperrors.ExternalClassifierTimeout{SourceField: field.Name, Timeout: s.timeout}
		}
		s.logger.Warn("Classifier call failed, falling back",
			zap.String("source_field", field.Name),
			zap.String("error", logging.SanitizeError(err)))
		return nil, nil
	}
	s.breaker.RecordSuccess()

	answer, err := llm.ParseJSONResponse[classifierAnswer](resp.Content)
	if err != nil {
		in.external.failures.Add(1)
		s.logger.Warn("Unparseable classifier answer",
			zap.String("source_field", field.Name),
			zap.Error(err))
		return nil, nil
	}

	target := strings.TrimSpace(jsonutil.FlexibleStringValue(answer.TargetField))
	if target == "" || in.Schema.Field(target) == nil {
		return nil, nil
	}
	confidence, ok := jsonutil.FlexibleFloatValue(answer.Confidence)
	if !ok || confidence <= 0 {
		return nil, nil
	}
	if confidence > externalMaxConfidence {
		confidence = externalMaxConfidence
	}

	rationale := "external classifier"
	if reason := jsonutil.FlexibleStringValue(answer.Rationale); reason != "" {
		rationale += ": " + logging.TruncateString(reason, 200)
	}
	return &Candidate{
		Source:     field.Name,
		Target:     target,
		Confidence: confidence,
		Strategy:   models.StrategyExternal,
		Rationale:  rationale,
	}, nil
}

func buildClassifierPrompt(field *models.SourceField, schema *models.TargetSchema) string {
	source := prompts.SourceFieldContext{
		Name:          field.Name,
		PrimitiveType: string(field.PrimitiveType),
		SemanticType:  string(field.SemanticType),
		NullRate:      field.NullRate,
		UniqueRate:    field.UniqueRate,
	}
	for _, v := range field.SampleValues {
		source.Samples = append(source.Samples, logging.CellValue(v))
	}

	targets := make([]prompts.TargetFieldContext, len(schema.Fields))
	for i, f := range schema.Fields {
		targets[i] = prompts.TargetFieldContext{
			Name:         f.Name,
			Type:         string(f.Type),
			SemanticType: string(f.SemanticType),
			Required:     f.Required,
		}
	}
	return prompts.BuildFieldClassificationPrompt(schema.EntityType, source, targets)
}
