package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MappingStrategy names the strategy that produced a mapping candidate.
type MappingStrategy string

const (
	StrategyNone        MappingStrategy = ""
	StrategyExact       MappingStrategy = "exact"
	StrategyFuzzy       MappingStrategy = "fuzzy"
	StrategyStatistical MappingStrategy = "statistical"
	StrategyHistorical  MappingStrategy = "historical"
	StrategyExternal    MappingStrategy = "external"
)

// StrategyPriority is the tie-break order when candidates share a confidence.
var StrategyPriority = []MappingStrategy{
	StrategyExact,
	StrategyHistorical,
	StrategyStatistical,
	StrategyFuzzy,
	StrategyExternal,
}

// Rank returns the tie-break position (lower wins).
func (s MappingStrategy) Rank() int {
	for i, p := range StrategyPriority {
		if p == s {
			return i
		}
	}
	return len(StrategyPriority)
}

// FieldMapping maps one source field to a target field.
// An empty TargetField means the source is unmapped.
type FieldMapping struct {
	SourceField string          `json:"source_field"`
	TargetField string          `json:"target_field"`
	Confidence  float64         `json:"confidence"` // 0 - 100
	Strategy    MappingStrategy `json:"strategy"`
	Rationale   string          `json:"rationale,omitempty"`
	Ambiguous   bool            `json:"ambiguous,omitempty"`
}

// IsMapped returns true when a target was assigned.
func (m *FieldMapping) IsMapped() bool {
	return m.TargetField != ""
}

// MarshalJSON renders an unmapped target as null.
func (m FieldMapping) MarshalJSON() ([]byte, error) {
	type alias FieldMapping
	out := struct {
		alias
		TargetField *string          `json:"target_field"`
		Strategy    *MappingStrategy `json:"strategy"`
	}{alias: alias(m)}
	if m.TargetField != "" {
		out.TargetField = &m.TargetField
		out.Strategy = &m.Strategy
	}
	return json.Marshal(out)
}

// MappingWarning is a non-fatal note produced during resolution.
type MappingWarning struct {
	Kind        string   `json:"kind"`
	SourceField string   `json:"source_field"`
	Candidates  []string `json:"candidates,omitempty"`
	Message     string   `json:"message"`
}

// MappingMetadata summarises one resolution pass.
type MappingMetadata struct {
	AggregateConfidence float64                 `json:"aggregate_confidence"` // mean of mapped confidences, 0 - 100
	MappedCount         int                     `json:"mapped_count"`
	UnmappedCount       int                     `json:"unmapped_count"`
	StrategyCounts      map[MappingStrategy]int `json:"strategy_counts"`
	Warnings            []MappingWarning        `json:"warnings,omitempty"`
	ExternalCalls       int                     `json:"external_calls"`
	ExternalFailures    int                     `json:"external_failures"`
	ExternalCost        float64                 `json:"external_cost"`
	UnclaimedRequired   []string                `json:"unclaimed_required,omitempty"`
	DurationMs          int64                   `json:"duration_ms"`
}

// MappingResult is the ranked mapping list for a session.
type MappingResult struct {
	SessionID  uuid.UUID       `json:"session_id"`
	EntityType string          `json:"entity_type"`
	Mappings   []FieldMapping  `json:"mappings"`
	Metadata   MappingMetadata `json:"metadata"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Mapped returns only the mappings with a target.
func (r *MappingResult) Mapped() []FieldMapping {
	var out []FieldMapping
	for _, m := range r.Mappings {
		if m.IsMapped() {
			out = append(out, m)
		}
	}
	return out
}

// TargetFor returns the target field mapped from source, or "".
func (r *MappingResult) TargetFor(source string) string {
	for _, m := range r.Mappings {
		if m.SourceField == source {
			return m.TargetField
		}
	}
	return ""
}
