package approval

import (
	"math"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// Risk factor weights.
const (
	weightGap         = 0.40
	weightAnomaly     = 0.25
	weightVolume      = 0.15
	weightCriticality = 0.20
)

// RiskInput is what the router needs to know about a session to assess it.
type RiskInput struct {
	EntityType          string
	AggregateConfidence float64 // 0.0 - 1.0
	Threshold           float64 // 0.0 - 1.0
	TotalRecords        int
	ErrorsBySeverity    map[models.Severity]int
	ErrorDensity        float64
	UnmappedFields      []string
	PendingFixTypes     []models.FixType
}

// HighSeverityErrors returns the count of high-severity errors.
func (in RiskInput) HighSeverityErrors() int {
	return in.ErrorsBySeverity[models.SeverityHigh]
}

// AssessRisk scores a session in [0,1] and classifies it.
func AssessRisk(in RiskInput, criticality float64) models.RiskAssessment {
	factors := models.RiskFactors{
		ConfidenceGap: confidenceGap(in.AggregateConfidence, in.Threshold),
		Anomaly:       anomaly(in.ErrorsBySeverity, in.ErrorDensity),
		Volume:        volume(in.TotalRecords),
		Criticality:   clamp01(criticality),
	}
	score := weightGap*factors.ConfidenceGap +
		weightAnomaly*factors.Anomaly +
		weightVolume*factors.Volume +
		weightCriticality*factors.Criticality
	score = clamp01(score)

	return models.RiskAssessment{Score: score, Level: RiskLevelFor(score), Factors: factors}
}

// RiskLevelFor maps a score onto a level.
func RiskLevelFor(score float64) models.RiskLevel {
	switch {
	case score < 0.25:
		return models.RiskLow
	case score < 0.5:
		return models.RiskMedium
	case score < 0.75:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}

func confidenceGap(aggregate, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	return clamp01(math.Max(0, threshold-aggregate) / threshold)
}

// anomaly blends the worst severity present with how widespread errors are.
func anomaly(bySeverity map[models.Severity]int, density float64) float64 {
	worst := 0.0
	for severity, n := range bySeverity {
		if n > 0 {
			worst = math.Max(worst, severity.Weight())
		}
	}
	return clamp01(0.7*worst + 0.3*clamp01(density))
}

func volume(records int) float64 {
	if records <= 1 {
		return 0
	}
	return clamp01(math.Log10(float64(records)) / 5)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// requestTypeFor picks why approval is needed. Validation problems outrank
// low confidence, which outranks sheer volume.
func requestTypeFor(in RiskInput, highVolume int) models.ApprovalRequestType {
	switch {
	case in.HighSeverityErrors() > 0:
		return models.ApprovalTypeValidationErrors
	case in.AggregateConfidence < in.Threshold:
		return models.ApprovalTypeLowConfidence
	case highVolume > 0 && in.TotalRecords >= highVolume:
		return models.ApprovalTypeHighVolume
	default:
		return models.ApprovalTypeLowConfidence
	}
}

// recommend proposes a decision for the approver and how sure the system is.
func recommend(risk models.RiskAssessment, in RiskInput) (models.DecisionType, float64) {
	if in.HighSeverityErrors() > 0 || risk.Level == models.RiskCritical {
		return models.DecisionReject, math.Max(0.5, risk.Score)
	}
	if risk.Level == models.RiskLow || risk.Level == models.RiskMedium {
		return models.DecisionApprove, math.Max(0.5, 1-risk.Score)
	}
	return models.DecisionReject, 0.5
}
