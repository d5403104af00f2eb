package usecase

import (
	"context"
	"strings"
	"time"

	"github.com/example/lesion-triage/internal/auth"
	"github.com/example/lesion-triage/internal/lesion"
	"github.com/example/lesion-triage/internal/logging"
)

// Stats represents aggregated triage insights.
type Stats struct {
	TotalAnalyses      int64            `json:"total_analyses"`
	AverageConfidence  float64          `json:"average_confidence"`
	HighRiskCount      int64            `json:"high_risk_count"`
	DiagnosisBreakdown map[string]int64 `json:"diagnosis_breakdown"`
	LatestAnalysis     *time.Time       `json:"latest_analysis,omitempty"`
}

// GetStats aggregates the reports visible to caller.
func (uc *AnalysisUseCase) GetStats(ctx context.Context, caller auth.Caller) (*Stats, error) {
	scope := caller.Subject()
	if auth.IsClinician(caller) {
		scope = ""
	}

	aggregation, err := uc.repo.AggregateStats(ctx, scope)
	if err != nil {
		return nil, logging.NewOperationError("usecase.get_stats", "", err)
	}

	stats := &Stats{
		TotalAnalyses:      aggregation.Total,
		AverageConfidence:  aggregation.AvgConfidence,
		DiagnosisBreakdown: make(map[string]int64, len(aggregation.ByDiagnosis)),
		LatestAnalysis:     aggregation.LatestAnalysis,
	}
	for _, row := range aggregation.ByDiagnosis {
		stats.DiagnosisBreakdown[row.Diagnosis] += row.Count
		if isHighRisk(row.Diagnosis) {
			stats.HighRiskCount += row.Count
		}
	}
	return stats, nil
}

func isHighRisk(diagnosis string) bool {
	class, err := lesion.ParseClass(diagnosis)
	if err != nil {
		return false
	}
	cond, ok := lesion.Info(class)
	return ok && strings.Contains(strings.ToUpper(cond.Severity), "HIGH")
}
