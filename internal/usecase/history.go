package usecase

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/example/lesion-triage/internal/auth"
	"github.com/example/lesion-triage/internal/lesion"
	"github.com/example/lesion-triage/internal/logging"
	"github.com/example/lesion-triage/internal/repository"
)

// ErrInvalidQuery reports a history query that cannot be answered as asked.
var ErrInvalidQuery = errors.New("invalid history query")

// HistoryQuery narrows a history listing. PatientID is honoured for clinicians only; patients
// are always scoped to themselves.
type HistoryQuery struct {
	Search    string
	Diagnosis string
	Start     *time.Time
	End       *time.Time
	PatientID string
}

var exportHeader = []string{
	"id", "created_at", "user_id", "patient_name", "age", "gender", "location", "diagnosis",
	"confidence_mean", "confidence_std", "uncertainty_score", "agreement_rate", "tier", "recommendation",
}

// ListHistory returns the reports visible to caller, newest first.
func (uc *AnalysisUseCase) ListHistory(ctx context.Context, caller auth.Caller, query HistoryQuery) ([]*repository.AnalysisRecord, error) {
	filter, err := scopeFilter(caller, query)
	if err != nil {
		return nil, err
	}
	records, err := uc.repo.ListAnalyses(ctx, filter)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.list_history", "", err)
		uc.logger.Error("failed to list analyses", zap.Error(wrapped))
		return nil, wrapped
	}
	return records, nil
}

// ExportCSV writes the reports visible to caller to w as CSV with a header row.
func (uc *AnalysisUseCase) ExportCSV(ctx context.Context, caller auth.Caller, query HistoryQuery, w io.Writer) error {
	records, err := uc.ListHistory(ctx, caller, query)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.ID,
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.UserID,
			r.PatientName,
			strconv.Itoa(r.Age),
			r.Gender,
			r.Location,
			r.Diagnosis,
			formatFloat(r.ConfidenceMean),
			formatFloat(r.ConfidenceStd),
			formatFloat(r.UncertaintyScore),
			formatFloat(r.AgreementRate),
			r.Tier,
			r.Recommendation,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func scopeFilter(caller auth.Caller, query HistoryQuery) (repository.HistoryFilter, error) {
	filter := repository.HistoryFilter{
		Search: query.Search,
		Start:  query.Start,
		End:    query.End,
	}
	if query.Diagnosis != "" {
		class, err := lesion.ParseClass(query.Diagnosis)
		if err != nil {
			return filter, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		filter.Diagnosis = string(class)
	}
	if query.Start != nil && query.End != nil && query.End.Before(*query.Start) {
		return filter, fmt.Errorf("%w: end precedes start", ErrInvalidQuery)
	}

	if auth.IsClinician(caller) {
		filter.UserID = query.PatientID
	} else {
		filter.UserID = caller.Subject()
	}
	return filter, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
