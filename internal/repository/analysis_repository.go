package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/lesion-triage/internal/retry"
)

// ErrNotFound is returned when no analysis matches the lookup.
var ErrNotFound = errors.New("analysis not found")

// AnalysisRecord represents a persisted triage report.
type AnalysisRecord struct {
	ID                   string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	UserID               string    `gorm:"column:user_id;index;size:64" json:"user_id"`
	PatientName          string    `gorm:"column:patient_name;size:120" json:"patient_name"`
	Age                  int       `gorm:"column:age" json:"age"`
	Gender               string    `gorm:"column:gender;size:20" json:"gender"`
	Location             string    `gorm:"column:location;size:255" json:"location"`
	Diagnosis            string    `gorm:"column:diagnosis;index;size:64" json:"diagnosis"`
	ClassifierLabel      string    `gorm:"column:classifier_label;size:64" json:"classifier_label"`
	ClassifierConfidence float64   `gorm:"column:classifier_confidence" json:"classifier_confidence"`
	ConfidenceMean       float64   `gorm:"column:confidence_mean" json:"confidence_mean"`
	ConfidenceStd        float64   `gorm:"column:confidence_std" json:"confidence_std"`
	UncertaintyScore     float64   `gorm:"column:uncertainty_score" json:"uncertainty_score"`
	AgreementRate        float64   `gorm:"column:agreement_rate" json:"agreement_rate"`
	Tier                 string    `gorm:"column:tier;size:16" json:"tier"`
	Recommendation       string    `gorm:"column:recommendation;size:128" json:"recommendation"`
	Draws                int       `gorm:"column:draws" json:"draws"`
	Sources              string    `gorm:"column:sources;type:text" json:"sources"`
	CreatedAt            time.Time `gorm:"column:created_at;index" json:"created_at"`
}

// TableName overrides the default table name.
func (AnalysisRecord) TableName() string {
	return "analysis_records"
}

// HistoryFilter narrows a history listing. Zero fields are ignored.
type HistoryFilter struct {
	UserID    string
	Search    string
	Diagnosis string
	Start     *time.Time
	End       *time.Time
}

// DiagnosisCount is one row of the per-diagnosis breakdown.
type DiagnosisCount struct {
	Diagnosis string
	Count     int64
}

// StatsAggregation summarises the analyses visible to one scope.
type StatsAggregation struct {
	Total          int64
	AvgConfidence  float64
	LatestAnalysis *time.Time
	ByDiagnosis    []DiagnosisCount
}

// AnalysisRepository provides persistence APIs for triage reports.
type AnalysisRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAnalysisRepository creates a new repository instance.
func NewAnalysisRepository(db *gorm.DB, logger *zap.Logger) *AnalysisRepository {
	policy := retry.DefaultPolicy()
	return &AnalysisRepository{
		db:             db,
		logger:         logger.Named("repository"),
		retryAttempts:  policy.Attempts,
		initialBackoff: policy.InitialBackoff,
		maxBackoff:     policy.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *AnalysisRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&AnalysisRecord{})
	})
}

// SaveAnalysis persists a report.
func (r *AnalysisRepository) SaveAnalysis(ctx context.Context, record *AnalysisRecord) error {
	return r.executeWithRetry(ctx, "repository.save_analysis", record.ID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByID retrieves any report by id.
func (r *AnalysisRepository) FindByID(ctx context.Context, id string) (*AnalysisRecord, error) {
	return r.first(ctx, "repository.find_by_id", id, "id = ?", id)
}

// FindByIDAndUser retrieves a report matching the id and owner.
func (r *AnalysisRepository) FindByIDAndUser(ctx context.Context, id, userID string) (*AnalysisRecord, error) {
	return r.first(ctx, "repository.find_by_id_and_user", id, "id = ? AND user_id = ?", id, userID)
}

func (r *AnalysisRepository) first(ctx context.Context, operation, id string, query string, args ...interface{}) (*AnalysisRecord, error) {
	var record AnalysisRecord
	missing := false
	err := r.executeWithRetry(ctx, operation, id, func() error {
		err := r.db.WithContext(ctx).Where(query, args...).First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			missing = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if missing {
		return nil, ErrNotFound
	}
	return &record, nil
}

// ListAnalyses returns matching reports, newest first.
func (r *AnalysisRepository) ListAnalyses(ctx context.Context, filter HistoryFilter) ([]*AnalysisRecord, error) {
	var records []*AnalysisRecord
	err := r.executeWithRetry(ctx, "repository.list_analyses", "", func() error {
		records = nil
		return applyFilter(r.db.WithContext(ctx), filter).Order("created_at DESC").Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AggregateStats summarises the reports owned by userID, or all reports when userID is empty.
func (r *AnalysisRepository) AggregateStats(ctx context.Context, userID string) (*StatsAggregation, error) {
	var totals struct {
		Total         int64
		AvgConfidence float64
		Latest        *time.Time
	}
	var breakdown []DiagnosisCount

	err := r.executeWithRetry(ctx, "repository.aggregate_stats", "", func() error {
		scope := HistoryFilter{UserID: userID}
		if err := applyFilter(r.db.WithContext(ctx), scope).
			Select("COUNT(*) AS total, COALESCE(AVG(confidence_mean), 0) AS avg_confidence, MAX(created_at) AS latest").
			Scan(&totals).Error; err != nil {
			return err
		}
		breakdown = nil
		return applyFilter(r.db.WithContext(ctx), scope).
			Select("diagnosis, COUNT(*) AS count").
			Group("diagnosis").
			Order("count DESC").
			Scan(&breakdown).Error
	})
	if err != nil {
		return nil, err
	}

	return &StatsAggregation{
		Total:          totals.Total,
		AvgConfidence:  totals.AvgConfidence,
		LatestAnalysis: totals.Latest,
		ByDiagnosis:    breakdown,
	}, nil
}

func applyFilter(db *gorm.DB, filter HistoryFilter) *gorm.DB {
	q := db.Model(&AnalysisRecord{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		q = q.Where("patient_name ILIKE ? OR location ILIKE ? OR diagnosis ILIKE ?", pattern, pattern, pattern)
	}
	if filter.Diagnosis != "" {
		q = q.Where("diagnosis = ?", filter.Diagnosis)
	}
	if filter.Start != nil {
		q = q.Where("created_at >= ?", *filter.Start)
	}
	if filter.End != nil {
		q = q.Where("created_at <= ?", *filter.End)
	}
	return q
}

func (r *AnalysisRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	policy := retry.Policy{Attempts: r.retryAttempts, InitialBackoff: r.initialBackoff, MaxBackoff: r.maxBackoff}
	return retry.Do(ctx, r.logger, policy, operation, requestID, fn)
}
