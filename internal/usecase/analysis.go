package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/lesion-triage/internal/auth"
	"github.com/example/lesion-triage/internal/classifier"
	"github.com/example/lesion-triage/internal/fusion"
	"github.com/example/lesion-triage/internal/gate"
	"github.com/example/lesion-triage/internal/lesion"
	"github.com/example/lesion-triage/internal/logging"
	"github.com/example/lesion-triage/internal/repository"
	"github.com/example/lesion-triage/internal/retry"
	"github.com/example/lesion-triage/internal/uncertainty"
)

var (
	// ErrAnalysisPending is returned while an analysis is still running.
	ErrAnalysisPending = errors.New("analysis still processing")
	// ErrAnalysisRejected is returned for an id whose image was turned away by the gate.
	ErrAnalysisRejected = errors.New("analysis was rejected by the confidence gate")
)

// AnalysisRepository defines the persistence operations needed by the use case.
type AnalysisRepository interface {
	SaveAnalysis(ctx context.Context, record *repository.AnalysisRecord) error
	FindByID(ctx context.Context, id string) (*repository.AnalysisRecord, error)
	FindByIDAndUser(ctx context.Context, id, userID string) (*repository.AnalysisRecord, error)
	ListAnalyses(ctx context.Context, filter repository.HistoryFilter) ([]*repository.AnalysisRecord, error)
	AggregateStats(ctx context.Context, userID string) (*repository.StatsAggregation, error)
}

// Estimator turns a fused feature vector into an uncertainty report.
type Estimator interface {
	Estimate(ctx context.Context, x []float64, n int) (uncertainty.Report, error)
}

// State is the terminal state of an analysis request.
type State string

const (
	StateRejected State = "REJECTED"
	StateReported State = "REPORTED"
)

// AnalyzeRequest is one uploaded image with optional patient metadata.
type AnalyzeRequest struct {
	Image       []byte
	PatientName string
	// Metadata may be nil; fusion then encodes neutral defaults.
	Metadata *lesion.PatientMetadata
}

// Outcome is the result of Analyze. Report and Condition are set only when State is
// StateReported.
type Outcome struct {
	ID             string
	State          State
	Classification *classifier.Result
	Decision       gate.Decision
	Report         *uncertainty.Report
	Condition      lesion.Condition
	CreatedAt      time.Time
}

// AnalysisUseCase encapsulates business logic for the triage flow.
type AnalysisUseCase struct {
	repo           AnalysisRepository
	cache          Cache
	classifier     classifier.Client
	estimator      Estimator
	logger         *zap.Logger
	draws          int
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

// NewAnalysisUseCase constructs a new use case instance. draws below 1 use
// uncertainty.DefaultDraws.
func NewAnalysisUseCase(repo AnalysisRepository, cache Cache, client classifier.Client, estimator Estimator, draws int, logger *zap.Logger) *AnalysisUseCase {
	if draws < 1 {
		draws = uncertainty.DefaultDraws
	}
	policy := retry.DefaultPolicy()
	return &AnalysisUseCase{
		repo:           repo,
		cache:          cache,
		classifier:     client,
		estimator:      estimator,
		logger:         logger.Named("analysis_usecase"),
		draws:          draws,
		retryAttempts:  policy.Attempts,
		initialBackoff: policy.InitialBackoff,
		maxBackoff:     policy.MaxBackoff,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Analyze runs classify, gate, fuse and estimate for one image. A gate rejection is returned
// as an Outcome with StateRejected and a nil error; it is not persisted.
func (uc *AnalysisUseCase) Analyze(ctx context.Context, caller auth.Caller, req AnalyzeRequest) (*Outcome, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.analyze", requestID)

	cacheKey := analysisCacheKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, processingMarker, processingTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}
	// Until the request settles, a failure must not leave the id reporting as processing.
	settled := false
	defer func() {
		if !settled {
			uc.clearProcessing(ctx, requestID, cacheKey, opLogger)
		}
	}()

	result, err := uc.classifier.Classify(ctx, caller.Subject(), req.Image)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.classify", requestID, err)
		opLogger.Error("classification failed", logging.DiagnosticFields(wrapped)...)
		return nil, wrapped
	}

	decision := gate.Evaluate(result.TopConfidence, result.Primary())
	if !decision.Accepted {
		opLogger.Info("classification rejected",
			zap.String("reason", string(decision.Reason)),
			zap.Float64("top_confidence", result.TopConfidence),
		)
		if err := uc.withRedisRetry(ctx, requestID, "cache.set.rejected", func() error {
			return uc.cache.Set(ctx, cacheKey, rejectedMarker, resultTTL)
		}); err != nil {
			opLogger.Warn("failed to cache rejection", zap.Error(err))
		}
		settled = true
		return &Outcome{
			ID:             requestID,
			State:          StateRejected,
			Classification: result,
			Decision:       decision,
			CreatedAt:      uc.now(),
		}, nil
	}

	x, err := fusion.Fuse(result.Distributions(), req.Metadata)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.fuse", requestID, err)
		opLogger.Error("feature fusion failed", logging.DiagnosticFields(wrapped)...)
		return nil, wrapped
	}

	report, err := uc.estimator.Estimate(ctx, x, uc.draws)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.estimate", requestID, err)
		opLogger.Error("uncertainty estimation failed", logging.DiagnosticFields(wrapped)...)
		return nil, wrapped
	}

	record, err := uc.newRecord(requestID, caller, req, result, report)
	if err != nil {
		opLogger.Error("failed to build analysis record", zap.Error(err))
		return nil, logging.NewOperationError("usecase.build_record", requestID, err)
	}
	if err := uc.repo.SaveAnalysis(ctx, record); err != nil {
		wrapped := logging.NewOperationError("usecase.save_analysis", requestID, err)
		opLogger.Error("failed to persist analysis", zap.Error(wrapped))
		return nil, wrapped
	}
	settled = true

	if serialized, err := json.Marshal(record); err != nil {
		opLogger.Warn("failed to serialize analysis", zap.Error(err))
		uc.clearProcessing(ctx, requestID, cacheKey, opLogger)
	} else if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), resultTTL)
	}); err != nil {
		// The record is durable; readers fall back to the repository.
		opLogger.Warn("failed to cache analysis", zap.Error(err))
		uc.clearProcessing(ctx, requestID, cacheKey, opLogger)
	}

	condition, _ := lesion.Info(report.Prediction)
	opLogger.Info("analysis reported",
		zap.String("prediction", string(report.Prediction)),
		zap.String("tier", report.Tier.String()),
		zap.Float64("uncertainty_score", report.UncertaintyScore),
	)
	return &Outcome{
		ID:             requestID,
		State:          StateReported,
		Classification: result,
		Decision:       decision,
		Report:         &report,
		Condition:      condition,
		CreatedAt:      record.CreatedAt,
	}, nil
}

func (uc *AnalysisUseCase) newRecord(id string, caller auth.Caller, req AnalyzeRequest, result *classifier.Result, report uncertainty.Report) (*repository.AnalysisRecord, error) {
	sources, err := json.Marshal(result.Sources)
	if err != nil {
		return nil, err
	}
	record := &repository.AnalysisRecord{
		ID:                   id,
		UserID:               caller.Subject(),
		PatientName:          req.PatientName,
		Diagnosis:            string(report.Prediction),
		ClassifierLabel:      string(result.TopClass),
		ClassifierConfidence: result.TopConfidence,
		ConfidenceMean:       report.ConfidenceMean,
		ConfidenceStd:        report.ConfidenceStd,
		UncertaintyScore:     report.UncertaintyScore,
		AgreementRate:        report.AgreementRate,
		Tier:                 report.Tier.String(),
		Recommendation:       report.Recommendation,
		Draws:                report.Draws,
		Sources:              string(sources),
		CreatedAt:            uc.now(),
	}
	if req.Metadata != nil {
		record.Age = req.Metadata.Age
		record.Gender = req.Metadata.Gender.String()
		record.Location = req.Metadata.Location
	}
	return record, nil
}

// GetAnalysis retrieves a cached report or loads it from persistence. Patients only see their
// own reports; anyone else's id is reported as repository.ErrNotFound.
func (uc *AnalysisUseCase) GetAnalysis(ctx context.Context, caller auth.Caller, id string) (*repository.AnalysisRecord, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_analysis", id)

	if cached, err := uc.withRedisGet(ctx, id, "cache.get.result", analysisCacheKey(id)); err == nil {
		switch cached {
		case processingMarker:
			return nil, ErrAnalysisPending
		case rejectedMarker:
			return nil, ErrAnalysisRejected
		}
		var record repository.AnalysisRecord
		if err := json.Unmarshal([]byte(cached), &record); err != nil {
			opLogger.Warn("failed to decode cached analysis", zap.Error(err))
		} else {
			if !auth.IsClinician(caller) && record.UserID != caller.Subject() {
				return nil, repository.ErrNotFound
			}
			return &record, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	if auth.IsClinician(caller) {
		return uc.repo.FindByID(ctx, id)
	}
	return uc.repo.FindByIDAndUser(ctx, id, caller.Subject())
}

// clearProcessing drops the processing marker of a failed request so readers fall through to
// the repository. It runs detached from ctx, which may already be cancelled.
func (uc *AnalysisUseCase) clearProcessing(ctx context.Context, requestID, cacheKey string, opLogger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), processingCleanupTimeout)
	defer cancel()
	if err := uc.withRedisRetry(ctx, requestID, "cache.del.processing", func() error {
		return uc.cache.Del(ctx, cacheKey)
	}); err != nil {
		opLogger.Warn("failed to clear processing flag", zap.Error(err))
	}
}

func (uc *AnalysisUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	policy := retry.Policy{Attempts: uc.retryAttempts, InitialBackoff: uc.initialBackoff, MaxBackoff: uc.maxBackoff}
	return retry.Do(ctx, uc.logger, policy, operation, requestID, fn)
}

func (uc *AnalysisUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var (
		result string
		miss   bool
	)
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	if miss {
		return "", redis.Nil
	}
	return result, nil
}
