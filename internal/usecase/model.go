package usecase

import (
	"go.uber.org/zap"

	"github.com/example/lesion-triage/internal/ensemble"
	"github.com/example/lesion-triage/internal/fusion"
	"github.com/example/lesion-triage/internal/lesion"
)

// ModelStore is the part of ensemble.Aggregator the admin flow needs.
type ModelStore interface {
	Snapshot() (*ensemble.Model, error)
	Reload(path string) error
}

// ModelInfo describes the installed aggregator model.
type ModelInfo struct {
	Classes    []lesion.Class        `json:"classes"`
	Features   int                   `json:"features"`
	Rounds     int                   `json:"rounds"`
	Params     ensemble.Params       `json:"params"`
	Importance []ensemble.Importance `json:"importance"`
}

// ModelUseCase inspects and hot-swaps the aggregator model.
type ModelUseCase struct {
	store  ModelStore
	path   string
	logger *zap.Logger
}

// NewModelUseCase reloads from path.
func NewModelUseCase(store ModelStore, path string, logger *zap.Logger) *ModelUseCase {
	return &ModelUseCase{store: store, path: path, logger: logger.Named("model_usecase")}
}

// Info describes the installed model, with per-feature importance.
func (uc *ModelUseCase) Info() (*ModelInfo, error) {
	m, err := uc.store.Snapshot()
	if err != nil {
		return nil, err
	}
	sources := (m.NumFeatures() - fusion.MetadataWidth) / len(lesion.Classes())
	var names []string
	if fusion.Width(sources) == m.NumFeatures() {
		names = fusion.FeatureNames(sources)
	}
	return &ModelInfo{
		Classes:    m.Classes(),
		Features:   m.NumFeatures(),
		Rounds:     m.Rounds(),
		Params:     m.Params(),
		Importance: m.FeatureImportance(names),
	}, nil
}

// Reload swaps in the artifact at the configured path. On failure the current model keeps
// serving.
func (uc *ModelUseCase) Reload() (*ModelInfo, error) {
	if err := uc.store.Reload(uc.path); err != nil {
		return nil, err
	}
	uc.logger.Info("model reloaded", zap.String("path", uc.path))
	return uc.Info()
}
