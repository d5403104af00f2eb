// Package ensemble implements the gradient-boosted meta-classifier that fuses classifier
// opinions and patient metadata into one calibrated call.
package ensemble

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/example/lesion-triage/internal/apperrors"
	"github.com/example/lesion-triage/internal/lesion"
)

// ErrUntrained is returned by inference before a model has been trained or loaded.
var ErrUntrained = errors.New("ensemble: model not trained or loaded")

// Aggregator owns the current model. Models are immutable and replaced wholesale, so in-flight
// inference keeps the snapshot it started with.
type Aggregator struct {
	current atomic.Pointer[Model]
	logger  *zap.Logger
}

// NewAggregator returns an untrained aggregator.
func NewAggregator(logger *zap.Logger) *Aggregator {
	return &Aggregator{logger: logger.Named("ensemble")}
}

// IsTrained reports whether a model is installed.
func (a *Aggregator) IsTrained() bool {
	return a.current.Load() != nil
}

// Snapshot returns the installed model.
func (a *Aggregator) Snapshot() (*Model, error) {
	m := a.current.Load()
	if m == nil {
		return nil, apperrors.NewConfigurationError("aggregator used before training or loading", ErrUntrained)
	}
	return m, nil
}

// Swap installs m and returns the model it replaced, if any.
func (a *Aggregator) Swap(m *Model) *Model {
	prev := a.current.Swap(m)
	if m != nil {
		a.logger.Info("model installed",
			zap.Int("rounds", m.Rounds()),
			zap.Int("classes", len(m.classes)),
			zap.Int("features", m.numFeatures),
		)
	}
	return prev
}

// Train fits a new model and installs it.
func (a *Aggregator) Train(ctx context.Context, X [][]float64, y []lesion.Class, params Params) error {
	m, err := Train(ctx, X, y, params)
	if err != nil {
		return err
	}
	a.Swap(m)
	return nil
}

// Predict runs the installed model on x.
func (a *Aggregator) Predict(x []float64) (Prediction, error) {
	m, err := a.Snapshot()
	if err != nil {
		return Prediction{}, err
	}
	return m.Predict(x)
}

// LoadFile installs the artifact at path. On failure the aggregator is left untrained.
func (a *Aggregator) LoadFile(path string) error {
	m, err := LoadFile(path)
	if err != nil {
		a.current.Store(nil)
		a.logger.Error("failed to load model artifact", zap.String("path", path), zap.Error(err))
		return apperrors.NewConfigurationError("model artifact unavailable", err)
	}
	a.Swap(m)
	return nil
}

// Reload reads the artifact at path and swaps it in only when it decodes cleanly, so a bad
// artifact never interrupts the model already serving.
func (a *Aggregator) Reload(path string) error {
	m, err := LoadFile(path)
	if err != nil {
		a.logger.Warn("model reload rejected", zap.String("path", path), zap.Error(err))
		return apperrors.NewConfigurationError("model artifact unavailable", err)
	}
	a.Swap(m)
	return nil
}

// SaveFile writes the installed model to path.
func (a *Aggregator) SaveFile(path string) error {
	m, err := a.Snapshot()
	if err != nil {
		return err
	}
	return SaveFile(path, m)
}
