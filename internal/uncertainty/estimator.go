// Package uncertainty repeatedly queries the ensemble and turns the spread of its answers into a
// clinical recommendation tier.
package uncertainty

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/lesion-triage/internal/apperrors"
	"github.com/example/lesion-triage/internal/ensemble"
	"github.com/example/lesion-triage/internal/lesion"
)

// DefaultDraws is the repetition count used when callers do not pick one.
const DefaultDraws = 10

// Predictor answers repeated draws against one fixed model.
type Predictor interface {
	Rounds() int
	NumFeatures() int
	PredictDraw(x []float64, active []bool) (ensemble.Prediction, error)
}

// Source hands out the model a whole estimate runs against.
type Source interface {
	Current() (Predictor, error)
}

// AggregatorSource adapts an ensemble.Aggregator to Source.
type AggregatorSource struct {
	Aggregator *ensemble.Aggregator
}

// Current returns the aggregator's installed model.
func (s AggregatorSource) Current() (Predictor, error) {
	m, err := s.Aggregator.Snapshot()
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Outcome is the result of one draw.
type Outcome struct {
	Label         lesion.Class
	Confidence    float64
	Probabilities map[lesion.Class]float64
}

// Report summarizes N draws. Percentages are in [0, 100].
type Report struct {
	Prediction        lesion.Class             `json:"prediction"`
	ConfidenceMean    float64                  `json:"confidence_mean"`
	ConfidenceStd     float64                  `json:"confidence_std"`
	UncertaintyScore  float64                  `json:"uncertainty_score"`
	AgreementRate     float64                  `json:"agreement_rate"`
	Tier              Tier                     `json:"tier"`
	Recommendation    string                   `json:"recommendation"`
	Draws             int                      `json:"draws"`
	MeanProbabilities map[lesion.Class]float64 `json:"mean_probabilities,omitempty"`
}

// Options configures an Estimator.
type Options struct {
	// Workers bounds concurrent draws. Values below 1 mean 1.
	Workers int
	Sampler Sampler
	// Rand drives the sampler. Nil seeds a fresh generator.
	Rand *rand.Rand
}

// Estimator is safe for concurrent use.
type Estimator struct {
	source  Source
	sampler Sampler
	workers int
	logger  *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEstimator builds an estimator over source.
func NewEstimator(source Source, opts Options, logger *zap.Logger) *Estimator {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = Deterministic{}
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Estimator{
		source:  source,
		sampler: sampler,
		workers: workers,
		logger:  logger.Named("uncertainty"),
		rng:     rng,
	}
}

// Estimate runs n draws against a single model snapshot. Any failed draw fails the whole call;
// a report is never built from fewer than n draws.
func (e *Estimator) Estimate(ctx context.Context, x []float64, n int) (Report, error) {
	if n < 1 {
		return Report{}, apperrors.NewContractViolation(fmt.Sprintf("repetition count must be positive, got %d", n), nil)
	}
	model, err := e.source.Current()
	if err != nil {
		return Report{}, err
	}
	if len(x) != model.NumFeatures() {
		return Report{}, apperrors.NewContractViolation(fmt.Sprintf("feature vector has %d columns, model expects %d", len(x), model.NumFeatures()), nil)
	}

	draws := e.plan(x, n, model.Rounds())
	outcomes := make([]Outcome, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, d := range draws {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return apperrors.NewTransientInferenceFailure(i, err)
			}
			p, err := model.PredictDraw(d.Features, d.Rounds)
			if err != nil {
				switch apperrors.KindOf(err) {
				case apperrors.KindContractViolation, apperrors.KindConfiguration:
					return err
				}
				return apperrors.NewTransientInferenceFailure(i, err)
			}
			outcomes[i] = Outcome{Label: p.Label, Confidence: p.Confidence, Probabilities: p.Probabilities}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Warn("estimate aborted", zap.Int("draws", n), zap.Error(err))
		return Report{}, err
	}

	report := Summarize(outcomes)
	e.logger.Debug("estimate complete",
		zap.String("prediction", string(report.Prediction)),
		zap.Float64("agreement_rate", report.AgreementRate),
		zap.Float64("uncertainty_score", report.UncertaintyScore),
		zap.Stringer("tier", report.Tier),
	)
	return report, nil
}

// plan draws every perturbation up front so results do not depend on worker scheduling.
func (e *Estimator) plan(x []float64, n, rounds int) []Draw {
	e.mu.Lock()
	defer e.mu.Unlock()

	draws := make([]Draw, n)
	for i := range draws {
		draws[i] = e.sampler.Next(i, x, rounds, e.rng)
	}
	return draws
}

// Summarize aggregates draw outcomes. The majority label wins; ties go to the label seen first.
func Summarize(outcomes []Outcome) Report {
	n := len(outcomes)
	if n == 0 {
		return Report{UncertaintyScore: 1, Tier: TierHigh, Recommendation: TierHigh.Recommendation()}
	}

	counts := make(map[lesion.Class]int)
	var order []lesion.Class
	// Offsets from the first draw keep the mean exact when every draw agrees.
	base := outcomes[0].Confidence
	var offset float64
	probSums := make(map[lesion.Class]float64)
	for _, o := range outcomes {
		if _, ok := counts[o.Label]; !ok {
			order = append(order, o.Label)
		}
		counts[o.Label]++
		offset += o.Confidence - base
		for c, p := range o.Probabilities {
			probSums[c] += p
		}
	}

	majority := order[0]
	for _, label := range order[1:] {
		if counts[label] > counts[majority] {
			majority = label
		}
	}

	mean := base + offset/float64(n)
	var sq float64
	for _, o := range outcomes {
		d := o.Confidence - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(n))

	score := 1.0
	if mean != 0 {
		score = std / mean
	}
	agreement := float64(counts[majority]) * 100 / float64(n)
	tier := Recommend(score, agreement)

	var meanProbs map[lesion.Class]float64
	if len(probSums) > 0 {
		meanProbs = make(map[lesion.Class]float64, len(probSums))
		for c, s := range probSums {
			meanProbs[c] = s / float64(n)
		}
	}

	return Report{
		Prediction:        majority,
		ConfidenceMean:    mean,
		ConfidenceStd:     std,
		UncertaintyScore:  score,
		AgreementRate:     agreement,
		Tier:              tier,
		Recommendation:    tier.Recommendation(),
		Draws:             n,
		MeanProbabilities: meanProbs,
	}
}
