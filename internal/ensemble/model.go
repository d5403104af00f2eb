package ensemble

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/example/lesion-triage/internal/apperrors"
	"github.com/example/lesion-triage/internal/lesion"
)

// Params configures gradient boosting with a softmax objective.
type Params struct {
	MaxDepth        int     `json:"max_depth"`
	Rounds          int     `json:"rounds"`
	LearningRate    float64 `json:"learning_rate"`
	Subsample       float64 `json:"subsample"`
	ColsampleByTree float64 `json:"colsample_bytree"`
	Lambda          float64 `json:"lambda"`
	Gamma           float64 `json:"gamma"`
	MinChildWeight  float64 `json:"min_child_weight"`
	Seed            uint64  `json:"seed"`
}

// DefaultParams keeps trees shallow and subsampled to control variance on small, noisy sets.
func DefaultParams() Params {
	return Params{
		MaxDepth:        6,
		Rounds:          200,
		LearningRate:    0.1,
		Subsample:       0.8,
		ColsampleByTree: 0.8,
		Lambda:          1,
		Gamma:           0,
		MinChildWeight:  1,
		Seed:            42,
	}
}

func (p Params) validate() error {
	switch {
	case p.MaxDepth < 1:
		return fmt.Errorf("max depth must be positive, got %d", p.MaxDepth)
	case p.Rounds < 1:
		return fmt.Errorf("rounds must be positive, got %d", p.Rounds)
	case p.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %v", p.LearningRate)
	case p.Subsample <= 0 || p.Subsample > 1:
		return fmt.Errorf("subsample must be in (0, 1], got %v", p.Subsample)
	case p.ColsampleByTree <= 0 || p.ColsampleByTree > 1:
		return fmt.Errorf("colsample must be in (0, 1], got %v", p.ColsampleByTree)
	case p.Lambda < 0 || p.Gamma < 0 || p.MinChildWeight < 0:
		return fmt.Errorf("regularization terms must be non-negative")
	}
	return nil
}

// Prediction is the outcome of one inference. Confidence is the arg-max probability as a
// percentage. Probabilities cover all lesion classes in [0, 1]; classes absent from training
// are present at 0.
type Prediction struct {
	Label         lesion.Class             `json:"label"`
	Confidence    float64                  `json:"confidence"`
	Probabilities map[lesion.Class]float64 `json:"probabilities"`
}

// Model is an immutable trained meta-classifier. It is safe for concurrent use.
type Model struct {
	params      Params
	classes     []lesion.Class
	numFeatures int
	// trees[round][class]
	trees [][]tree
}

// Classes returns the label encoding in output order.
func (m *Model) Classes() []lesion.Class {
	return append([]lesion.Class(nil), m.classes...)
}

// NumFeatures is the vector width the model was trained on.
func (m *Model) NumFeatures() int { return m.numFeatures }

// Rounds is the number of boosting rounds.
func (m *Model) Rounds() int { return len(m.trees) }

// Params returns the hyperparameters the model was fitted with.
func (m *Model) Params() Params { return m.params }

// Train fits a multi-class model on X with labels y.
func Train(ctx context.Context, X [][]float64, y []lesion.Class, params Params) (*Model, error) {
	if err := params.validate(); err != nil {
		return nil, apperrors.NewContractViolation("invalid training parameters", err)
	}
	if len(X) == 0 {
		return nil, apperrors.NewContractViolation("empty training set", nil)
	}
	if len(X) != len(y) {
		return nil, apperrors.NewContractViolation(fmt.Sprintf("%d feature rows but %d labels", len(X), len(y)), nil)
	}

	width := len(X[0])
	if width == 0 {
		return nil, apperrors.NewContractViolation("feature rows are empty", nil)
	}
	for i, row := range X {
		if len(row) != width {
			return nil, apperrors.NewContractViolation(fmt.Sprintf("row %d has %d features, want %d", i, len(row), width), nil)
		}
		if err := checkFinite(row); err != nil {
			return nil, apperrors.NewContractViolation(fmt.Sprintf("row %d", i), err)
		}
	}

	classes, encoded, err := encodeLabels(y)
	if err != nil {
		return nil, err
	}
	if len(classes) < 2 {
		return nil, apperrors.NewContractViolation("training labels must cover at least two classes", nil)
	}

	m := &Model{params: params, classes: classes, numFeatures: width}
	k := len(classes)
	n := len(X)
	rng := rand.New(rand.NewPCG(params.Seed, params.Seed^0x9e3779b97f4a7c15))

	margins := make([][]float64, n)
	for i := range margins {
		margins[i] = make([]float64, k)
	}
	grad := make([][]float64, k)
	hess := make([][]float64, k)
	for c := 0; c < k; c++ {
		grad[c] = make([]float64, n)
		hess[c] = make([]float64, n)
	}
	probs := make([]float64, k)
	builder := &treeBuilder{x: X, params: params}

	for round := 0; round < params.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for i := 0; i < n; i++ {
			softmaxInto(probs, margins[i])
			for c := 0; c < k; c++ {
				p := probs[c]
				target := 0.0
				if encoded[i] == c {
					target = 1
				}
				grad[c][i] = p - target
				hess[c][i] = math.Max(2*p*(1-p), 1e-16)
			}
		}

		rows := sampleRows(rng, n, params.Subsample)
		roundTrees := make([]tree, k)
		for c := 0; c < k; c++ {
			builder.grad = grad[c]
			builder.hess = hess[c]
			builder.features = sampleColumns(rng, width, params.ColsampleByTree)
			roundTrees[c] = builder.build(rows)
		}
		for i := 0; i < n; i++ {
			for c := 0; c < k; c++ {
				margins[i][c] += roundTrees[c].predict(X[i])
			}
		}
		m.trees = append(m.trees, roundTrees)
	}
	return m, nil
}

// Predict runs the full ensemble on x.
func (m *Model) Predict(x []float64) (Prediction, error) {
	return m.PredictDraw(x, nil)
}

// PredictDraw runs the rounds marked in active, or all of them when active is nil. Partial
// ensembles are rescaled to the magnitude of the full one.
func (m *Model) PredictDraw(x []float64, active []bool) (Prediction, error) {
	if len(x) != m.numFeatures {
		return Prediction{}, apperrors.NewContractViolation(fmt.Sprintf("feature vector has %d columns, model expects %d", len(x), m.numFeatures), nil)
	}
	if err := checkFinite(x); err != nil {
		return Prediction{}, apperrors.NewContractViolation("feature vector", err)
	}
	if active != nil && len(active) != len(m.trees) {
		return Prediction{}, apperrors.NewContractViolation(fmt.Sprintf("round mask has %d entries, model has %d rounds", len(active), len(m.trees)), nil)
	}

	k := len(m.classes)
	margin := make([]float64, k)
	used := 0
	for r, roundTrees := range m.trees {
		if active != nil && !active[r] {
			continue
		}
		used++
		for c := 0; c < k; c++ {
			margin[c] += roundTrees[c].predict(x)
		}
	}
	if used == 0 {
		return Prediction{}, apperrors.NewContractViolation("round mask selects no rounds", nil)
	}
	if used != len(m.trees) {
		scale := float64(len(m.trees)) / float64(used)
		for c := range margin {
			margin[c] *= scale
		}
	}

	probs := make([]float64, k)
	softmaxInto(probs, margin)

	best := 0
	out := Prediction{Probabilities: make(map[lesion.Class]float64, len(lesion.Classes()))}
	for _, c := range lesion.Classes() {
		out.Probabilities[c] = 0
	}
	for c, p := range probs {
		out.Probabilities[m.classes[c]] = p
		if p > probs[best] {
			best = c
		}
	}
	out.Label = m.classes[best]
	out.Confidence = probs[best] * 100
	return out, nil
}

// Evaluate returns the fraction of rows whose arg-max label matches y.
func (m *Model) Evaluate(X [][]float64, y []lesion.Class) (float64, error) {
	if len(X) != len(y) || len(X) == 0 {
		return 0, apperrors.NewContractViolation("evaluation set is empty or misaligned", nil)
	}
	known := make(map[lesion.Class]bool, len(m.classes))
	for _, c := range m.classes {
		known[c] = true
	}

	correct := 0
	for i, row := range X {
		if !known[y[i]] {
			return 0, apperrors.NewContractViolation(fmt.Sprintf("label %q was not seen during training", y[i]), nil)
		}
		pred, err := m.Predict(row)
		if err != nil {
			return 0, err
		}
		if pred.Label == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(X)), nil
}

// Importance is the normalized total split gain of one feature.
type Importance struct {
	Feature string  `json:"feature"`
	Gain    float64 `json:"gain"`
}

// FeatureImportance ranks features by total split gain, normalized to sum to 1. names labels
// the columns; missing names fall back to feature_<i>.
func (m *Model) FeatureImportance(names []string) []Importance {
	totals := make([]float64, m.numFeatures)
	var sum float64
	for _, roundTrees := range m.trees {
		for _, t := range roundTrees {
			for _, n := range t.Nodes {
				if n.Leaf {
					continue
				}
				totals[n.Feature] += n.Gain
				sum += n.Gain
			}
		}
	}

	out := make([]Importance, m.numFeatures)
	for i, g := range totals {
		name := fmt.Sprintf("feature_%d", i)
		if i < len(names) {
			name = names[i]
		}
		if sum > 0 {
			g /= sum
		}
		out[i] = Importance{Feature: name, Gain: g}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Gain > out[j].Gain })
	return out
}

// encodeLabels maps labels to dense indices in canonical class order.
func encodeLabels(y []lesion.Class) ([]lesion.Class, []int, error) {
	seen := make(map[lesion.Class]bool)
	for i, label := range y {
		if lesion.Index(label) < 0 {
			return nil, nil, apperrors.NewContractViolation(fmt.Sprintf("label %d: unknown lesion class %q", i, label), nil)
		}
		seen[label] = true
	}

	var classes []lesion.Class
	index := make(map[lesion.Class]int)
	for _, c := range lesion.Classes() {
		if seen[c] {
			index[c] = len(classes)
			classes = append(classes, c)
		}
	}

	encoded := make([]int, len(y))
	for i, label := range y {
		encoded[i] = index[label]
	}
	return classes, encoded, nil
}

func softmaxInto(dst, margin []float64) {
	maxM := math.Inf(-1)
	for _, v := range margin {
		maxM = math.Max(maxM, v)
	}
	var sum float64
	for i, v := range margin {
		dst[i] = math.Exp(v - maxM)
		sum += dst[i]
	}
	for i := range dst {
		dst[i] /= sum
	}
}

func sampleRows(rng *rand.Rand, n int, fraction float64) []int {
	if fraction >= 1 {
		rows := make([]int, n)
		for i := range rows {
			rows[i] = i
		}
		return rows
	}
	rows := make([]int, 0, int(float64(n)*fraction)+1)
	for i := 0; i < n; i++ {
		if rng.Float64() < fraction {
			rows = append(rows, i)
		}
	}
	if len(rows) == 0 {
		rows = append(rows, rng.IntN(n))
	}
	return rows
}

func sampleColumns(rng *rand.Rand, width int, fraction float64) []int {
	count := int(math.Round(float64(width) * fraction))
	if count < 1 {
		count = 1
	}
	cols := rng.Perm(width)[:count]
	sort.Ints(cols)
	return cols
}

func checkFinite(row []float64) error {
	for i, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("column %d is not finite", i)
		}
	}
	return nil
}
