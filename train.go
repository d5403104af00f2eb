package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/example/lesion-triage/internal/ensemble"
	"github.com/example/lesion-triage/internal/fusion"
	"github.com/example/lesion-triage/internal/lesion"
)

// trainingSample is one JSON line of a training set.
type trainingSample struct {
	Sources  []map[string]float64 `json:"sources"`
	Metadata *sampleMetadata      `json:"metadata,omitempty"`
	Label    string               `json:"label"`
}

type sampleMetadata struct {
	Age      *int   `json:"age,omitempty"`
	Gender   string `json:"gender,omitempty"`
	Location string `json:"location,omitempty"`
}

func runTrain(ctx context.Context, args []string, logger *zap.Logger) error {
	defaults := ensemble.DefaultParams()

	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	dataPath := fs.String("data", "", "Path to the JSONL training set")
	outPath := fs.String("out", "models/ensemble.json", "Where to write the model artifact")
	rounds := fs.Int("rounds", defaults.Rounds, "Boosting rounds")
	depth := fs.Int("depth", defaults.MaxDepth, "Maximum tree depth")
	lr := fs.Float64("lr", defaults.LearningRate, "Learning rate")
	seed := fs.Uint64("seed", defaults.Seed, "Random seed for subsampling and the holdout split")
	holdout := fs.Float64("holdout", 0.2, "Fraction of samples held out for evaluation (0 disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataPath == "" {
		return errors.New("usage: lesion-triage train -data <samples.jsonl> [-out path] [-rounds n] [-depth n] [-lr x] [-seed n] [-holdout f]")
	}
	if *holdout < 0 || *holdout >= 1 {
		return fmt.Errorf("holdout must be in [0, 1), got %v", *holdout)
	}

	f, err := os.Open(*dataPath)
	if err != nil {
		return fmt.Errorf("open training set: %w", err)
	}
	defer f.Close()

	X, y, err := readTrainingSet(f)
	if err != nil {
		return err
	}
	logger.Info("training set loaded", zap.String("path", *dataPath), zap.Int("samples", len(X)), zap.Int("features", len(X[0])))

	params := defaults
	params.Rounds = *rounds
	params.MaxDepth = *depth
	params.LearningRate = *lr
	params.Seed = *seed

	trainX, trainY, testX, testY := splitHoldout(X, y, *holdout, *seed)
	model, err := ensemble.Train(ctx, trainX, trainY, params)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}

	if len(testX) > 0 {
		acc, err := model.Evaluate(testX, testY)
		if err != nil {
			logger.Warn("holdout evaluation skipped", zap.Error(err))
		} else {
			logger.Info("holdout evaluation", zap.Int("samples", len(testX)), zap.Float64("accuracy", acc))
		}
	}

	sources := (len(X[0]) - fusion.MetadataWidth) / len(lesion.Classes())
	for i, imp := range model.FeatureImportance(fusion.FeatureNames(sources)) {
		if i == 5 {
			break
		}
		logger.Info("feature importance", zap.String("feature", imp.Feature), zap.Float64("gain", imp.Gain))
	}

	if err := os.MkdirAll(filepath.Dir(*outPath), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := ensemble.SaveFile(*outPath, model); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	logger.Info("model artifact written", zap.String("path", *outPath), zap.Int("rounds", model.Rounds()))
	return nil
}

// readTrainingSet fuses every line into a feature row. All lines must share one source count.
func readTrainingSet(r io.Reader) ([][]float64, []lesion.Class, error) {
	var (
		X [][]float64
		y []lesion.Class
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var sample trainingSample
		if err := json.Unmarshal(scanner.Bytes(), &sample); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		row, label, err := sample.fuse()
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(X) > 0 && len(row) != len(X[0]) {
			return nil, nil, fmt.Errorf("line %d: %d sources, earlier lines have %d", line, len(sample.Sources), (len(X[0])-fusion.MetadataWidth)/len(lesion.Classes()))
		}
		X = append(X, row)
		y = append(y, label)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	if len(X) == 0 {
		return nil, nil, errors.New("training set is empty")
	}
	return X, y, nil
}

func (s trainingSample) fuse() ([]float64, lesion.Class, error) {
	label, err := lesion.ParseClass(s.Label)
	if err != nil {
		return nil, "", err
	}

	dists := make([]lesion.Distribution, len(s.Sources))
	for i, src := range s.Sources {
		d := make(lesion.Distribution, len(src))
		for name, p := range src {
			c, err := lesion.ParseClass(name)
			if err != nil {
				return nil, "", fmt.Errorf("source %d: %w", i, err)
			}
			d[c] = p
		}
		dists[i] = d
	}

	var meta *lesion.PatientMetadata
	if m := s.Metadata; m != nil {
		meta = &lesion.PatientMetadata{Age: fusion.DefaultAge, Gender: lesion.ParseGender(m.Gender), Location: m.Location}
		if m.Age != nil {
			meta.Age = *m.Age
		}
	}

	row, err := fusion.Fuse(dists, meta)
	if err != nil {
		return nil, "", err
	}
	return row, label, nil
}

// splitHoldout shuffles with seed and holds out the trailing fraction.
func splitHoldout(X [][]float64, y []lesion.Class, fraction float64, seed uint64) ([][]float64, []lesion.Class, [][]float64, []lesion.Class) {
	n := int(float64(len(X)) * fraction)
	if n == 0 || n == len(X) {
		return X, y, nil, nil
	}

	order := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d)).Perm(len(X))
	pick := func(idx []int) ([][]float64, []lesion.Class) {
		xs := make([][]float64, len(idx))
		ys := make([]lesion.Class, len(idx))
		for i, j := range idx {
			xs[i], ys[i] = X[j], y[j]
		}
		return xs, ys
	}
	trainX, trainY := pick(order[n:])
	testX, testY := pick(order[:n])
	return trainX, trainY, testX, testY
}
