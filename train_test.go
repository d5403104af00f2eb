package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/lesion-triage/internal/ensemble"
	"github.com/example/lesion-triage/internal/fusion"
	"github.com/example/lesion-triage/internal/lesion"
)

func peakedSource(top lesion.Class, p float64) map[string]float64 {
	rest := (1 - p) / float64(len(lesion.Classes())-1)
	out := make(map[string]float64)
	for _, c := range lesion.Classes() {
		out[string(c)] = rest
	}
	out[string(top)] = p
	return out
}

func writeTrainingSet(t *testing.T, n int) string {
	t.Helper()
	labels := []lesion.Class{lesion.Melanoma, lesion.MelanocyticNevi, lesion.BasalCellCarcinoma}

	var b strings.Builder
	for i := 0; i < n; i++ {
		label := labels[i%len(labels)]
		age := 30 + i%40
		line, err := json.Marshal(trainingSample{
			Sources:  []map[string]float64{peakedSource(label, 0.7+float64(i%3)*0.05)},
			Metadata: &sampleMetadata{Age: &age, Gender: []string{"male", "female", ""}[i%3]},
			Label:    string(label),
		})
		require.NoError(t, err)
		b.Write(line)
		b.WriteByte('\n')
	}

	path := filepath.Join(t.TempDir(), "samples.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func TestRunTrainWritesLoadableArtifact(t *testing.T) {
	data := writeTrainingSet(t, 30)
	out := filepath.Join(t.TempDir(), "models", "ensemble.json")

	err := runTrain(context.Background(), []string{"-data", data, "-out", out, "-rounds", "10", "-depth", "3", "-lr", "0.3"}, zap.NewNop())
	require.NoError(t, err)

	m, err := ensemble.LoadFile(out)
	require.NoError(t, err)
	assert.Equal(t, 10, m.Rounds())
	assert.Equal(t, fusion.Width(1), m.NumFeatures())
	assert.Len(t, m.Classes(), 3)
}

func TestRunTrainRequiresData(t *testing.T) {
	err := runTrain(context.Background(), nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage")
}

func TestReadTrainingSetRejectsBadLines(t *testing.T) {
	cases := map[string]string{
		"not json":      "{",
		"unknown label": fmt.Sprintf(`{"sources":[%s],"label":"freckle"}`, mustJSON(t, peakedSource(lesion.Melanoma, 0.9))),
		"unknown class": `{"sources":[{"freckle":1}],"label":"Melanoma"}`,
		"mixed sources": fmt.Sprintf("{\"sources\":[%[1]s],\"label\":\"Melanoma\"}\n{\"sources\":[%[1]s,%[1]s],\"label\":\"Melanoma\"}", mustJSON(t, peakedSource(lesion.Melanoma, 0.9))),
		"bad age":       fmt.Sprintf(`{"sources":[%s],"metadata":{"age":400},"label":"Melanoma"}`, mustJSON(t, peakedSource(lesion.Melanoma, 0.9))),
		"empty":         "",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := readTrainingSet(strings.NewReader(body))
			assert.Error(t, err)
		})
	}
}

func TestSplitHoldoutIsDeterministic(t *testing.T) {
	X := make([][]float64, 10)
	y := make([]lesion.Class, 10)
	for i := range X {
		X[i] = []float64{float64(i)}
		y[i] = lesion.Melanoma
	}

	trainA, _, testA, _ := splitHoldout(X, y, 0.3, 5)
	trainB, _, testB, _ := splitHoldout(X, y, 0.3, 5)
	assert.Len(t, trainA, 7)
	assert.Len(t, testA, 3)
	assert.Equal(t, testA, testB)
	assert.Equal(t, trainA, trainB)

	all, _, none, _ := splitHoldout(X, y, 0, 5)
	assert.Len(t, all, 10)
	assert.Empty(t, none)
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
