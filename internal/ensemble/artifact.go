package ensemble

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/example/lesion-triage/internal/lesion"
)

const artifactVersion = 1

var (
	// ErrArtifactNotFound is returned when no model artifact exists at the given path.
	ErrArtifactNotFound = errors.New("ensemble: model artifact not found")
	// ErrArtifactCorrupt is returned when an artifact cannot be decoded or fails its checksum.
	ErrArtifactCorrupt = errors.New("ensemble: model artifact corrupt")
)

type artifact struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Model    json.RawMessage `json:"model"`
}

type modelFile struct {
	Params      Params         `json:"params"`
	Classes     []lesion.Class `json:"classes"`
	NumFeatures int            `json:"num_features"`
	Trees       [][]tree       `json:"trees"`
}

// Encode writes m as a versioned, checksummed bundle.
func Encode(w io.Writer, m *Model) error {
	body, err := json.Marshal(modelFile{
		Params:      m.params,
		Classes:     m.classes,
		NumFeatures: m.numFeatures,
		Trees:       m.trees,
	})
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	sum := sha256.Sum256(body)
	out, err := json.Marshal(artifact{
		Version:  artifactVersion,
		Checksum: hex.EncodeToString(sum[:]),
		Model:    body,
	})
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	_, err = w.Write(out)
	return err
}

// Decode reads a bundle written by Encode.
func Decode(r io.Reader) (*Model, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}

	var a artifact
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}
	if a.Version != artifactVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrArtifactCorrupt, a.Version)
	}
	sum := sha256.Sum256(a.Model)
	if hex.EncodeToString(sum[:]) != a.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrArtifactCorrupt)
	}

	var mf modelFile
	if err := json.Unmarshal(a.Model, &mf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}
	if err := mf.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}
	return &Model{
		params:      mf.Params,
		classes:     mf.Classes,
		numFeatures: mf.NumFeatures,
		trees:       mf.Trees,
	}, nil
}

func (mf *modelFile) validate() error {
	if len(mf.Classes) < 2 {
		return fmt.Errorf("label encoding has %d classes", len(mf.Classes))
	}
	for _, c := range mf.Classes {
		if lesion.Index(c) < 0 {
			return fmt.Errorf("unknown class %q", c)
		}
	}
	if mf.NumFeatures <= 0 {
		return fmt.Errorf("invalid feature count %d", mf.NumFeatures)
	}
	if len(mf.Trees) == 0 {
		return errors.New("no boosting rounds")
	}
	for r, roundTrees := range mf.Trees {
		if len(roundTrees) != len(mf.Classes) {
			return fmt.Errorf("round %d has %d trees, want %d", r, len(roundTrees), len(mf.Classes))
		}
		for c, t := range roundTrees {
			if err := t.validate(mf.NumFeatures); err != nil {
				return fmt.Errorf("round %d class %d: %w", r, c, err)
			}
		}
	}
	return nil
}

// validate requires children to follow their parent, which rules out cycles.
func (t *tree) validate(width int) error {
	if len(t.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Leaf {
			continue
		}
		if n.Feature < 0 || n.Feature >= width {
			return fmt.Errorf("node %d splits on feature %d", i, n.Feature)
		}
		if n.Left <= i || n.Left >= len(t.Nodes) || n.Right <= i || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children", i)
		}
	}
	return nil
}

// SaveFile writes m to path through a temporary file so readers never observe a partial artifact.
func SaveFile(path string, m *Model) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ensemble-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, m); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to install artifact: %w", err)
	}
	return nil
}

// LoadFile reads the artifact at path.
func LoadFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
