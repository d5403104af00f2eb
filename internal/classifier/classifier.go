// Package classifier describes the output of the upstream image classifier and the client
// contract the analysis flow depends on.
package classifier

import (
	"context"
	"fmt"

	"github.com/example/lesion-triage/internal/apperrors"
	"github.com/example/lesion-triage/internal/lesion"
)

// Source is one named probability distribution produced by the classifier service.
type Source struct {
	Name        string              `json:"name"`
	Predictions lesion.Distribution `json:"predictions"`
}

// Result contains the outcome returned by the classifier service. Sources[0] is the primary
// source; TopClass and TopConfidence (percent) are derived from it.
type Result struct {
	TopClass      lesion.Class `json:"top_class"`
	TopConfidence float64      `json:"top_confidence"`
	Sources       []Source     `json:"sources"`
}

// Client exposes the subset of functionality used by the analysis flow.
type Client interface {
	Classify(ctx context.Context, userID string, image []byte) (*Result, error)
}

// NewResult validates every source and derives the top prediction from the primary one.
func NewResult(sources []Source) (*Result, error) {
	if len(sources) == 0 {
		return nil, apperrors.NewContractViolation("classifier returned no sources", nil)
	}
	for i, s := range sources {
		if err := s.Predictions.Validate(); err != nil {
			return nil, apperrors.NewContractViolation(fmt.Sprintf("classifier source %d (%s) is malformed", i, s.Name), err)
		}
	}
	top, p := sources[0].Predictions.Top()
	return &Result{TopClass: top, TopConfidence: p * 100, Sources: sources}, nil
}

// Primary returns the distribution of the first source.
func (r *Result) Primary() lesion.Distribution {
	if r == nil || len(r.Sources) == 0 {
		return nil
	}
	return r.Sources[0].Predictions
}

// Distributions returns the source distributions in order, ready for feature fusion.
func (r *Result) Distributions() []lesion.Distribution {
	out := make([]lesion.Distribution, len(r.Sources))
	for i, s := range r.Sources {
		out[i] = s.Predictions
	}
	return out
}
