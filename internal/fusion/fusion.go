// Package fusion turns classifier distributions and patient metadata into the fixed column
// layout the ensemble aggregator is trained against.
package fusion

import (
	"fmt"

	"github.com/example/lesion-triage/internal/apperrors"
	"github.com/example/lesion-triage/internal/lesion"
)

const (
	// MetadataWidth is the number of trailing metadata columns.
	MetadataWidth = 3
	// DefaultAge stands in for a missing age.
	DefaultAge = 50
	// MaxAge is the oldest plausible patient age.
	MaxAge = 150

	locationPlaceholder = 0.5
)

// Vector is a fused feature vector.
type Vector []float64

// Width returns the vector length for the given number of classifier sources.
func Width(sources int) int {
	return sources*len(lesion.Classes()) + MetadataWidth
}

// Fuse concatenates each source's probabilities in canonical class order followed by the
// encoded metadata. Missing metadata encodes as an unspecified 50 year old so the width stays
// fixed.
func Fuse(sources []lesion.Distribution, meta *lesion.PatientMetadata) (Vector, error) {
	if len(sources) == 0 {
		return nil, apperrors.NewContractViolation("at least one classifier source is required", nil)
	}

	classes := lesion.Classes()
	out := make(Vector, 0, Width(len(sources)))
	for i, src := range sources {
		if err := src.Validate(); err != nil {
			return nil, apperrors.NewContractViolation(fmt.Sprintf("source %d rejected", i), err)
		}
		for _, c := range classes {
			out = append(out, src[c])
		}
	}

	m := lesion.PatientMetadata{Age: DefaultAge}
	if meta != nil {
		m = *meta
	}
	if m.Age < 0 || m.Age > MaxAge {
		return nil, apperrors.NewContractViolation(fmt.Sprintf("age %d outside [0, %d]", m.Age, MaxAge), nil)
	}
	out = append(out, float64(m.Age)/100, encodeGender(m.Gender), locationPlaceholder)
	return out, nil
}

func encodeGender(g lesion.Gender) float64 {
	switch g {
	case lesion.GenderMale:
		return 1.0
	case lesion.GenderFemale:
		return 0.0
	default:
		return 0.5
	}
}

// FeatureNames labels each column of a vector built from the given number of sources.
func FeatureNames(sources int) []string {
	names := make([]string, 0, Width(sources))
	for i := 0; i < sources; i++ {
		for _, c := range lesion.Classes() {
			names = append(names, fmt.Sprintf("source%d:%s", i, c))
		}
	}
	return append(names, "age", "gender", "location_risk")
}
