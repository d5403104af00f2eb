// Package lesion defines the closed skin-lesion label space and the request-scoped inputs
// shared by every stage of the triage pipeline.
package lesion

import (
	"fmt"
	"math"
	"strings"
)

// Class is one of the seven lesion categories produced by the upstream classifier.
type Class string

const (
	ActinicKeratoses   Class = "Actinic keratoses"
	BasalCellCarcinoma Class = "Basal cell carcinoma"
	BenignKeratosis    Class = "Benign keratosis-like lesions"
	Dermatofibroma     Class = "Dermatofibroma"
	MelanocyticNevi    Class = "Melanocytic nevi"
	Melanoma           Class = "Melanoma"
	VascularLesions    Class = "Vascular lesions"
)

// SumTolerance bounds how far the probabilities of a single source may drift from 1.
const SumTolerance = 0.02

var classes = [...]Class{
	ActinicKeratoses,
	BasalCellCarcinoma,
	BenignKeratosis,
	Dermatofibroma,
	MelanocyticNevi,
	Melanoma,
	VascularLesions,
}

// Classes returns the canonical class order. Column layouts and label encodings depend on it.
func Classes() []Class {
	out := make([]Class, len(classes))
	copy(out, classes[:])
	return out
}

// Index returns the canonical position of c, or -1 when c is not a known class.
func Index(c Class) int {
	for i, known := range classes {
		if known == c {
			return i
		}
	}
	return -1
}

// ParseClass resolves a label case-insensitively against the canonical set.
func ParseClass(s string) (Class, error) {
	trimmed := strings.TrimSpace(s)
	for _, c := range classes {
		if strings.EqualFold(string(c), trimmed) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown lesion class %q", s)
}

// Distribution maps each class to a probability in [0, 1].
type Distribution map[Class]float64

// Top returns the arg-max class and its probability. Ties resolve to the earlier canonical class.
func (d Distribution) Top() (Class, float64) {
	var (
		best  Class
		score = math.Inf(-1)
	)
	for _, c := range classes {
		p, ok := d[c]
		if !ok {
			continue
		}
		if p > score {
			best, score = c, p
		}
	}
	if best == "" {
		return "", 0
	}
	return best, score
}

// Spread is the difference between the largest and smallest probability.
func (d Distribution) Spread() float64 {
	if len(d) == 0 {
		return 0
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range d {
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
	}
	return hi - lo
}

// Validate checks that d covers exactly the canonical classes with finite probabilities in
// [0, 1] summing to 1 within SumTolerance.
func (d Distribution) Validate() error {
	if len(d) != len(classes) {
		return fmt.Errorf("distribution has %d classes, want %d", len(d), len(classes))
	}
	var sum float64
	for _, c := range classes {
		p, ok := d[c]
		if !ok {
			return fmt.Errorf("distribution missing class %q", c)
		}
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 || p > 1 {
			return fmt.Errorf("probability for %q out of range: %v", c, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > SumTolerance {
		return fmt.Errorf("probabilities sum to %.4f", sum)
	}
	return nil
}

// Gender is the patient's reported gender category.
type Gender int

const (
	GenderUnspecified Gender = iota
	GenderMale
	GenderFemale
)

// ParseGender maps free-form input onto the known categories.
func ParseGender(s string) Gender {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "male", "m":
		return GenderMale
	case "female", "f":
		return GenderFemale
	default:
		return GenderUnspecified
	}
}

func (g Gender) String() string {
	switch g {
	case GenderMale:
		return "male"
	case GenderFemale:
		return "female"
	default:
		return "unspecified"
	}
}

// PatientMetadata is caller-supplied context for one request.
type PatientMetadata struct {
	Age      int
	Gender   Gender
	Location string
}
