// Package gate decides whether a classifier output is usable before any further processing.
package gate

import "github.com/example/lesion-triage/internal/lesion"

// Reason is the machine-readable cause of a rejection.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonLowConfidence         Reason = "LOW_CONFIDENCE"
	ReasonAmbiguousDistribution Reason = "AMBIGUOUS_DISTRIBUTION"
)

const (
	// MinTopConfidence is the lowest acceptable top confidence, as a percentage.
	MinTopConfidence = 60.0
	// AmbiguousSpread is the max-min probability spread under which a distribution is flat.
	AmbiguousSpread = 0.20
	// AmbiguousTopConfidence caps the top confidence at which a flat distribution is rejected.
	AmbiguousTopConfidence = 65.0
)

// Decision is the gate outcome. A rejection is a normal result, not an error.
type Decision struct {
	Accepted bool     `json:"accepted"`
	Reason   Reason   `json:"reason,omitempty"`
	Hints    []string `json:"hints,omitempty"`
}

// Evaluate applies the acceptance rules to a classifier's top confidence (0..100) and its full
// class distribution. The ambiguity rule is checked first, so a flat distribution whose top
// confidence is also below MinTopConfidence is reported as ambiguous.
func Evaluate(topConfidence float64, dist lesion.Distribution) Decision {
	// A flat seven-way distribution tops out near 14-16%. Checking confidence first would label
	// every such input LOW_CONFIDENCE and the ambiguity reason could never fire below 60.
	if len(dist) >= 2 && dist.Spread() < AmbiguousSpread && topConfidence < AmbiguousTopConfidence {
		return reject(ReasonAmbiguousDistribution)
	}
	if topConfidence < MinTopConfidence {
		return reject(ReasonLowConfidence)
	}
	return Decision{Accepted: true}
}

func reject(reason Reason) Decision {
	return Decision{Accepted: false, Reason: reason, Hints: Hints(reason)}
}

// Hints returns remediation guidance for a rejection reason.
func Hints(reason Reason) []string {
	switch reason {
	case ReasonLowConfidence:
		return []string{
			"Upload a clear, close-up photo of an actual skin lesion",
			"Use good lighting",
			"Focus clearly on the lesion",
			"Take the photo from 6-12 inches away",
			"Make sure the lesion fills most of the frame",
		}
	case ReasonAmbiguousDistribution:
		return []string{
			"The image may not contain a skin lesion at all",
			"Upload a real photograph of a lesion, mole or spot, not a drawing or unrelated image",
			"Make sure the photo shows human skin with a visible lesion",
		}
	default:
		return nil
	}
}
