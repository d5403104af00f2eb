package uncertainty

import "fmt"

// Tier is a clinical escalation level. Higher values are more cautious.
type Tier int

const (
	TierConfident Tier = iota
	TierModerate
	TierHigh
)

const (
	highUncertaintyScore     = 0.30
	highAgreementFloor       = 70.0
	moderateUncertaintyScore = 0.15
	moderateAgreementFloor   = 85.0
)

// Recommend maps an uncertainty score and an agreement rate (percentage) to a tier. Rules are
// checked from most to least cautious and the first match wins.
func Recommend(uncertaintyScore, agreementRate float64) Tier {
	switch {
	case uncertaintyScore > highUncertaintyScore || agreementRate < highAgreementFloor:
		return TierHigh
	case uncertaintyScore > moderateUncertaintyScore || agreementRate < moderateAgreementFloor:
		return TierModerate
	default:
		return TierConfident
	}
}

func (t Tier) String() string {
	switch t {
	case TierConfident:
		return "CONFIDENT"
	case TierModerate:
		return "MODERATE"
	case TierHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// Recommendation is the human-facing guidance for the tier.
func (t Tier) Recommendation() string {
	switch t {
	case TierConfident:
		return "CONFIDENT PREDICTION - Standard follow-up recommended"
	case TierModerate:
		return "MODERATE UNCERTAINTY - Consider expert consultation"
	default:
		return "HIGH UNCERTAINTY - Strongly recommend expert review"
	}
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	switch string(b) {
	case "CONFIDENT":
		*t = TierConfident
	case "MODERATE":
		*t = TierModerate
	case "HIGH":
		*t = TierHigh
	default:
		return fmt.Errorf("unknown tier %q", string(b))
	}
	return nil
}
