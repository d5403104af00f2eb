package uncertainty

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
)

// Draw is the input of one repeated inference. A nil Rounds runs the whole ensemble.
type Draw struct {
	Features []float64
	Rounds   []bool
}

// Sampler perturbs the base vector for draw number i. Samplers are called sequentially from a
// single goroutine so they may use rng freely; they must not modify base.
type Sampler interface {
	Next(i int, base []float64, rounds int, rng *rand.Rand) Draw
}

// Deterministic repeats the same inference on every draw. Every draw agrees, so the uncertainty
// score is always 0.
type Deterministic struct{}

func (Deterministic) Next(_ int, base []float64, _ int, _ *rand.Rand) Draw {
	return Draw{Features: base}
}

// FeatureJitter adds zero-mean Gaussian noise to each column, clamped to [0, 1]. The last
// Protected columns (patient metadata) are left untouched.
type FeatureJitter struct {
	Sigma     float64
	Protected int
}

func (j FeatureJitter) Next(_ int, base []float64, _ int, rng *rand.Rand) Draw {
	out := make([]float64, len(base))
	copy(out, base)
	limit := len(out) - j.Protected
	for i := 0; i < limit; i++ {
		v := out[i] + rng.NormFloat64()*j.Sigma
		out[i] = math.Min(1, math.Max(0, v))
	}
	return Draw{Features: out}
}

// SubEnsemble keeps each boosting round with probability Keep. At least one round survives.
type SubEnsemble struct {
	Keep float64
}

func (s SubEnsemble) Next(_ int, base []float64, rounds int, rng *rand.Rand) Draw {
	if rounds <= 0 {
		return Draw{Features: base}
	}
	mask := make([]bool, rounds)
	kept := 0
	for r := range mask {
		if rng.Float64() < s.Keep {
			mask[r] = true
			kept++
		}
	}
	if kept == 0 {
		mask[rng.IntN(rounds)] = true
	}
	return Draw{Features: base, Rounds: mask}
}

// Chain applies samplers in order. Later round masks replace earlier ones.
type Chain []Sampler

func (c Chain) Next(i int, base []float64, rounds int, rng *rand.Rand) Draw {
	d := Draw{Features: base}
	for _, s := range c {
		next := s.Next(i, d.Features, rounds, rng)
		d.Features = next.Features
		if next.Rounds != nil {
			d.Rounds = next.Rounds
		}
	}
	return d
}

// ParseSampler builds a sampler by name: none, jitter, subensemble or combined.
func ParseSampler(name string, sigma, keep float64, protected int) (Sampler, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "deterministic":
		return Deterministic{}, nil
	case "jitter":
		return FeatureJitter{Sigma: sigma, Protected: protected}, nil
	case "subensemble":
		return SubEnsemble{Keep: keep}, nil
	case "combined", "":
		return Chain{FeatureJitter{Sigma: sigma, Protected: protected}, SubEnsemble{Keep: keep}}, nil
	default:
		return nil, fmt.Errorf("unknown sampler %q", name)
	}
}
