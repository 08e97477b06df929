// Package sampling holds the random draws shared by the simulation packages.
// Every function takes the caller's *rand.Rand so each component keeps its
// own isolated stream.
package sampling

import (
	"math"
	"math/rand/v2"
)

// New returns a PCG-backed generator for seed.
func New(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Child derives an independent generator from parent. Only parent's state
// advances, so the child stream depends on how many children were drawn
// before it and nothing else.
func Child(parent *rand.Rand) *rand.Rand {
	return rand.New(rand.NewPCG(parent.Uint64(), parent.Uint64()))
}

// Bernoulli returns true with probability p. p is clamped to [0,1].
func Bernoulli(rng *rand.Rand, p float64) bool {
	return Clamp01(p) > rng.Float64()
}

// Normal draws from N(mean, stddev^2).
func Normal(rng *rand.Rand, mean, stddev float64) float64 {
	return mean + stddev*rng.NormFloat64()
}

// Beta draws from Beta(alpha, beta) via two gamma variates.
func Beta(rng *rand.Rand, alpha, beta float64) float64 {
	x := Gamma(rng, alpha)
	y := Gamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// Gamma draws from Gamma(shape, 1) using Marsaglia and Tsang's method.
func Gamma(rng *rand.Rand, shape float64) float64 {
	if shape <= 0 {
		return 0
	}
	if shape < 1 {
		// boost: Gamma(a) = Gamma(a+1) * U^(1/a)
		return Gamma(rng, shape+1) * math.Pow(rng.Float64(), 1/shape)
	}
	d := shape - 1.0/3
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// Clamp01 limits p to [0,1]. NaN maps to 0.
func Clamp01(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

// StochasticRound turns an expected count into an integer draw: a single
// Bernoulli trial when expected <= 1, otherwise round(expected + N(0,1))
// floored at zero.
func StochasticRound(rng *rand.Rand, expected float64) int {
	if math.IsNaN(expected) || expected <= 0 {
		return 0
	}
	if expected <= 1 {
		if expected > rng.Float64() {
			return 1
		}
		return 0
	}
	n := math.Round(expected + rng.NormFloat64())
	if n < 0 {
		return 0
	}
	return int(n)
}
