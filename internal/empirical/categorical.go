package empirical

import (
	"math/rand/v2"
	"slices"
)

// Outcome is one weighted value of a categorical distribution.
type Outcome struct {
	Value string
	Prob  float64
}

// Categorical is a discrete distribution over string values. Outcomes are
// kept in sorted value order so that sampling is reproducible.
type Categorical struct {
	outcomes []Outcome
	total    float64
}

// NewCategorical builds a distribution from weights. Negative weights count as zero.
func NewCategorical(weights map[string]float64) Categorical {
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	c := Categorical{outcomes: make([]Outcome, 0, len(keys))}
	for _, k := range keys {
		p := weights[k]
		if p < 0 {
			p = 0
		}
		c.outcomes = append(c.outcomes, Outcome{Value: k, Prob: p})
		c.total += p
	}
	return c
}

// Len returns the number of outcomes.
func (c Categorical) Len() int { return len(c.outcomes) }

// Outcomes returns a copy of the outcomes.
func (c Categorical) Outcomes() []Outcome { return slices.Clone(c.outcomes) }

// Prob returns the normalised probability of v.
func (c Categorical) Prob(v string) float64 {
	for _, o := range c.outcomes {
		if o.Value == v {
			if c.total == 0 {
				return 1 / float64(len(c.outcomes))
			}
			return o.Prob / c.total
		}
	}
	return 0
}

// Sample draws one value. A distribution with zero total weight falls back
// to a uniform draw over its outcomes; an empty one returns ok=false.
func (c Categorical) Sample(rng *rand.Rand) (string, bool) {
	n := len(c.outcomes)
	if n == 0 {
		return "", false
	}
	if c.total <= 0 {
		return c.outcomes[rng.IntN(n)].Value, true
	}

	u := rng.Float64() * c.total
	for _, o := range c.outcomes {
		if u < o.Prob {
			return o.Value, true
		}
		u -= o.Prob
	}
	// float rounding: return the last outcome with mass
	for i := n - 1; i >= 0; i-- {
		if c.outcomes[i].Prob > 0 {
			return c.outcomes[i].Value, true
		}
	}
	return c.outcomes[n-1].Value, true
}
