package auth

import (
	"fmt"
	"math/rand/v2"

	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/sampling"
)

// Oracle authorizes exactly the genuine transactions. It reads the ground
// truth label and therefore only serves as an upper bound.
type Oracle struct{}

func (Oracle) Name() string { return domain.AuthOracle }

func (Oracle) Authorize(p domain.Payer) bool {
	return p.Class() != domain.ClassFraud
}

// NeverSecond authorizes everything without friction.
type NeverSecond struct{}

func (NeverSecond) Name() string { return domain.AuthNeverSecond }

func (NeverSecond) Authorize(domain.Payer) bool { return true }

// AlwaysSecond requests a second factor for every transaction.
type AlwaysSecond struct{}

func (AlwaysSecond) Name() string { return domain.AuthAlwaysSecond }

func (AlwaysSecond) Authorize(p domain.Payer) bool { return secondFactor(p) }

// Heuristic requests a second factor when the amount exceeds Threshold.
type Heuristic struct {
	Threshold float64
}

// NewHeuristic creates a Heuristic authenticator.
func NewHeuristic(threshold float64) *Heuristic {
	return &Heuristic{Threshold: threshold}
}

func (h *Heuristic) Name() string {
	return fmt.Sprintf("%s(%g)", domain.AuthHeuristic, h.Threshold)
}

func (h *Heuristic) Authorize(p domain.Payer) bool {
	if p.Amount() > h.Threshold {
		return secondFactor(p)
	}
	return true
}

// Random requests a second factor with a fixed probability.
type Random struct {
	prob float64
	rng  *rand.Rand
}

// NewRandom creates a Random authenticator drawing from rng.
func NewRandom(prob float64, rng *rand.Rand) *Random {
	return &Random{prob: prob, rng: rng}
}

func (r *Random) Name() string {
	return fmt.Sprintf("%s(%g)", domain.AuthRandom, r.prob)
}

func (r *Random) Authorize(p domain.Payer) bool {
	if sampling.Bernoulli(r.rng, r.prob) {
		return secondFactor(p)
	}
	return true
}
