package agent

import (
	"math/rand/v2"
	"time"

	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/empirical"
	"github.com/opensource-finance/cardsim/internal/sampling"
)

// Genuine is a legitimate customer. Friction lowers its satisfaction, which
// in turn lowers its activity and its willingness to stay.
type Genuine struct {
	base
	behavior      domain.BehaviorConfig
	patience      float64
	satisfaction  float64
	cardCorrupted bool
}

// NewGenuine creates a customer with the given starting satisfaction.
func NewGenuine(id int64, t *empirical.Table, rng *rand.Rand, behavior domain.BehaviorConfig, satisfaction float64) *Genuine {
	g := &Genuine{
		base:         newBase(id, domain.ClassGenuine, t, rng, behavior.SeasonalBlend),
		behavior:     behavior,
		satisfaction: sampling.Clamp01(satisfaction),
	}
	g.patience = sampling.Beta(rng, behavior.PatienceAlpha, behavior.PatienceBeta)
	return g
}

func (g *Genuine) Patience() float64 { return g.patience }
func (g *Genuine) Satisfaction() float64 { return g.satisfaction }
func (g *Genuine) CardCorrupted() bool { return g.cardCorrupted }

// CorruptCard flags the card as known to a fraudster.
func (g *Genuine) CorruptCard() {
	g.cardCorrupted = true
}

// NotifyFraud applies the satisfaction penalty of a fraudulent payment
// being authorized on the customer's card.
func (g *Genuine) NotifyFraud() {
	g.cardCorrupted = true
	g.satisfaction = sampling.Clamp01(g.satisfaction * g.behavior.SatisfactionCorrupted)
}

func (g *Genuine) TransactionProbability(local time.Time) float64 {
	return sampling.Clamp01(g.satisfaction * g.profile.probability(local))
}

// DecideTransaction additionally lets a customer with a corrupted card quit:
// unless the stay-after-fraud draw succeeds it does not transact and leaves.
func (g *Genuine) DecideTransaction(global time.Time) bool {
	g.observe(global)
	do := g.decide(g.TransactionProbability(g.local))

	if g.cardCorrupted && g.stay {
		if g.table.StayAfterFraud() < g.rng.Float64() {
			g.active = false
			g.stay = false
			do = false
		}
	}
	return do
}

func (g *Genuine) MakeTransaction(env Env) bool {
	if !g.pickMerchant(env) {
		g.active = false
		return false
	}
	if g.cardID == 0 {
		g.cardID = env.NextCardID()
	}
	return true
}

// GiveAuthentication succeeds with probability
// 0.5*(patience + 1 - amount/merchantMax); a refusal cancels the payment.
func (g *Genuine) GiveAuthentication() (float64, bool) {
	g.authSteps++

	ratio := 0.0
	if g.merchant != nil {
		if hi := g.merchant.MaxAmount(g.class); hi > 0 {
			ratio = sampling.Clamp01(g.amount / hi)
		}
	}
	if sampling.Bernoulli(g.rng, 0.5*(g.patience+1-ratio)) {
		g.cancelled = false
		return 1, true
	}
	g.cancelled = true
	return 0, false
}

func (g *Genuine) Settle(authorized bool) {
	g.settle(authorized)

	switch {
	case g.authSteps == 0:
		g.satisfaction *= g.behavior.SatisfactionNoAuth
	case g.authorized:
		g.satisfaction *= g.behavior.SatisfactionAuthorized
	default:
		g.satisfaction *= g.behavior.SatisfactionCancelled
	}
	g.satisfaction = sampling.Clamp01(g.satisfaction)
}

// DecideStay leaves with probability 1 - satisfaction*stayProbability.
func (g *Genuine) DecideStay() {
	if !g.stay {
		return
	}
	stay := g.satisfaction * g.table.StayProbability(g.class)
	g.stay = !sampling.Bernoulli(g.rng, 1-stay)
}
