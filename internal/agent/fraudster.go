package agent

import (
	"math/rand/v2"
	"time"

	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/empirical"
	"github.com/opensource-finance/cardsim/internal/sampling"
)

// Fraudster pays with a stolen or freshly minted card and can never supply
// a second authentication factor.
type Fraudster struct {
	base
	victim *Genuine
}

// NewFraudster creates a fraudster.
func NewFraudster(id int64, t *empirical.Table, rng *rand.Rand, behavior domain.BehaviorConfig) *Fraudster {
	return &Fraudster{
		base: newBase(id, domain.ClassFraud, t, rng, behavior.SeasonalBlend),
	}
}

// Victim returns the customer whose card was stolen, or nil.
func (f *Fraudster) Victim() *Genuine { return f.victim }

func (f *Fraudster) DecideTransaction(global time.Time) bool {
	f.observe(global)
	return f.decide(f.TransactionProbability(f.local))
}

func (f *Fraudster) MakeTransaction(env Env) bool {
	if f.cardID == 0 {
		f.acquireCard(env)
	}
	if !f.pickMerchant(env) {
		f.active = false
		return false
	}
	return true
}

// acquireCard steals the card of a random eligible customer with the
// table's fraud-cards-in-genuine probability and adopts its country and
// currency. Without candidates, or when the draw fails, it mints a new card.
func (f *Fraudster) acquireCard(env Env) {
	if sampling.Bernoulli(f.rng, f.table.FraudCardsInGenuine()) {
		if candidates := env.TheftCandidates(); len(candidates) > 0 {
			v := candidates[f.rng.IntN(len(candidates))]
			f.cardID = v.CardID()
			f.currency = v.Currency()
			f.setCountry(v.Country())
			f.local = f.global.In(f.loc)
			f.victim = v
			v.CorruptCard()
			return
		}
	}
	f.cardID = env.NextCardID()
}

// GiveAuthentication always fails and cancels the payment.
func (f *Fraudster) GiveAuthentication() (float64, bool) {
	f.authSteps++
	f.cancelled = true
	return 0, false
}

func (f *Fraudster) Settle(authorized bool) {
	f.settle(authorized)
}

func (f *Fraudster) DecideStay() {
	if !f.stay {
		return
	}
	f.stay = sampling.Bernoulli(f.rng, f.table.StayProbability(f.class))
}
