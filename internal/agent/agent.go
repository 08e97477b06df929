// Package agent implements the customers and fraudsters of the simulation.
// Both variants share a base for identity, per-tick state and the seasonal
// profile; they differ in how they authenticate, churn and obtain cards.
package agent

import (
	"math/rand/v2"
	"time"

	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/empirical"
	"github.com/opensource-finance/cardsim/internal/merchant"
	"github.com/opensource-finance/cardsim/internal/sampling"
)

// Env is the view of the model an agent needs while transacting.
type Env interface {
	Table() *empirical.Table
	Merchant(id string) (*merchant.Merchant, bool)
	NextCardID() int64
	// TheftCandidates lists the genuine agents whose card a fraudster may
	// steal, in a stable order.
	TheftCandidates() []*Genuine
}

// Agent is one card holder in the population. Per tick the model calls
// BeginTick, DecideTransaction, then for active agents MakeTransaction,
// the authenticator, Settle and DecideStay.
type Agent interface {
	domain.Payer

	ID() int64
	CardID() int64
	Active() bool
	Stay() bool

	// BeginTick clears the previous tick's transaction state.
	BeginTick()

	// TransactionProbability is the clamped chance of transacting at local time.
	TransactionProbability(local time.Time) float64

	// DecideTransaction draws whether the agent transacts in the hour
	// starting at global and marks it active accordingly.
	DecideTransaction(global time.Time) bool

	// MakeTransaction picks merchant and amount and binds a card on first
	// use. It returns false (and deactivates the agent) when no merchant
	// can be drawn.
	MakeTransaction(env Env) bool

	// Settle records the authorization outcome.
	Settle(authorized bool)

	// DecideStay draws whether the agent remains after this transaction.
	DecideStay()

	// Block removes the agent at the next migration.
	Block()

	Record(global time.Time) domain.TransactionRecord
}

type base struct {
	id       int64
	class    domain.Class
	rng      *rand.Rand
	table    *empirical.Table
	country  string
	currency string
	loc      *time.Location
	cardID   int64
	profile  profile
	stay     bool

	// per tick
	global     time.Time
	local      time.Time
	active     bool
	merchant   *merchant.Merchant
	amount     float64
	authSteps  int
	cancelled  bool
	authorized bool
}

func newBase(id int64, class domain.Class, t *empirical.Table, rng *rand.Rand, blend float64) base {
	b := base{
		id:    id,
		class: class,
		rng:   rng,
		table: t,
		stay:  true,
		loc:   time.UTC,
	}
	b.country, _ = t.SampleCountry(class, rng)
	b.currency, _ = t.CurrencyGivenCountry(class, b.country).Sample(rng)
	b.setCountry(b.country)
	b.profile = newProfile(t, class, rng, blend)
	return b
}

func (b *base) setCountry(code string) {
	b.country = code
	if c, ok := b.table.Country(code); ok && c.Location() != nil {
		b.loc = c.Location()
	}
}

func (b *base) ID() int64 { return b.id }
func (b *base) Class() domain.Class { return b.class }
func (b *base) CardID() int64 { return b.cardID }
func (b *base) Active() bool { return b.active }
func (b *base) Stay() bool { return b.stay }
func (b *base) Block() { b.stay = false }
func (b *base) Amount() float64 { return b.amount }
func (b *base) Currency() string { return b.currency }
func (b *base) Country() string { return b.country }
func (b *base) LocalTime() time.Time { return b.local }
func (b *base) AuthSteps() int { return b.authSteps }
func (b *base) Cancelled() bool { return b.cancelled }
func (b *base) Authorized() bool { return b.authorized }
func (b *base) Location() *time.Location { return b.loc }

func (b *base) MerchantID() string {
	if b.merchant == nil {
		return ""
	}
	return b.merchant.ID()
}

func (b *base) BeginTick() {
	b.active = false
	b.merchant = nil
	b.amount = 0
	b.authSteps = 0
	b.cancelled = false
	b.authorized = false
}

func (b *base) TransactionProbability(local time.Time) float64 {
	return b.profile.probability(local)
}

func (b *base) observe(global time.Time) {
	b.global = global
	b.local = global.In(b.loc)
}

// pickMerchant draws a merchant for the agent's currency and an amount from it.
func (b *base) pickMerchant(env Env) bool {
	id, ok := b.table.MerchantGivenCurrency(b.class, b.currency).Sample(b.rng)
	if !ok {
		return false
	}
	m, ok := env.Merchant(id)
	if !ok {
		return false
	}
	b.merchant = m
	b.amount = m.Amount(b.class, b.rng)
	return true
}

func (b *base) settle(authorized bool) {
	b.authorized = authorized && !b.cancelled
}

func (b *base) Record(global time.Time) domain.TransactionRecord {
	return domain.TransactionRecord{
		GlobalTime: global,
		LocalTime:  b.local,
		AgentID:    b.id,
		CardID:     b.cardID,
		MerchantID: b.MerchantID(),
		Amount:     b.amount,
		Currency:   b.currency,
		Country:    b.country,
		Fraud:      b.class == domain.ClassFraud,
		AuthSteps:  b.authSteps,
		Cancelled:  b.cancelled,
		Authorized: b.authorized,
	}
}

// decide draws the Bernoulli activation for probability p.
func (b *base) decide(p float64) bool {
	if !b.stay {
		b.active = false
		return false
	}
	b.active = sampling.Bernoulli(b.rng, p)
	return b.active
}
