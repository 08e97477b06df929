package auth

import (
	"slices"

	"github.com/opensource-finance/cardsim/internal/domain"
)

// StateSpace discretises a payment into a table index: an amount bucket,
// optionally crossed with a currency bucket.
type StateSpace struct {
	buckets     []float64
	currencies  []string
	useCurrency bool
}

// NewStateSpace creates a state space. buckets are ascending upper bounds;
// amounts at or above the last one share a final bucket. Currencies not
// listed share an "other" bucket.
func NewStateSpace(buckets []float64, currencies []string, useCurrency bool) StateSpace {
	b := slices.Clone(buckets)
	slices.Sort(b)
	return StateSpace{buckets: b, currencies: slices.Clone(currencies), useCurrency: useCurrency}
}

func (s StateSpace) amountStates() int { return len(s.buckets) + 1 }

// Size is the number of distinct states.
func (s StateSpace) Size() int {
	if !s.useCurrency {
		return s.amountStates()
	}
	return s.amountStates() * (len(s.currencies) + 1)
}

// AmountBucket returns the bucket index of amount.
func (s StateSpace) AmountBucket(amount float64) int {
	for i, b := range s.buckets {
		if amount < b {
			return i
		}
	}
	return len(s.buckets)
}

// CurrencyBucket returns the bucket index of currency.
func (s StateSpace) CurrencyBucket(currency string) int {
	if i := slices.Index(s.currencies, currency); i >= 0 {
		return i
	}
	return len(s.currencies)
}

// State maps a payment onto its state index.
func (s StateSpace) State(p domain.Payer) int {
	a := s.AmountBucket(p.Amount())
	if !s.useCurrency {
		return a
	}
	return s.CurrencyBucket(p.Currency())*s.amountStates() + a
}
