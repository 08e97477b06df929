package empirical

import (
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/cardsim/internal/domain"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTable, fmt.Sprintf(format, args...))
}

func checkProb(name string, p float64) error {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return invalid("%s must be within [0,1], got %v", name, p)
	}
	return nil
}

// seasonalTolerance bounds how far a seasonal vector may sum from 1. Tables
// are usually exported with six decimals.
const seasonalTolerance = 1e-3

// Validate checks that f is complete and well-formed. Seasonal vectors must
// sum to 1 but may contain negative entries; agents floor those at zero.
func Validate(f *File) error {
	for name, p := range map[string]float64{
		"noise_level":            f.NoiseLevel,
		"stay_after_fraud":       f.StayAfterFraud,
		"fraud_cards_in_genuine": f.FraudCardsInGenuine,
	} {
		if err := checkProb(name, p); err != nil {
			return err
		}
	}

	for _, c := range domain.Classes {
		if v := f.TransactionsPerYear.For(c); v < 0 || math.IsNaN(v) {
			return invalid("transactions_per_year.%s must be non-negative", c)
		}
		if f.Population.For(c) < 0 {
			return invalid("population.%s must be non-negative", c)
		}
		if err := checkProb("stay_probability."+c.String(), f.StayProbability.For(c)); err != nil {
			return err
		}
		if f.TransactionMotivation.For(c) < 0 {
			return invalid("transaction_motivation.%s must be non-negative", c)
		}
	}

	vectors := [...]domain.PerClass[[]float64]{f.FracHour, f.FracWeekday, f.FracMonthday, f.FracMonth}
	for i, v := range vectors {
		kind := Kinds[i]
		for _, c := range domain.Classes {
			fracs := v.For(c)
			if got := len(fracs); got != kind.Len() {
				return invalid("frac_%s.%s has %d entries, want %d", kind, c, got, kind.Len())
			}
			sum := 0.0
			for _, x := range fracs {
				sum += x
			}
			if !(math.Abs(sum-1) <= seasonalTolerance) {
				return invalid("frac_%s.%s sums to %v, want 1", kind, c, sum)
			}
		}
	}

	if len(f.Countries) == 0 {
		return invalid("no countries")
	}
	seen := make(map[string]bool, len(f.Countries))
	for _, cs := range f.Countries {
		if cs.Code == "" {
			return invalid("country without code")
		}
		if seen[cs.Code] {
			return invalid("duplicate country %q", cs.Code)
		}
		seen[cs.Code] = true
		if cs.Timezone == "" {
			return invalid("country %q has no timezone", cs.Code)
		}
		if _, err := time.LoadLocation(cs.Timezone); err != nil {
			return invalid("country %q: %v", cs.Code, err)
		}
	}

	merchants := make(map[string]bool, len(f.Merchants))
	for _, m := range f.Merchants {
		if m.ID == "" {
			return invalid("merchant without id")
		}
		if merchants[m.ID] {
			return invalid("duplicate merchant %q", m.ID)
		}
		merchants[m.ID] = true
		for _, c := range domain.Classes {
			if err := validateAmount(m.Amount.For(c)); err != nil {
				return invalid("merchant %q %s amount: %v", m.ID, c, err)
			}
		}
	}

	for _, c := range domain.Classes {
		if f.Population.For(c) == 0 && f.TransactionsPerYear.For(c) == 0 {
			// class never appears in the simulation
			continue
		}
		currencies := f.CurrencyPerCountry.For(c)
		perCurrency := f.MerchantPerCurrency.For(c)
		for _, cs := range f.Countries {
			if cs.Fraction.For(c) <= 0 {
				continue
			}
			if len(currencies[cs.Code]) == 0 {
				return invalid("currency_per_country.%s has no entry for %q", c, cs.Code)
			}
		}
		for country, weights := range currencies {
			if !seen[country] {
				return invalid("currency_per_country.%s references unknown country %q", c, country)
			}
			for cur := range weights {
				if len(perCurrency[cur]) == 0 {
					return invalid("merchant_per_currency.%s has no entry for %q", c, cur)
				}
			}
		}
		for cur, weights := range perCurrency {
			for id := range weights {
				if !merchants[id] {
					return invalid("merchant_per_currency.%s.%s references unknown merchant %q", c, cur, id)
				}
			}
		}
	}
	return nil
}

func validateAmount(a AmountSpec) error {
	switch {
	case a.Bins != nil && a.Sigmoid != nil:
		return fmt.Errorf("both bins and sigmoid given")
	case a.Bins != nil:
		b := a.Bins
		if len(b.Heights) == 0 {
			return fmt.Errorf("no bins")
		}
		if len(b.Edges) != len(b.Heights)+1 {
			return fmt.Errorf("%d edges for %d bins", len(b.Edges), len(b.Heights))
		}
		for i := 1; i < len(b.Edges); i++ {
			if b.Edges[i] < b.Edges[i-1] {
				return fmt.Errorf("edges not ascending")
			}
		}
		total := 0.0
		for _, h := range b.Heights {
			if h < 0 || math.IsNaN(h) {
				return fmt.Errorf("negative bin height")
			}
			total += h
		}
		if total == 0 {
			return fmt.Errorf("bin heights sum to zero")
		}
	case a.Sigmoid != nil:
		s := a.Sigmoid
		if s.Max < s.Min {
			return fmt.Errorf("max %v below min %v", s.Max, s.Min)
		}
		if s.Slope == 0 {
			return fmt.Errorf("zero slope")
		}
	default:
		return fmt.Errorf("neither bins nor sigmoid given")
	}
	lo, _ := a.Bounds()
	if lo < 0 {
		return fmt.Errorf("negative minimum amount")
	}
	return nil
}
