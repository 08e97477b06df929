package empirical

import (
	"github.com/opensource-finance/cardsim/internal/domain"
)

// File is the on-disk (YAML) form of an empirical table, as produced by the
// preprocessing tools.
type File struct {
	// NoiseLevel controls per-agent perturbation of the seasonal vectors and
	// the blend between monthly and flat volume during migration.
	NoiseLevel float64 `yaml:"noise_level"`

	// StayAfterFraud is the probability that a genuine customer keeps using
	// the service after their card was corrupted.
	StayAfterFraud float64 `yaml:"stay_after_fraud"`

	// FraudCardsInGenuine is the probability that a fraudster uses a stolen
	// genuine card rather than a fresh one.
	FraudCardsInGenuine float64 `yaml:"fraud_cards_in_genuine"`

	TransactionsPerYear   domain.PerClass[float64] `yaml:"transactions_per_year"`
	Population            domain.PerClass[int]     `yaml:"population"`
	StayProbability       domain.PerClass[float64] `yaml:"stay_probability"`
	TransactionMotivation domain.PerClass[float64] `yaml:"transaction_motivation"`

	FracHour     domain.PerClass[[]float64] `yaml:"frac_hour"`
	FracWeekday  domain.PerClass[[]float64] `yaml:"frac_weekday"`
	FracMonthday domain.PerClass[[]float64] `yaml:"frac_monthday"`
	FracMonth    domain.PerClass[[]float64] `yaml:"frac_month"`

	Countries []CountrySpec `yaml:"countries"`

	// country -> currency -> weight
	CurrencyPerCountry domain.PerClass[map[string]map[string]float64] `yaml:"currency_per_country"`
	// currency -> merchant id -> weight
	MerchantPerCurrency domain.PerClass[map[string]map[string]float64] `yaml:"merchant_per_currency"`

	Merchants []MerchantSpec `yaml:"merchants"`
}

// CountrySpec is one issuing country.
type CountrySpec struct {
	Code     string                   `yaml:"code"`
	Timezone string                   `yaml:"timezone"`
	Fraction domain.PerClass[float64] `yaml:"fraction"`
}

// MerchantSpec holds the per-class amount distributions of one merchant.
type MerchantSpec struct {
	ID     string                      `yaml:"id"`
	Amount domain.PerClass[AmountSpec] `yaml:"amount"`
}

// AmountSpec is exactly one of a bin histogram or a sigmoid curve.
type AmountSpec struct {
	Bins    *BinSpec     `yaml:"bins,omitempty"`
	Sigmoid *SigmoidSpec `yaml:"sigmoid,omitempty"`
}

// BinSpec is a histogram: len(Edges) == len(Heights)+1.
type BinSpec struct {
	Heights []float64 `yaml:"heights"`
	Edges   []float64 `yaml:"edges"`
}

// SigmoidSpec maps a uniform draw u to
// Min + (Max-Min) * normalised(1/(1+exp(-Slope*(u-Midpoint)))).
type SigmoidSpec struct {
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
	Midpoint float64 `yaml:"midpoint"`
	Slope    float64 `yaml:"slope"`
}

// Bounds returns the smallest and largest amount the spec can produce.
func (a AmountSpec) Bounds() (lo, hi float64) {
	switch {
	case a.Bins != nil && len(a.Bins.Edges) > 0:
		return a.Bins.Edges[0], a.Bins.Edges[len(a.Bins.Edges)-1]
	case a.Sigmoid != nil:
		return a.Sigmoid.Min, a.Sigmoid.Max
	}
	return 0, 0
}

func flat(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1 / float64(n)
	}
	return v
}

func flatPerClass(n int) domain.PerClass[[]float64] {
	return domain.PerClass[[]float64]{Genuine: flat(n), Fraud: flat(n)}
}

// DefaultFile returns a small self-consistent table with flat seasonality:
// two countries, two currencies, four merchants. Genuine customers make
// roughly one transaction a day, fraudsters somewhat fewer.
func DefaultFile() *File {
	genuineAmounts := AmountSpec{Sigmoid: &SigmoidSpec{Min: 1, Max: 200, Midpoint: 0.5, Slope: 6}}
	fraudAmounts := AmountSpec{Bins: &BinSpec{
		Heights: []float64{0.2, 0.3, 0.3, 0.2},
		Edges:   []float64{1, 10, 50, 150, 400},
	}}

	merchants := make([]MerchantSpec, 0, 4)
	for _, id := range []string{"m0", "m1", "m2", "m3"} {
		merchants = append(merchants, MerchantSpec{
			ID:     id,
			Amount: domain.PerClass[AmountSpec]{Genuine: genuineAmounts, Fraud: fraudAmounts},
		})
	}

	currencies := map[string]map[string]float64{
		"US": {"USD": 1},
		"GB": {"GBP": 0.8, "EUR": 0.2},
	}
	perCurrency := map[string]map[string]float64{
		"USD": {"m0": 0.5, "m1": 0.5},
		"GBP": {"m1": 0.2, "m2": 0.8},
		"EUR": {"m2": 0.5, "m3": 0.5},
	}

	return &File{
		NoiseLevel:          0.05,
		StayAfterFraud:      0.5,
		FraudCardsInGenuine: 0.3,
		TransactionsPerYear: domain.PerClass[float64]{Genuine: 36600, Fraud: 1317.6},
		Population:          domain.PerClass[int]{Genuine: 100, Fraud: 5},
		StayProbability:     domain.PerClass[float64]{Genuine: 0.999, Fraud: 0.99},
		TransactionMotivation: domain.PerClass[float64]{
			Genuine: 1.0 / 100,
			Fraud:   1.0 / 5,
		},
		FracHour:     flatPerClass(24),
		FracWeekday:  flatPerClass(7),
		FracMonthday: flatPerClass(31),
		FracMonth:    flatPerClass(12),
		Countries: []CountrySpec{
			{Code: "US", Timezone: "America/New_York", Fraction: domain.PerClass[float64]{Genuine: 0.6, Fraud: 0.5}},
			{Code: "GB", Timezone: "Europe/London", Fraction: domain.PerClass[float64]{Genuine: 0.4, Fraud: 0.5}},
		},
		CurrencyPerCountry:  domain.PerClass[map[string]map[string]float64]{Genuine: currencies, Fraud: currencies},
		MerchantPerCurrency: domain.PerClass[map[string]map[string]float64]{Genuine: perCurrency, Fraud: perCurrency},
		Merchants:           merchants,
	}
}
