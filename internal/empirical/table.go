// Package empirical holds the read-only distribution tables that drive agent
// behaviour: seasonal activity fractions, population targets, churn rates,
// and the country/currency/merchant/amount distributions.
package empirical

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"time"
	_ "time/tzdata" // country timezones must resolve without a system zoneinfo

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/cardsim/internal/domain"
)

// ErrInvalidTable is wrapped by every table validation failure.
var ErrInvalidTable = errors.New("invalid empirical table")

// Kind selects one of the four seasonal fraction vectors.
type Kind int

const (
	Hour Kind = iota
	Weekday
	Monthday
	Month
)

var kindNames = [...]string{"hour", "weekday", "monthday", "month"}

func (k Kind) String() string {
	if k < Hour || k > Month {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Len is the vector length for the kind.
func (k Kind) Len() int {
	switch k {
	case Hour:
		return 24
	case Weekday:
		return 7
	case Monthday:
		return 31
	case Month:
		return 12
	}
	return 0
}

// Scale converts a fraction of the kind into a relative rate around 1.
func (k Kind) Scale() float64 {
	switch k {
	case Hour:
		return 24
	case Weekday:
		return 7
	case Monthday:
		return 30.5
	case Month:
		return 12
	}
	return 0
}

// Index returns the vector index of t for the kind. Weekdays start on Monday.
func (k Kind) Index(t time.Time) int {
	switch k {
	case Hour:
		return t.Hour()
	case Weekday:
		return (int(t.Weekday()) + 6) % 7
	case Monthday:
		return t.Day() - 1
	case Month:
		return int(t.Month()) - 1
	}
	return -1
}

// Kinds lists all seasonal kinds.
var Kinds = [...]Kind{Hour, Weekday, Monthday, Month}

// Country is a validated issuing country.
type Country struct {
	Code     string
	Fraction domain.PerClass[float64]
	location *time.Location
}

// Location returns the country's timezone.
func (c Country) Location() *time.Location { return c.location }

// Table is an immutable empirical table. All accessors return copies or
// values, never internal slices or maps.
type Table struct {
	noise               float64
	stayAfterFraud      float64
	fraudCardsInGenuine float64

	transactionsPerYear domain.PerClass[float64]
	population          domain.PerClass[int]
	stayProbability     domain.PerClass[float64]
	motivation          domain.PerClass[float64]

	seasonal [len(Kinds)]domain.PerClass[[]float64]

	countries       []Country
	countryByCode   map[string]int
	countryDist     domain.PerClass[Categorical]
	currencyGiven   domain.PerClass[map[string]Categorical]
	merchantGiven   domain.PerClass[map[string]Categorical]
	fraudCurrencies map[string]bool

	merchants []MerchantSpec
}

// Load reads and validates a YAML table from path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read empirical table: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML table.
func Parse(data []byte) (*Table, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	return New(&f)
}

// Default returns the built-in flat table from DefaultFile.
func Default() *Table {
	t, err := New(DefaultFile())
	if err != nil {
		panic("empirical: default table is invalid: " + err.Error())
	}
	return t
}

// New validates f and builds a table from it. f is not retained.
func New(f *File) (*Table, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil file", ErrInvalidTable)
	}
	if err := Validate(f); err != nil {
		return nil, err
	}

	t := &Table{
		noise:               f.NoiseLevel,
		stayAfterFraud:      f.StayAfterFraud,
		fraudCardsInGenuine: f.FraudCardsInGenuine,
		transactionsPerYear: f.TransactionsPerYear,
		population:          f.Population,
		stayProbability:     f.StayProbability,
		motivation:          f.TransactionMotivation,
		countryByCode:       make(map[string]int, len(f.Countries)),
		fraudCurrencies:     make(map[string]bool),
	}

	for _, c := range domain.Classes {
		// motivation defaults to an even share of the yearly volume
		if t.motivation.For(c) == 0 && t.population.For(c) > 0 {
			t.motivation.Set(c, 1/float64(t.population.For(c)))
		}
	}

	vectors := [...]domain.PerClass[[]float64]{f.FracHour, f.FracWeekday, f.FracMonthday, f.FracMonth}
	for i := range vectors {
		t.seasonal[i] = domain.PerClass[[]float64]{
			Genuine: slices.Clone(vectors[i].Genuine),
			Fraud:   slices.Clone(vectors[i].Fraud),
		}
	}

	countryWeights := domain.PerClass[map[string]float64]{
		Genuine: make(map[string]float64),
		Fraud:   make(map[string]float64),
	}
	for i, cs := range f.Countries {
		loc, _ := time.LoadLocation(cs.Timezone) // checked by Validate
		t.countries = append(t.countries, Country{Code: cs.Code, Fraction: cs.Fraction, location: loc})
		t.countryByCode[cs.Code] = i
		countryWeights.Genuine[cs.Code] = cs.Fraction.Genuine
		countryWeights.Fraud[cs.Code] = cs.Fraction.Fraud
	}
	t.countryDist = domain.PerClass[Categorical]{
		Genuine: NewCategorical(countryWeights.Genuine),
		Fraud:   NewCategorical(countryWeights.Fraud),
	}

	for _, c := range domain.Classes {
		t.currencyGiven.Set(c, categoricals(f.CurrencyPerCountry.For(c)))
		t.merchantGiven.Set(c, categoricals(f.MerchantPerCurrency.For(c)))
	}
	for _, currencies := range f.CurrencyPerCountry.Fraud {
		for cur := range currencies {
			t.fraudCurrencies[cur] = true
		}
	}

	for _, m := range f.Merchants {
		t.merchants = append(t.merchants, cloneMerchant(m))
	}
	return t, nil
}

func categoricals(m map[string]map[string]float64) map[string]Categorical {
	out := make(map[string]Categorical, len(m))
	for k, w := range m {
		out[k] = NewCategorical(w)
	}
	return out
}

func cloneAmount(a AmountSpec) AmountSpec {
	if a.Bins != nil {
		a.Bins = &BinSpec{Heights: slices.Clone(a.Bins.Heights), Edges: slices.Clone(a.Bins.Edges)}
	}
	if a.Sigmoid != nil {
		s := *a.Sigmoid
		a.Sigmoid = &s
	}
	return a
}

func cloneMerchant(m MerchantSpec) MerchantSpec {
	m.Amount = domain.PerClass[AmountSpec]{
		Genuine: cloneAmount(m.Amount.Genuine),
		Fraud:   cloneAmount(m.Amount.Fraud),
	}
	return m
}

// FractionFor returns the seasonal fraction of kind at index for class.
// Out-of-range indices return 0.
func (t *Table) FractionFor(kind Kind, index int, class domain.Class) float64 {
	if kind < Hour || kind > Month {
		return 0
	}
	v := t.seasonal[kind].For(class)
	if index < 0 || index >= len(v) {
		return 0
	}
	return v[index]
}

// Vector returns a copy of the seasonal vector of kind for class.
func (t *Table) Vector(kind Kind, class domain.Class) []float64 {
	if kind < Hour || kind > Month {
		return nil
	}
	return slices.Clone(t.seasonal[kind].For(class))
}

func (t *Table) NoiseLevel() float64 { return t.noise }
func (t *Table) StayAfterFraud() float64 { return t.stayAfterFraud }
func (t *Table) FraudCardsInGenuine() float64 { return t.fraudCardsInGenuine }

func (t *Table) TransactionsPerYear(c domain.Class) float64 { return t.transactionsPerYear.For(c) }
func (t *Table) Population(c domain.Class) int { return t.population.For(c) }
func (t *Table) StayProbability(c domain.Class) float64 { return t.stayProbability.For(c) }
func (t *Table) Motivation(c domain.Class) float64 { return t.motivation.For(c) }

// Countries returns all configured countries.
func (t *Table) Countries() []Country { return slices.Clone(t.countries) }

// Country looks up a country by code.
func (t *Table) Country(code string) (Country, bool) {
	i, ok := t.countryByCode[code]
	if !ok {
		return Country{}, false
	}
	return t.countries[i], true
}

// CountryDistribution is the issuing-country distribution for class.
func (t *Table) CountryDistribution(c domain.Class) Categorical { return t.countryDist.For(c) }

// CurrencyGivenCountry is the currency distribution for class in country.
// An unknown country yields an empty distribution.
func (t *Table) CurrencyGivenCountry(c domain.Class, country string) Categorical {
	return t.currencyGiven.For(c)[country]
}

// MerchantGivenCurrency is the merchant distribution for class paying in currency.
func (t *Table) MerchantGivenCurrency(c domain.Class, currency string) Categorical {
	return t.merchantGiven.For(c)[currency]
}

// FraudCurrency reports whether fraudsters are known to transact in currency.
func (t *Table) FraudCurrency(currency string) bool { return t.fraudCurrencies[currency] }

// Merchants returns the merchant specifications in file order.
func (t *Table) Merchants() []MerchantSpec {
	out := make([]MerchantSpec, len(t.merchants))
	for i, m := range t.merchants {
		out[i] = cloneMerchant(m)
	}
	return out
}

// SampleCountry draws an issuing country for class.
func (t *Table) SampleCountry(c domain.Class, rng *rand.Rand) (string, bool) {
	return t.countryDist.For(c).Sample(rng)
}
