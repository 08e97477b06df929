// Package merchant implements the passive merchants agents buy from.
package merchant

import (
	"math"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/empirical"
)

// Merchant samples transaction amounts from a per-class distribution.
// It is immutable and safe to share between agents.
type Merchant struct {
	id      string
	amounts domain.PerClass[sampler]
}

type sampler struct {
	spec   empirical.AmountSpec
	cum    []float64 // cumulative normalised bin heights
	lo, hi float64
	// sigmoid normalisation at u=0 and u=1
	s0, s1 float64
}

// New builds a merchant from a validated merchant entry.
func New(spec empirical.MerchantSpec) *Merchant {
	m := &Merchant{id: spec.ID}
	for _, c := range domain.Classes {
		m.amounts.Set(c, newSampler(spec.Amount.For(c)))
	}
	return m
}

// FromTable builds every merchant of the table, keyed by id.
func FromTable(t *empirical.Table) map[string]*Merchant {
	specs := t.Merchants()
	out := make(map[string]*Merchant, len(specs))
	for _, s := range specs {
		out[s.ID] = New(s)
	}
	return out
}

func newSampler(spec empirical.AmountSpec) sampler {
	s := sampler{spec: spec}
	s.lo, s.hi = spec.Bounds()
	switch {
	case spec.Bins != nil:
		total := 0.0
		for _, h := range spec.Bins.Heights {
			total += h
		}
		s.cum = make([]float64, len(spec.Bins.Heights))
		acc := 0.0
		for i, h := range spec.Bins.Heights {
			acc += h / total
			s.cum[i] = acc
		}
	case spec.Sigmoid != nil:
		s.s0 = sigmoid(spec.Sigmoid, 0)
		s.s1 = sigmoid(spec.Sigmoid, 1)
	}
	return s
}

func sigmoid(p *empirical.SigmoidSpec, u float64) float64 {
	return 1 / (1 + math.Exp(-p.Slope*(u-p.Midpoint)))
}

func (s *sampler) draw(rng *rand.Rand) float64 {
	switch {
	case s.spec.Bins != nil:
		u := rng.Float64()
		i := 0
		for i < len(s.cum)-1 && u >= s.cum[i] {
			i++
		}
		// skip empty bins picked through rounding
		for i > 0 && s.spec.Bins.Heights[i] == 0 {
			i--
		}
		lo, hi := s.spec.Bins.Edges[i], s.spec.Bins.Edges[i+1]
		return lo + (hi-lo)*rng.Float64()
	case s.spec.Sigmoid != nil:
		y := sigmoid(s.spec.Sigmoid, rng.Float64())
		norm := 0.0
		if d := s.s1 - s.s0; d != 0 {
			norm = (y - s.s0) / d
		}
		return s.lo + (s.hi-s.lo)*norm
	}
	return s.lo
}

// ID returns the merchant identifier.
func (m *Merchant) ID() string { return m.id }

// Amount samples an amount for class, rounded to cents and kept within
// [MinAmount, MaxAmount]. It only consumes rng.
func (m *Merchant) Amount(c domain.Class, rng *rand.Rand) float64 {
	s := m.amounts.For(c)
	v := decimal.NewFromFloat(s.draw(rng)).Round(2)
	lo, hi := decimal.NewFromFloat(s.lo), decimal.NewFromFloat(s.hi)
	switch {
	case v.LessThan(lo):
		v = lo
	case v.GreaterThan(hi):
		v = hi
	}
	return v.InexactFloat64()
}

// MinAmount is the smallest amount the merchant charges class.
func (m *Merchant) MinAmount(c domain.Class) float64 { return m.amounts.For(c).lo }

// MaxAmount is the largest amount the merchant charges class.
func (m *Merchant) MaxAmount(c domain.Class) float64 { return m.amounts.For(c).hi }
