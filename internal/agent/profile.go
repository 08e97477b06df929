package agent

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/empirical"
	"github.com/opensource-finance/cardsim/internal/sampling"
)

// noiseDivisor scales the table noise level into the per-entry variance of
// each seasonal vector.
var noiseDivisor = [...]float64{
	empirical.Hour:     240,
	empirical.Weekday:  70,
	empirical.Monthday: 305,
	empirical.Month:    1200,
}

// profile is the seasonal transaction rate of one agent. It is drawn once
// at creation and never changes.
type profile struct {
	avgPerHour float64
	vectors    [len(empirical.Kinds)][]float64
	blend      float64
}

func newProfile(t *empirical.Table, c domain.Class, rng *rand.Rand, blend float64) profile {
	noise := t.NoiseLevel()

	perYear := t.TransactionsPerYear(c)
	if extra := sampling.Normal(rng, 0, noise*perYear); perYear+extra > 0 {
		perYear += extra
	}

	p := profile{
		avgPerHour: perYear / 366 / 24 * t.Motivation(c),
		blend:      sampling.Clamp01(blend),
	}
	for _, kind := range empirical.Kinds {
		stddev := math.Sqrt(noise / noiseDivisor[kind])
		v := t.Vector(kind, c)
		for i := range v {
			v[i] = math.Max(0, sampling.Normal(rng, v[i], stddev))
		}
		p.vectors[kind] = v
	}
	return p
}

// probability is the chance of transacting in the hour starting at local.
// The result is clamped to [0,1].
func (p *profile) probability(local time.Time) float64 {
	seasonal := p.avgPerHour
	for _, kind := range empirical.Kinds {
		v := p.vectors[kind]
		i := kind.Index(local)
		if i < 0 || i >= len(v) {
			return 0
		}
		seasonal *= kind.Scale() * v[i]
	}
	return sampling.Clamp01(p.blend*seasonal + (1-p.blend)*p.avgPerHour)
}
