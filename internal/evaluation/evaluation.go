// Package evaluation scores authentication policies against the labelled
// transaction stream: confusion matrix, friction, money volumes and reward.
package evaluation

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/cardsim/internal/domain"
)

var (
	genuineRewardRate  = decimal.RequireFromString("0.25")
	genuineRewardFixed = decimal.RequireFromString("0.25")
)

// Reward is the payoff of one settled transaction for the platform:
// nothing when it was not authorized, the lost amount when fraud went
// through, and a fee of 0.25*amount + 0.25 for an authorized genuine payment.
func Reward(authorized bool, class domain.Class, amount float64) decimal.Decimal {
	if !authorized {
		return decimal.Zero
	}
	a := decimal.NewFromFloat(amount)
	if class == domain.ClassFraud {
		return a.Neg()
	}
	return a.Mul(genuineRewardRate).Add(genuineRewardFixed)
}

// OutcomeReward is Reward for a settled outcome.
func OutcomeReward(o domain.Outcome) float64 {
	return Reward(o.Authorized, o.Class, o.Amount).InexactFloat64()
}

// Accumulator folds transaction records into Metrics. It is safe for
// concurrent use.
type Accumulator struct {
	mu sync.Mutex
	m  domain.Metrics
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add records one transaction.
func (a *Accumulator) Add(r domain.TransactionRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := &a.m
	m.Transactions++
	if r.AuthSteps > 0 {
		m.SecondFactorRequests++
	}
	if r.Cancelled {
		m.Cancellations++
	}

	amount := decimal.NewFromFloat(r.Amount)
	if r.Fraud {
		m.FraudTransactions++
		if r.Authorized {
			m.FraudPassed++
			m.FraudLoss = m.FraudLoss.Add(amount)
		} else {
			m.FraudBlocked++
		}
	} else {
		m.GenuineTransactions++
		if r.Authorized {
			m.GenuinePassed++
			m.GenuineVolume = m.GenuineVolume.Add(amount)
		} else {
			m.GenuineBlocked++
		}
	}
	m.Reward = m.Reward.Add(Reward(r.Authorized, r.Class(), r.Amount))
}

// AddAll records every transaction in records.
func (a *Accumulator) AddAll(records []domain.TransactionRecord) {
	for _, r := range records {
		a.Add(r)
	}
}

// Metrics returns the current metrics with derived ratios filled in.
func (a *Accumulator) Metrics() domain.Metrics {
	a.mu.Lock()
	m := a.m
	a.mu.Unlock()

	Finalize(&m)
	return m
}

// Finalize computes precision, recall, F1 and false-positive rate from the
// confusion matrix of m. A blocked transaction is a positive prediction.
func Finalize(m *domain.Metrics) {
	tp := float64(m.FraudBlocked)
	fp := float64(m.GenuineBlocked)
	fn := float64(m.FraudPassed)
	tn := float64(m.GenuinePassed)

	m.Precision, m.Recall, m.F1, m.FalsePositiveRate = 0, 0, 0, 0
	if tp+fp > 0 {
		m.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		m.Recall = tp / (tp + fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	if fp+tn > 0 {
		m.FalsePositiveRate = fp / (fp + tn)
	}
}
