package auth

import (
	"math"
	"sync"

	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/evaluation"
)

// Bandit runs an independent UCB1 bandit per state over the two actions.
// Untried actions are played first, then
//
//	argmax_a avg[s][a] + sqrt(2 ln n[s] / n[s][a])
type Bandit struct {
	mu      sync.Mutex
	space   StateSpace
	counts  [][2]int64
	sums    [][2]float64
	pending *transition
}

// NewBandit creates a UCB1 authenticator over the state space of cfg.
func NewBandit(cfg domain.AuthenticatorConfig) (*Bandit, error) {
	space := NewStateSpace(cfg.AmountBuckets, cfg.Currencies, cfg.UseCurrency)
	return &Bandit{
		space:  space,
		counts: make([][2]int64, space.Size()),
		sums:   make([][2]float64, space.Size()),
	}, nil
}

func (b *Bandit) Name() string { return domain.AuthBandit }

func (b *Bandit) Authorize(p domain.Payer) bool {
	b.mu.Lock()
	s := b.space.State(p)
	action := b.choose(s)
	b.pending = &transition{state: s, action: action}
	b.mu.Unlock()

	if action == ActionSecondFactor {
		return secondFactor(p)
	}
	return true
}

func (b *Bandit) choose(s int) int {
	n := b.counts[s]
	for a := range n {
		if n[a] == 0 {
			return a
		}
	}
	total := float64(n[0] + n[1])
	best, bestScore := ActionAuthorize, math.Inf(-1)
	for a := range n {
		score := b.sums[s][a]/float64(n[a]) + math.Sqrt(2*math.Log(total)/float64(n[a]))
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	return best
}

// Feedback credits the reward of the last decision to its arm.
func (b *Bandit) Feedback(o domain.Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return
	}
	t := b.pending
	b.counts[t.state][t.action]++
	b.sums[t.state][t.action] += evaluation.OutcomeReward(o)
	b.pending = nil
}

// Pulls returns how often each action was played in state s.
func (b *Bandit) Pulls(s int) [2]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s < 0 || s >= len(b.counts) {
		return [2]int64{}
	}
	return b.counts[s]
}
