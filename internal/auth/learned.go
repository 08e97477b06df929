package auth

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/evaluation"
)

// Actions of the learned policies.
const (
	ActionAuthorize    = 0
	ActionSecondFactor = 1
)

type transition struct {
	state   int
	action  int
	reward  float64
	settled bool
}

// Learned is an epsilon-greedy Q-learning authenticator. The value of a
// decision is updated once the next payment reveals the following state:
//
//	q[s][a] += lr * (r + discount*max(q[s']) - q[s][a])
type Learned struct {
	mu       sync.Mutex
	space    StateSpace
	rng      *rand.Rand
	lr       float64
	discount float64
	epsilon  float64
	q        [][2]float64
	pending  *transition
	updates  int64
}

// NewLearned creates a Q-learning authenticator from cfg.
func NewLearned(cfg domain.AuthenticatorConfig, rng *rand.Rand) (*Learned, error) {
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		return nil, fmt.Errorf("learned authenticator: learning rate %v outside (0,1]", cfg.LearningRate)
	}
	if cfg.Discount < 0 || cfg.Discount > 1 {
		return nil, fmt.Errorf("learned authenticator: discount %v outside [0,1]", cfg.Discount)
	}
	if cfg.Epsilon < 0 || cfg.Epsilon > 1 {
		return nil, fmt.Errorf("learned authenticator: epsilon %v outside [0,1]", cfg.Epsilon)
	}

	l := &Learned{
		space:    NewStateSpace(cfg.AmountBuckets, cfg.Currencies, cfg.UseCurrency),
		rng:      rng,
		lr:       cfg.LearningRate,
		discount: cfg.Discount,
		epsilon:  cfg.Epsilon,
	}
	l.q = make([][2]float64, l.space.Size())

	switch cfg.Init {
	case "", "zero":
	case domain.AuthAlwaysSecond:
		for s := range l.q {
			l.q[s][ActionSecondFactor] = 1
		}
	case "random":
		for s := range l.q {
			l.q[s] = [2]float64{rng.Float64(), rng.Float64()}
		}
	default:
		return nil, fmt.Errorf("learned authenticator: unknown init %q", cfg.Init)
	}
	return l, nil
}

func (l *Learned) Name() string { return domain.AuthLearned }

func (l *Learned) Authorize(p domain.Payer) bool {
	l.mu.Lock()
	s := l.space.State(p)
	if l.pending != nil && l.pending.settled {
		l.update(l.pending, s)
	}

	action := l.greedy(s)
	if l.rng.Float64() < l.epsilon {
		action = l.rng.IntN(2)
	}
	l.pending = &transition{state: s, action: action}
	l.mu.Unlock()

	if action == ActionSecondFactor {
		return secondFactor(p)
	}
	return true
}

// Feedback stores the reward of the last decision until the next state is known.
func (l *Learned) Feedback(o domain.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil || l.pending.settled {
		return
	}
	l.pending.reward = evaluation.OutcomeReward(o)
	l.pending.settled = true
}

func (l *Learned) update(t *transition, next int) {
	best := math.Max(l.q[next][0], l.q[next][1])
	q := &l.q[t.state][t.action]
	*q += l.lr * (t.reward + l.discount*best - *q)
	l.updates++
}

// greedy returns the best action for s; ties prefer no friction.
func (l *Learned) greedy(s int) int {
	if l.q[s][ActionSecondFactor] > l.q[s][ActionAuthorize] {
		return ActionSecondFactor
	}
	return ActionAuthorize
}

// QTable returns a copy of the action values, indexed by state.
func (l *Learned) QTable() [][2]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.q)
}

// Updates returns how many value updates have been applied.
func (l *Learned) Updates() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updates
}
