// Package model implements the hour-ticked transaction model: it owns the
// agent population and merchants, routes every payment through the
// authenticator, logs the outcomes and keeps the population on target
// through churn and replenishment.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/opensource-finance/cardsim/internal/agent"
	"github.com/opensource-finance/cardsim/internal/auth"
	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/empirical"
	"github.com/opensource-finance/cardsim/internal/merchant"
	"github.com/opensource-finance/cardsim/internal/sampling"
	"github.com/opensource-finance/cardsim/internal/txlog"
)

// ErrTerminated is returned by Step once the clock has passed the end date.
var ErrTerminated = errors.New("simulation terminated")

// Model is a single simulation. It is not safe for concurrent use; Step
// and the online controls must be called from one goroutine.
type Model struct {
	cfg      domain.SimulationConfig
	runID    string
	table    *empirical.Table
	auth     domain.Authenticator
	feedback domain.FeedbackReceiver

	// seeds hands out agent generators; sched drives ordering and migration.
	seeds *rand.Rand
	sched *rand.Rand

	merchants  map[string]*merchant.Merchant
	customers  []*agent.Genuine
	fraudsters []*agent.Fraudster

	start, stop time.Time
	now         time.Time
	tick        int64
	terminated  bool

	nextAgentID int64
	nextCardID  int64

	log *txlog.Log
}

// Option configures a Model.
type Option func(*Model)

// WithRunID stamps id on every logged row.
func WithRunID(id string) Option {
	return func(m *Model) { m.runID = id }
}

// New creates a model and its initial population. It fails without
// returning a partial model when the configuration is unusable.
func New(cfg domain.SimulationConfig, table *empirical.Table, authenticator domain.Authenticator, opts ...Option) (*Model, error) {
	if table == nil {
		return nil, fmt.Errorf("empirical table is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if err := cfg.Behavior.Validate(); err != nil {
		return nil, err
	}

	start, stop, err := cfg.Window()
	if err != nil {
		return nil, err
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	master := sampling.New(cfg.Seed)
	m := &Model{
		cfg:       cfg,
		table:     table,
		auth:      authenticator,
		seeds:     sampling.Child(master),
		sched:     sampling.Child(master),
		merchants: merchant.FromTable(table),
		start:     start,
		now:       start,
		stop:      stop,
	}
	if fb, ok := authenticator.(domain.FeedbackReceiver); ok {
		m.feedback = fb
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = txlog.New(m.runID)

	for i := 0; i < table.Population(domain.ClassGenuine); i++ {
		m.customers = append(m.customers, m.newCustomer(cfg.Behavior.InitSatisfaction))
	}
	for i := 0; i < table.Population(domain.ClassFraud); i++ {
		m.fraudsters = append(m.fraudsters, m.newFraudster())
	}
	m.terminated = !m.now.Before(m.stop)
	return m, nil
}

// Build loads the table named by cfg (the built-in default table when
// ParamsPath is empty), creates the configured authenticator and the model.
func Build(cfg domain.SimulationConfig, opts ...Option) (*Model, error) {
	table := empirical.Default()
	if cfg.ParamsPath != "" {
		var err error
		table, err = empirical.Load(cfg.ParamsPath)
		if err != nil {
			return nil, err
		}
	}

	authenticator, err := auth.New(cfg.Authenticator, cfg.Seed^0x5bd1e995)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}
	return New(cfg, table, authenticator, opts...)
}

func (m *Model) newCustomer(satisfaction float64) *agent.Genuine {
	m.nextAgentID++
	return agent.NewGenuine(m.nextAgentID, m.table, sampling.Child(m.seeds), m.cfg.Behavior, satisfaction)
}

func (m *Model) newFraudster() *agent.Fraudster {
	m.nextAgentID++
	return agent.NewFraudster(m.nextAgentID, m.table, sampling.Child(m.seeds), m.cfg.Behavior)
}

// Table implements agent.Env.
func (m *Model) Table() *empirical.Table { return m.table }

// Merchant implements agent.Env.
func (m *Model) Merchant(id string) (*merchant.Merchant, bool) {
	mc, ok := m.merchants[id]
	return mc, ok
}

// NextCardID implements agent.Env.
func (m *Model) NextCardID() int64 {
	m.nextCardID++
	return m.nextCardID
}

// TheftCandidates implements agent.Env: customers still in the population
// that hold a card, come from a country fraudsters operate in and pay in a
// currency fraudsters use.
func (m *Model) TheftCandidates() []*agent.Genuine {
	var out []*agent.Genuine
	for _, c := range m.customers {
		if !c.Stay() || c.CardID() == 0 || !m.table.FraudCurrency(c.Currency()) {
			continue
		}
		if country, ok := m.table.Country(c.Country()); !ok || country.Fraction.Fraud <= 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Step simulates one hour.
func (m *Model) Step() error {
	if m.terminated {
		return ErrTerminated
	}
	global := m.now

	agents := m.Agents()
	for _, a := range agents {
		a.BeginTick()
	}
	order := m.sched.Perm(len(agents))
	ordered := make([]agent.Agent, len(agents))
	for i, j := range order {
		ordered[i] = agents[j]
	}

	m.decide(ordered, global)
	for _, a := range ordered {
		if a.Active() {
			m.transact(a)
		}
	}

	summary := m.migrate(global)
	summary.Tick = m.tick
	summary.GlobalTime = global
	txlog.Collect(m.log, global, ordered, summary)

	m.now = m.now.Add(time.Hour)
	m.tick++
	if !m.now.Before(m.stop) {
		m.terminated = true
	}
	if m.now.Day() == 1 && m.now.Hour() == 0 {
		slog.Info("simulation progress",
			"run_id", m.runID,
			"date", m.now.Format(time.DateOnly),
			"customers", len(m.customers),
			"fraudsters", len(m.fraudsters),
			"records", m.log.Len(),
		)
	}
	return nil
}

// decide runs every agent's transaction decision. Decisions only touch
// agent-local state, so the parallel path yields the same result.
func (m *Model) decide(agents []agent.Agent, global time.Time) {
	workers := m.cfg.Workers
	if workers <= 1 || len(agents) < 2*workers {
		for _, a := range agents {
			a.DecideTransaction(global)
		}
		return
	}

	chunk := (len(agents) + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < len(agents); lo += chunk {
		hi := min(lo+chunk, len(agents))
		wg.Add(1)
		go func(part []agent.Agent) {
			defer wg.Done()
			for _, a := range part {
				a.DecideTransaction(global)
			}
		}(agents[lo:hi])
	}
	wg.Wait()
}

func (m *Model) transact(a agent.Agent) {
	if !a.MakeTransaction(m) {
		return
	}

	authorized := m.auth.Authorize(a)
	a.Settle(authorized)

	if f, ok := a.(*agent.Fraudster); ok && f.Authorized() && f.Victim() != nil {
		f.Victim().NotifyFraud()
	}
	if m.feedback != nil {
		rec := a.Record(m.now)
		m.feedback.Feedback(domain.Outcome{
			Class:      a.Class(),
			Amount:     rec.Amount,
			AuthSteps:  rec.AuthSteps,
			Authorized: rec.Authorized,
			Cancelled:  rec.Cancelled,
		})
	}
	a.DecideStay()
}

// migrate prunes agents that left and adds the arrivals of this hour.
func (m *Model) migrate(global time.Time) domain.TickSummary {
	var s domain.TickSummary

	kept := m.customers[:0]
	for _, c := range m.customers {
		if c.Stay() {
			kept = append(kept, c)
		} else {
			s.Departed.Genuine++
		}
	}
	clear(m.customers[len(kept):])
	m.customers = kept

	keptF := m.fraudsters[:0]
	for _, f := range m.fraudsters {
		if f.Stay() {
			keptF = append(keptF, f)
		} else {
			s.Departed.Fraud++
		}
	}
	clear(m.fraudsters[len(keptF):])
	m.fraudsters = keptF

	mean := m.MeanSatisfaction()
	s.Arrived.Genuine = sampling.StochasticRound(m.sched, m.ExpectedArrivals(domain.ClassGenuine, global))
	s.Arrived.Fraud = sampling.StochasticRound(m.sched, m.ExpectedArrivals(domain.ClassFraud, global))
	for i := 0; i < s.Arrived.Genuine; i++ {
		m.customers = append(m.customers, m.newCustomer(0.5*(1+mean)))
	}
	for i := 0; i < s.Arrived.Fraud; i++ {
		m.fraudsters = append(m.fraudsters, m.newFraudster())
	}

	s.Customers = len(m.customers)
	s.Fraudsters = len(m.fraudsters)
	s.MeanSatisfaction = m.MeanSatisfaction()
	return s
}

// ExpectedArrivals is the expected number of new agents of class c in the
// hour starting at global: the hourly share of the yearly volume, scaled by
// the month's weight and blended with the flat share by the noise level,
// times the churn rate. Genuine arrivals are further weighted by the mean
// customer satisfaction.
func (m *Model) ExpectedArrivals(c domain.Class, global time.Time) float64 {
	perHour := m.table.TransactionsPerYear(c) / 366 / 24
	monthly := perHour * empirical.Month.Scale() *
		math.Max(0, m.table.FractionFor(empirical.Month, empirical.Month.Index(global), c))
	noise := m.table.NoiseLevel()
	n := (1-noise)*monthly + noise*perHour

	expected := n * (1 - m.table.StayProbability(c))
	if c == domain.ClassGenuine {
		expected *= m.MeanSatisfaction()
	}
	return expected
}

// MeanSatisfaction is the mean satisfaction of the current customers, or
// the initial satisfaction when there are none.
func (m *Model) MeanSatisfaction() float64 {
	if len(m.customers) == 0 {
		return m.cfg.Behavior.InitSatisfaction
	}
	sum := 0.0
	for _, c := range m.customers {
		sum += c.Satisfaction()
	}
	return sum / float64(len(m.customers))
}

// Run steps until termination or until ctx is cancelled.
func (m *Model) Run(ctx context.Context) error {
	for !m.terminated {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Step(); err != nil {
			return err
		}
	}
	return nil
}

// StepN advances at most n ticks and returns how many were simulated.
func (m *Model) StepN(n int) int {
	done := 0
	for ; done < n; done++ {
		if err := m.Step(); err != nil {
			slog.Warn("simulation already terminated", "run_id", m.runID, "requested", n, "stepped", done)
			break
		}
	}
	return done
}

// BlockCards marks every agent holding one of ids to leave at the next
// migration. It returns the number of agents affected.
func (m *Model) BlockCards(ids []int64) int {
	if len(ids) == 0 {
		return 0
	}
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	n := 0
	for _, a := range m.Agents() {
		if a.CardID() != 0 && set[a.CardID()] && a.Stay() {
			a.Block()
			n++
		}
	}
	return n
}

// Agents returns the current population, customers first.
func (m *Model) Agents() []agent.Agent {
	out := make([]agent.Agent, 0, len(m.customers)+len(m.fraudsters))
	for _, c := range m.customers {
		out = append(out, c)
	}
	for _, f := range m.fraudsters {
		out = append(out, f)
	}
	return out
}

// Customers returns the current genuine population.
func (m *Model) Customers() []*agent.Genuine { return append([]*agent.Genuine(nil), m.customers...) }

// Fraudsters returns the current fraudulent population.
func (m *Model) Fraudsters() []*agent.Fraudster {
	return append([]*agent.Fraudster(nil), m.fraudsters...)
}

// Population returns the number of customers and fraudsters.
func (m *Model) Population() (customers, fraudsters int) {
	return len(m.customers), len(m.fraudsters)
}

func (m *Model) Log() *txlog.Log { return m.log }
func (m *Model) Now() time.Time { return m.now }
func (m *Model) Tick() int64 { return m.tick }
func (m *Model) Terminated() bool { return m.terminated }
func (m *Model) Authenticator() domain.Authenticator { return m.auth }
func (m *Model) Config() domain.SimulationConfig { return m.cfg }
func (m *Model) RunID() string { return m.runID }
