// Package worker executes simulation runs, either inline or from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/cardsim/internal/cache"
	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/evaluation"
	"github.com/opensource-finance/cardsim/internal/model"
)

var tracer = otel.Tracer("cardsim-worker")

// Worker runs simulations and streams their output to the repository,
// cache and event bus. Any of the three may be nil.
type Worker struct {
	bus   domain.EventBus
	repo  domain.Repository
	cache domain.Cache
	cfg   Config

	sem       chan struct{}
	active    atomic.Int64
	completed atomic.Int64

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// FlushTicks is how many ticks of output are buffered before a write.
	FlushTicks int

	// ProgressTTL bounds how long a progress snapshot stays cached.
	ProgressTTL time.Duration

	// CounterWindow is the lifetime of per-card fraud counters.
	CounterWindow time.Duration

	// Concurrency caps the number of runs executing from the bus at once.
	Concurrency int
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		FlushTicks:    24,
		ProgressTTL:   time.Hour,
		CounterWindow: 24 * time.Hour,
		Concurrency:   2,
	}
}

// NewWorker creates a worker. A nil cache is replaced by a private LRU so
// the card-blocking policy still has counters.
func NewWorker(bus domain.EventBus, repo domain.Repository, c domain.Cache, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.FlushTicks <= 0 {
		cfg.FlushTicks = def.FlushTicks
	}
	if cfg.ProgressTTL <= 0 {
		cfg.ProgressTTL = def.ProgressTTL
	}
	if cfg.CounterWindow <= 0 {
		cfg.CounterWindow = def.CounterWindow
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if c == nil {
		c = cache.NewLRUCache(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		cache:  c,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.Concurrency),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to run requests on the event bus.
func (w *Worker) Start() error {
	if w.bus == nil {
		return fmt.Errorf("worker has no event bus")
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicRunRequested, w.handleRunRequested)
	if err != nil {
		return fmt.Errorf("failed to subscribe to run requests: %w", err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"topic", domain.TopicRunRequested,
		"concurrency", w.cfg.Concurrency,
	)
	return nil
}

// handleRunRequested decodes a queued run and executes it in the background.
func (w *Worker) handleRunRequested(ctx context.Context, msg *domain.Message) error {
	var run domain.Run
	if err := json.Unmarshal(msg.Payload, &run); err != nil {
		slog.Error("failed to parse run request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	w.wg.Go(func() {
		select {
		case w.sem <- struct{}{}:
		case <-w.ctx.Done():
			return
		}
		defer func() { <-w.sem }()

		if err := w.Execute(w.ctx, &run); err != nil {
			slog.Error("queued run failed",
				"run_id", run.ID,
				"error", err,
			)
		}
	})
	return nil
}

// Execute runs the simulation described by run until it terminates. The run
// row is saved as running, then completed or failed, and carries the final
// metrics.
func (w *Worker) Execute(ctx context.Context, run *domain.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	ctx, span := tracer.Start(ctx, "worker.Execute",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.Int64("run.seed", int64(run.Config.Seed)),
		),
	)
	defer span.End()

	w.active.Add(1)
	defer w.active.Add(-1)

	start := time.Now()

	m, err := model.Build(run.Config, model.WithRunID(run.ID))
	if err != nil {
		return w.fail(ctx, span, run, fmt.Errorf("failed to build model: %w", err))
	}

	run.Status = domain.RunRunning
	run.Authenticator = m.Authenticator().Name()
	run.Seed = run.Config.Seed
	run.StartDate = run.Config.StartDate
	run.EndDate = run.Config.EndDate
	if err := w.saveRun(ctx, run); err != nil {
		return w.fail(ctx, span, run, err)
	}
	span.SetAttributes(attribute.String("run.authenticator", run.Authenticator))

	slog.Info("run started",
		"run_id", run.ID,
		"authenticator", run.Authenticator,
		"seed", run.Config.Seed,
		"start", run.Config.StartDate,
		"end", run.Config.EndDate,
	)

	acc := evaluation.NewAccumulator()
	var (
		pendingRecords []domain.TransactionRecord
		pendingTicks   []domain.TickSummary
		blockedCards   int
	)

	for !m.Terminated() {
		if err := ctx.Err(); err != nil {
			return w.fail(ctx, span, run, err)
		}
		if err := m.Step(); err != nil {
			return w.fail(ctx, span, run, err)
		}

		records, ticks := m.Log().Drain()
		acc.AddAll(records)
		run.Transactions += int64(len(records))
		run.Ticks = m.Tick()

		blocked, err := w.applyBlocking(ctx, run, m, records)
		if err != nil {
			return w.fail(ctx, span, run, err)
		}
		blockedCards += len(blocked)

		for _, s := range ticks {
			w.publishTick(ctx, s, records, blocked)
		}
		w.setProgress(ctx, run, m, blockedCards)

		pendingRecords = append(pendingRecords, records...)
		pendingTicks = append(pendingTicks, ticks...)
		if m.Tick()%int64(w.cfg.FlushTicks) == 0 || m.Terminated() {
			if err := w.flush(ctx, run.ID, pendingRecords, pendingTicks); err != nil {
				return w.fail(ctx, span, run, err)
			}
			pendingRecords, pendingTicks = pendingRecords[:0], pendingTicks[:0]
		}
	}

	metrics := acc.Metrics()
	run.Metrics = &metrics
	run.Status = domain.RunCompleted
	run.Error = ""
	if err := w.saveRun(ctx, run); err != nil {
		return w.fail(ctx, span, run, err)
	}
	w.publishRun(ctx, run)
	w.completed.Add(1)

	span.SetAttributes(
		attribute.Int64("run.ticks", run.Ticks),
		attribute.Int64("run.transactions", run.Transactions),
	)
	slog.Info("run completed",
		"run_id", run.ID,
		"ticks", run.Ticks,
		"transactions", run.Transactions,
		"fraud_blocked", metrics.FraudBlocked,
		"fraud_passed", metrics.FraudPassed,
		"genuine_blocked", metrics.GenuineBlocked,
		"blocked_cards", blockedCards,
		"reward", metrics.Reward.StringFixed(2),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// applyBlocking counts authorized frauds per card and blocks cards that
// reach the run's threshold. It returns the newly blocked card ids.
func (w *Worker) applyBlocking(ctx context.Context, run *domain.Run, m *model.Model, records []domain.TransactionRecord) ([]int64, error) {
	threshold := int64(run.Config.BlockAfterFrauds)
	if threshold <= 0 {
		return nil, nil
	}

	var blocked []int64
	for _, rec := range records {
		if !rec.Fraud || !rec.Authorized {
			continue
		}
		n, err := w.cache.IncrementCounter(ctx, cache.CardFraudKey(run.ID, rec.CardID), w.cfg.CounterWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to count frauds for card %d: %w", rec.CardID, err)
		}
		// exactly once per card
		if n == threshold {
			blocked = append(blocked, rec.CardID)
		}
	}

	if len(blocked) > 0 {
		agents := m.BlockCards(blocked)
		slog.Debug("cards blocked",
			"run_id", run.ID,
			"tick", m.Tick(),
			"cards", len(blocked),
			"agents", agents,
		)
	}
	return blocked, nil
}

func (w *Worker) flush(ctx context.Context, runID string, records []domain.TransactionRecord, ticks []domain.TickSummary) error {
	if w.repo == nil {
		return nil
	}
	if err := w.repo.SaveTransactions(ctx, runID, records); err != nil {
		return fmt.Errorf("failed to save transactions: %w", err)
	}
	if err := w.repo.SaveTickSummaries(ctx, runID, ticks); err != nil {
		return fmt.Errorf("failed to save tick summaries: %w", err)
	}
	return nil
}

func (w *Worker) saveRun(ctx context.Context, run *domain.Run) error {
	if w.repo == nil {
		return nil
	}
	if err := w.repo.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// fail marks run as failed. The row is written even when ctx is cancelled.
func (w *Worker) fail(ctx context.Context, span trace.Span, run *domain.Run, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	run.Status = domain.RunFailed
	run.Error = cause.Error()

	saveCtx := context.WithoutCancel(ctx)
	if err := w.saveRun(saveCtx, run); err != nil {
		slog.Error("failed to record run failure",
			"run_id", run.ID,
			"error", err,
		)
	}
	w.publishRun(saveCtx, run)

	slog.Error("run failed",
		"run_id", run.ID,
		"ticks", run.Ticks,
		"error", cause,
	)
	return cause
}

func (w *Worker) publishTick(ctx context.Context, s domain.TickSummary, records []domain.TransactionRecord, blocked []int64) {
	if w.bus == nil {
		return
	}

	ev := domain.TickEvent{Summary: s, Blocked: blocked}
	for _, rec := range records {
		if rec.Fraud {
			ev.Frauds++
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to encode tick event", "run_id", s.RunID, "error", err)
		return
	}
	if err := w.bus.Publish(ctx, domain.TopicTickComplete, payload); err != nil {
		slog.Error("failed to publish tick event",
			"run_id", s.RunID,
			"tick", s.Tick,
			"error", err,
		)
	}
}

func (w *Worker) publishRun(ctx context.Context, run *domain.Run) {
	if w.bus == nil {
		return
	}
	payload, err := json.Marshal(run)
	if err != nil {
		slog.Error("failed to encode run", "run_id", run.ID, "error", err)
		return
	}
	if err := w.bus.Publish(ctx, domain.TopicRunComplete, payload); err != nil {
		slog.Error("failed to publish run completion",
			"run_id", run.ID,
			"error", err,
		)
	}
}

func (w *Worker) setProgress(ctx context.Context, run *domain.Run, m *model.Model, blockedCards int) {
	customers, fraudsters := m.Population()
	p := &domain.RunProgress{
		RunID:        run.ID,
		Tick:         m.Tick(),
		GlobalTime:   m.Now(),
		Customers:    customers,
		Fraudsters:   fraudsters,
		Transactions: run.Transactions,
		BlockedCards: blockedCards,
		Terminated:   m.Terminated(),
	}
	if err := w.cache.SetProgress(ctx, p, w.cfg.ProgressTTL); err != nil {
		slog.Warn("failed to cache run progress",
			"run_id", run.ID,
			"error", err,
		)
	}
}

// Stop cancels queued and running runs and waits for them to finish.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	ActiveRuns        int64    `json:"activeRuns"`
	CompletedRuns     int64    `json:"completedRuns"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		ActiveRuns:        w.active.Load(),
		CompletedRuns:     w.completed.Load(),
	}
}
