package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/cardsim/internal/bus"
	"github.com/opensource-finance/cardsim/internal/cache"
	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/repository"
)

func testRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testConfig(days int) domain.SimulationConfig {
	cfg := domain.DefaultSimulationConfig()
	start := time.Date(2016, 3, 1, 0, 0, 0, 0, time.UTC)
	cfg.StartDate = start.Format(time.DateOnly)
	cfg.EndDate = start.AddDate(0, 0, days-1).Format(time.DateOnly)
	return cfg
}

type tickCollector struct {
	mu     sync.Mutex
	events []domain.TickEvent
	done   chan struct{}
	want   int
}

func collectTicks(t *testing.T, b domain.EventBus, runID string, want int) *tickCollector {
	t.Helper()
	c := &tickCollector{done: make(chan struct{}), want: want}
	_, err := b.Subscribe(context.Background(), domain.TopicTickComplete, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.TickEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		if ev.Summary.RunID != runID {
			return nil
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, ev)
		if len(c.events) == c.want {
			close(c.done)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return c
}

func (c *tickCollector) wait(t *testing.T) []domain.TickEvent {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %d tick events", c.want)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.TickEvent(nil), c.events...)
}

func TestExecute(t *testing.T) {
	eventBus := bus.NewChannelBus(1000)
	defer eventBus.Close()
	repo := testRepo(t)
	progress := cache.NewLRUCache(100)
	ctx := context.Background()

	w := NewWorker(eventBus, repo, progress, Config{FlushTicks: 5})
	ticks := collectTicks(t, eventBus, "run-sync", 24)

	run := &domain.Run{ID: "run-sync", Config: testConfig(1)}
	if err := w.Execute(ctx, run); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if run.Status != domain.RunCompleted {
		t.Errorf("expected status completed, got %s", run.Status)
	}
	if run.Ticks != 24 {
		t.Errorf("expected 24 ticks, got %d", run.Ticks)
	}
	if run.Authenticator != "never_second" {
		t.Errorf("expected authenticator never_second, got %s", run.Authenticator)
	}
	if run.Metrics == nil || run.Metrics.Transactions != run.Transactions {
		t.Fatalf("expected metrics to match %d transactions, got %+v", run.Transactions, run.Metrics)
	}
	if run.Transactions == 0 {
		t.Fatal("expected some transactions in a simulated day")
	}

	t.Run("Persisted", func(t *testing.T) {
		stored, err := repo.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if stored.Status != domain.RunCompleted || stored.Metrics == nil {
			t.Errorf("unexpected stored run %+v", stored)
		}

		records, err := repo.ListTransactions(ctx, run.ID, domain.TransactionFilter{})
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if int64(len(records)) != run.Transactions {
			t.Errorf("expected %d stored records, got %d", run.Transactions, len(records))
		}
		for i := 1; i < len(records); i++ {
			if records[i].GlobalTime.Before(records[i-1].GlobalTime) {
				t.Fatalf("records out of order at %d", i)
			}
		}

		summaries, err := repo.ListTickSummaries(ctx, run.ID)
		if err != nil {
			t.Fatalf("ListTickSummaries failed: %v", err)
		}
		if len(summaries) != 24 {
			t.Errorf("expected 24 tick summaries, got %d", len(summaries))
		}
	})

	t.Run("Progress", func(t *testing.T) {
		p, err := progress.GetProgress(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetProgress failed: %v", err)
		}
		if p == nil || !p.Terminated || p.Tick != 24 || p.Transactions != run.Transactions {
			t.Errorf("unexpected progress %+v", p)
		}
	})

	t.Run("TickEvents", func(t *testing.T) {
		events := ticks.wait(t)
		total := 0
		for i, ev := range events {
			if ev.Summary.Tick != int64(i) {
				t.Errorf("event %d: expected tick %d, got %d", i, i, ev.Summary.Tick)
			}
			total += ev.Summary.Transactions
		}
		if int64(total) != run.Transactions {
			t.Errorf("expected events to cover %d transactions, got %d", run.Transactions, total)
		}
	})
}

func TestExecuteWithoutBackends(t *testing.T) {
	w := NewWorker(nil, nil, nil, Config{})
	run := &domain.Run{Config: testConfig(1)}

	if err := w.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if run.ID == "" {
		t.Error("expected a generated run ID")
	}
	if run.Status != domain.RunCompleted {
		t.Errorf("expected status completed, got %s", run.Status)
	}
	if err := w.Start(); err == nil {
		t.Error("expected Start to fail without a bus")
	}
}

func TestExecuteFailures(t *testing.T) {
	repo := testRepo(t)
	w := NewWorker(nil, repo, nil, Config{})
	ctx := context.Background()

	t.Run("UnknownAuthenticator", func(t *testing.T) {
		cfg := testConfig(1)
		cfg.Authenticator.Type = "bogus"
		run := &domain.Run{ID: "run-bad-auth", Config: cfg}

		if err := w.Execute(ctx, run); err == nil {
			t.Fatal("expected error for unknown authenticator")
		}

		stored, err := repo.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if stored.Status != domain.RunFailed || stored.Error == "" {
			t.Errorf("expected failed run with error, got %+v", stored)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		run := &domain.Run{ID: "run-cancelled", Config: testConfig(1)}
		if err := w.Execute(cancelled, run); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}

		stored, err := repo.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if stored.Status != domain.RunFailed {
			t.Errorf("expected failed status, got %s", stored.Status)
		}
	})
}

func TestCardBlocking(t *testing.T) {
	repo := testRepo(t)
	w := NewWorker(nil, repo, nil, Config{})
	ctx := context.Background()

	cfg := testConfig(3)
	cfg.BlockAfterFrauds = 1
	run := &domain.Run{ID: "run-blocking", Config: cfg}
	if err := w.Execute(ctx, run); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	p, err := w.cache.GetProgress(ctx, run.ID)
	if err != nil || p == nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if p.BlockedCards == 0 {
		t.Fatal("expected cards to be blocked after authorized fraud")
	}

	frauds, err := repo.ListTransactions(ctx, run.ID, domain.TransactionFilter{FraudOnly: true})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}

	// a blocked card never transacts after the tick it was blocked in
	firstFraud := make(map[int64]time.Time)
	for _, rec := range frauds {
		if !rec.Authorized {
			continue
		}
		first, seen := firstFraud[rec.CardID]
		if !seen {
			firstFraud[rec.CardID] = rec.GlobalTime
			continue
		}
		if !rec.GlobalTime.Equal(first) {
			t.Errorf("card %d authorized fraud at %v after being blocked at %v", rec.CardID, rec.GlobalTime, first)
		}
	}
}

func TestStartAsync(t *testing.T) {
	eventBus := bus.NewChannelBus(1000)
	defer eventBus.Close()
	repo := testRepo(t)
	ctx := context.Background()

	w := NewWorker(eventBus, repo, nil, Config{Concurrency: 1})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicRunRequested {
		t.Errorf("unexpected stats %+v", stats)
	}

	completed := make(chan domain.Run, 1)
	_, _ = eventBus.Subscribe(ctx, domain.TopicRunComplete, func(ctx context.Context, msg *domain.Message) error {
		var run domain.Run
		if err := json.Unmarshal(msg.Payload, &run); err != nil {
			return err
		}
		completed <- run
		return nil
	})

	run := domain.Run{ID: "run-async", Status: domain.RunPending, Config: testConfig(1)}
	if err := repo.SaveRun(ctx, &run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	payload, _ := json.Marshal(run)
	if err := eventBus.Publish(ctx, domain.TopicRunRequested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-completed:
		if got.ID != run.ID || got.Status != domain.RunCompleted {
			t.Errorf("unexpected completion %+v", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for run completion")
	}

	stored, err := repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if stored.Status != domain.RunCompleted {
		t.Errorf("expected stored status completed, got %s", stored.Status)
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	stats = w.GetStats()
	if stats.SubscriptionCount != 0 || stats.CompletedRuns != 1 {
		t.Errorf("unexpected stats after stop %+v", stats)
	}
}

func TestMalformedRunRequest(t *testing.T) {
	w := NewWorker(nil, nil, nil, Config{})
	err := w.handleRunRequested(context.Background(), &domain.Message{ID: "m1", Payload: []byte("{")})
	if err == nil {
		t.Error("expected parse error")
	}
}
