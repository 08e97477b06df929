// Simulate runs the transaction model offline and compares authenticators.
//
// Usage:
//
//	go run ./cmd/simulate -params configs/params.yaml -start 2016-01-01 -end 2016-03-31 \
//	    -auth never_second,always_second,heuristic,random,oracle
//
// Every authenticator sees the same seed, so the populations start out
// identical and only the authentication policy differs between runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/repository"
	"github.com/opensource-finance/cardsim/internal/worker"
)

type result struct {
	run      *domain.Run
	err      error
	duration time.Duration
}

func main() {
	defaults := domain.DefaultSimulationConfig()

	paramsPath := flag.String("params", "", "Path to the empirical parameter YAML (empty = built-in table)")
	seed := flag.Uint64("seed", defaults.Seed, "Random seed shared by every run")
	start := flag.String("start", defaults.StartDate, "First simulated day (YYYY-MM-DD)")
	end := flag.String("end", defaults.EndDate, "Last simulated day (YYYY-MM-DD)")
	tz := flag.String("tz", defaults.GlobalTimezone, "Global timezone")
	auths := flag.String("auth", "never_second,always_second,heuristic,random,oracle,learned", "Comma-separated authenticators to compare")
	threshold := flag.Float64("threshold", defaults.Authenticator.Threshold, "Heuristic amount threshold")
	probability := flag.Float64("probability", defaults.Authenticator.Probability, "Random authenticator probability")
	expression := flag.String("rule", "", "CEL expression for the rule authenticator")
	block := flag.Int("block", 0, "Block a card after this many authorized frauds (0 = never)")
	workers := flag.Int("workers", defaults.Workers, "Parallel agent evaluation per run")
	parallel := flag.Int("parallel", 2, "Runs executed at once")
	dbPath := flag.String("db", "", "SQLite path to persist the logs (empty = no persistence)")
	verbose := flag.Bool("verbose", false, "Log run progress")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	base := defaults
	base.ParamsPath = *paramsPath
	base.Seed = *seed
	base.StartDate = *start
	base.EndDate = *end
	base.GlobalTimezone = *tz
	base.Workers = *workers
	base.BlockAfterFrauds = *block
	base.Authenticator.Threshold = *threshold
	base.Authenticator.Probability = *probability
	base.Authenticator.Expression = *expression

	if _, _, err := base.Period(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	var repo domain.Repository
	if *dbPath != "" {
		r, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: *dbPath})
		if err != nil {
			fmt.Printf("ERROR: failed to open database: %v\n", err)
			os.Exit(1)
		}
		defer r.Close()
		repo = r
	}

	names := splitList(*auths)
	if len(names) == 0 {
		fmt.Println("Usage: simulate -auth never_second,heuristic [-params params.yaml]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║            CARDSIM - Authenticator Comparison                 ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nParams:      %s\n", orDefault(*paramsPath, "built-in"))
	fmt.Printf("Period:      %s .. %s (%s)\n", *start, *end, *tz)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Printf("Block after: %d\n", *block)
	fmt.Printf("Database:    %s\n", orDefault(*dbPath, "none"))
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	w := worker.NewWorker(nil, repo, nil, worker.Config{})
	results := make([]result, len(names))
	sem := make(chan struct{}, max(*parallel, 1))

	var wg sync.WaitGroup
	for i, name := range names {
		cfg := base
		cfg.Authenticator.Type = name
		wg.Go(func() {
			sem <- struct{}{}
			defer func() { <-sem }()

			run := &domain.Run{Config: cfg}
			started := time.Now()
			err := w.Execute(ctx, run)
			results[i] = result{run: run, err: err, duration: time.Since(started)}
			fmt.Printf("✓ %-18s finished in %v\n", name, results[i].duration.Round(time.Millisecond))
		})
	}
	wg.Wait()

	printResults(results)
}

func printResults(results []result) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                         RESULTS                               ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("%-18s %9s %7s %7s %7s %7s %7s %7s %12s\n",
		"AUTHENTICATOR", "TX", "FRAUD", "2FA", "CANCEL", "PREC", "RECALL", "FPR", "REWARD")

	for _, r := range results {
		if r.err != nil {
			fmt.Printf("%-18s ERROR: %v\n", r.run.Config.Authenticator.Type, r.err)
			continue
		}
		m := r.run.Metrics
		fmt.Printf("%-18s %9d %7d %7d %7d %7.3f %7.3f %7.3f %12s\n",
			r.run.Authenticator,
			m.Transactions,
			m.FraudTransactions,
			m.SecondFactorRequests,
			m.Cancellations,
			m.Precision,
			m.Recall,
			m.FalsePositiveRate,
			m.Reward.StringFixed(2),
		)
	}

	fmt.Println()
	for _, r := range results {
		if r.err != nil || r.run.ID == "" {
			continue
		}
		fmt.Printf("   %-18s run %s  fraud loss %s  genuine volume %s\n",
			r.run.Authenticator, r.run.ID, r.run.Metrics.FraudLoss.StringFixed(2), r.run.Metrics.GenuineVolume.StringFixed(2))
	}
	fmt.Println()
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
