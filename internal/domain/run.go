package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus is the lifecycle state of a simulation run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is a persisted simulation run.
type Run struct {
	ID            string           `json:"id"`
	Status        RunStatus        `json:"status"`
	Authenticator string           `json:"authenticator"`
	Seed          uint64           `json:"seed"`
	StartDate     string           `json:"startDate"`
	EndDate       string           `json:"endDate"`
	Config        SimulationConfig `json:"config"`
	Ticks         int64            `json:"ticks"`
	Transactions  int64            `json:"transactions"`
	Metrics       *Metrics         `json:"metrics,omitempty"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// RunRequest is the API payload that starts a run. Empty fields fall back to
// the server's simulation defaults.
type RunRequest struct {
	Seed          *uint64              `json:"seed,omitempty"`
	StartDate     string               `json:"startDate,omitempty"`
	EndDate       string               `json:"endDate,omitempty"`
	Workers       int                  `json:"workers,omitempty"`

	// Authenticator and Behavior are partial overlays: only the keys they
	// carry replace the server defaults.
	Authenticator json.RawMessage `json:"authenticator,omitempty"`
	Behavior      json.RawMessage `json:"behavior,omitempty"`

	// BlockAfterFrauds blocks a card once it has this many authorized
	// fraudulent transactions. Zero disables blocking.
	BlockAfterFrauds int `json:"blockAfterFrauds,omitempty"`

	// Async queues the run on the event bus instead of running it inline.
	Async bool `json:"async,omitempty"`
}

// Apply merges the request onto base and returns the resulting configuration.
// base is never modified.
func (r *RunRequest) Apply(base SimulationConfig) (SimulationConfig, error) {
	cfg := base
	cfg.Authenticator.AmountBuckets = slices.Clone(base.Authenticator.AmountBuckets)
	cfg.Authenticator.Currencies = slices.Clone(base.Authenticator.Currencies)

	if r.Seed != nil {
		cfg.Seed = *r.Seed
	}
	if r.StartDate != "" {
		cfg.StartDate = r.StartDate
	}
	if r.EndDate != "" {
		cfg.EndDate = r.EndDate
	}
	if r.Workers > 0 {
		cfg.Workers = r.Workers
	}
	if len(r.Authenticator) > 0 {
		if err := json.Unmarshal(r.Authenticator, &cfg.Authenticator); err != nil {
			return base, fmt.Errorf("invalid authenticator: %w", err)
		}
	}
	if len(r.Behavior) > 0 {
		if err := json.Unmarshal(r.Behavior, &cfg.Behavior); err != nil {
			return base, fmt.Errorf("invalid behavior: %w", err)
		}
	}
	if r.BlockAfterFrauds > 0 {
		cfg.BlockAfterFrauds = r.BlockAfterFrauds
	}
	return cfg, nil
}

// RunProgress is the cached snapshot of a run in flight.
type RunProgress struct {
	RunID        string    `json:"runId"`
	Tick         int64     `json:"tick"`
	GlobalTime   time.Time `json:"globalTime"`
	Customers    int       `json:"customers"`
	Fraudsters   int       `json:"fraudsters"`
	Transactions int64     `json:"transactions"`
	BlockedCards int       `json:"blockedCards"`
	Terminated   bool      `json:"terminated"`
}

// Metrics summarises the authorization outcomes of a run.
type Metrics struct {
	Transactions         int64 `json:"transactions"`
	GenuineTransactions  int64 `json:"genuineTransactions"`
	FraudTransactions    int64 `json:"fraudTransactions"`
	SecondFactorRequests int64 `json:"secondFactorRequests"`
	Cancellations        int64 `json:"cancellations"`

	// Confusion matrix with "blocked" as the positive prediction.
	FraudBlocked   int64 `json:"fraudBlocked"`
	FraudPassed    int64 `json:"fraudPassed"`
	GenuineBlocked int64 `json:"genuineBlocked"`
	GenuinePassed  int64 `json:"genuinePassed"`

	Precision         float64 `json:"precision"`
	Recall            float64 `json:"recall"`
	F1                float64 `json:"f1"`
	FalsePositiveRate float64 `json:"falsePositiveRate"`

	GenuineVolume decimal.Decimal `json:"genuineVolume"`
	FraudLoss     decimal.Decimal `json:"fraudLoss"`
	Reward        decimal.Decimal `json:"reward"`
}
