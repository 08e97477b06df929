package domain

import (
	"context"
	"time"
)

// Repository defines the interface for persisting simulation output.
type Repository interface {
	// Run operations
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	// Transaction log operations
	SaveTransactions(ctx context.Context, runID string, records []TransactionRecord) error
	ListTransactions(ctx context.Context, runID string, filter TransactionFilter) ([]TransactionRecord, error)

	// Model-level log operations
	SaveTickSummaries(ctx context.Context, runID string, ticks []TickSummary) error
	ListTickSummaries(ctx context.Context, runID string) ([]TickSummary, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// TransactionFilter narrows a transaction listing.
type TransactionFilter struct {
	FraudOnly bool
	CardID    int64
	Limit     int
	Offset    int
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
