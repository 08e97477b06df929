// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/cardsim/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRun inserts a run or replaces the mutable fields of an existing one.
func (r *SQLRepository) SaveRun(ctx context.Context, run *domain.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run ID is required", ErrInvalidInput)
	}

	config, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to encode run config: %w", err)
	}
	var metrics sql.NullString
	if run.Metrics != nil {
		b, err := json.Marshal(run.Metrics)
		if err != nil {
			return fmt.Errorf("failed to encode run metrics: %w", err)
		}
		metrics = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	query := `
		INSERT INTO runs (
			id, status, authenticator, seed, start_date, end_date, config,
			ticks, transactions, metrics, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			authenticator = excluded.authenticator,
			ticks = excluded.ticks,
			transactions = excluded.transactions,
			metrics = excluded.metrics,
			error = excluded.error,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		run.ID, string(run.Status), run.Authenticator,
		int64(run.Seed), run.StartDate, run.EndDate, string(config),
		run.Ticks, run.Transactions, metrics, run.Error,
		run.CreatedAt, run.UpdatedAt,
	)
	return err
}

const runColumns = `id, status, authenticator, seed, start_date, end_date, config,
	ticks, transactions, metrics, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var status, config string
	var seed int64
	var metrics, runErr sql.NullString

	err := row.Scan(
		&run.ID, &status, &run.Authenticator, &seed,
		&run.StartDate, &run.EndDate, &config,
		&run.Ticks, &run.Transactions, &metrics, &runErr,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.Seed = uint64(seed)
	run.Error = runErr.String
	if err := json.Unmarshal([]byte(config), &run.Config); err != nil {
		return nil, fmt.Errorf("failed to decode run config: %w", err)
	}
	if metrics.Valid && metrics.String != "" {
		run.Metrics = &domain.Metrics{}
		if err := json.Unmarshal([]byte(metrics.String), run.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode run metrics: %w", err)
		}
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
func (r *SQLRepository) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: run ID is required", ErrInvalidInput)
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`
	run, err := scanRun(r.db.QueryRowContext(ctx, r.rebind(query), runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (r *SQLRepository) ListRuns(ctx context.Context, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, id LIMIT ?`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveTransactions appends a batch of log rows to a run. Rows keep the order
// of the slice and follow any rows saved earlier for the same run.
func (r *SQLRepository) SaveTransactions(ctx context.Context, runID string, records []domain.TransactionRecord) error {
	if runID == "" {
		return fmt.Errorf("%w: run ID is required", ErrInvalidInput)
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last int64
	err = tx.QueryRowContext(ctx,
		r.rebind(`SELECT COALESCE(MAX(seq), -1) FROM transactions WHERE run_id = ?`), runID,
	).Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to read sequence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO transactions (
			run_id, seq, global_time, local_time, agent_id, card_id,
			merchant_id, amount, currency, country,
			fraud, auth_steps, cancelled, authorized
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		rec := &records[i]
		last++
		_, err := stmt.ExecContext(ctx,
			runID, last, rec.GlobalTime.UTC(), rec.LocalTime.Format(time.RFC3339),
			rec.AgentID, rec.CardID, rec.MerchantID, rec.Amount,
			rec.Currency, rec.Country,
			boolInt(rec.Fraud), rec.AuthSteps, boolInt(rec.Cancelled), boolInt(rec.Authorized),
		)
		if err != nil {
			return fmt.Errorf("failed to insert transaction %d: %w", last, err)
		}
	}

	return tx.Commit()
}

// ListTransactions returns log rows of a run in collection order.
func (r *SQLRepository) ListTransactions(ctx context.Context, runID string, filter domain.TransactionFilter) ([]domain.TransactionRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: run ID is required", ErrInvalidInput)
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT global_time, local_time, agent_id, card_id, merchant_id, amount,
			   currency, country, fraud, auth_steps, cancelled, authorized
		FROM transactions
		WHERE run_id = ?`)
	args := []any{runID}

	if filter.FraudOnly {
		sb.WriteString(` AND fraud = 1`)
	}
	if filter.CardID != 0 {
		sb.WriteString(` AND card_id = ?`)
		args = append(args, filter.CardID)
	}
	sb.WriteString(` ORDER BY seq`)
	if filter.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			return nil, fmt.Errorf("%w: offset requires a limit", ErrInvalidInput)
		}
		sb.WriteString(` OFFSET ?`)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(sb.String()), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.TransactionRecord
	for rows.Next() {
		rec := domain.TransactionRecord{RunID: runID}
		var local string
		var fraud, cancelled, authorized int

		if err := rows.Scan(
			&rec.GlobalTime, &local, &rec.AgentID, &rec.CardID, &rec.MerchantID, &rec.Amount,
			&rec.Currency, &rec.Country, &fraud, &rec.AuthSteps, &cancelled, &authorized,
		); err != nil {
			return nil, err
		}

		rec.GlobalTime = rec.GlobalTime.UTC()
		if rec.LocalTime, err = time.Parse(time.RFC3339, local); err != nil {
			return nil, fmt.Errorf("failed to parse local time %q: %w", local, err)
		}
		rec.Fraud = fraud != 0
		rec.Cancelled = cancelled != 0
		rec.Authorized = authorized != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveTickSummaries stores model-level log rows. Saving a tick twice
// overwrites the earlier row.
func (r *SQLRepository) SaveTickSummaries(ctx context.Context, runID string, ticks []domain.TickSummary) error {
	if runID == "" {
		return fmt.Errorf("%w: run ID is required", ErrInvalidInput)
	}
	if len(ticks) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO tick_summaries (
			run_id, tick, global_time, customers, fraudsters, transactions,
			mean_satisfaction, departed_genuine, departed_fraud,
			arrived_genuine, arrived_fraud
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, tick) DO UPDATE SET
			global_time = excluded.global_time,
			customers = excluded.customers,
			fraudsters = excluded.fraudsters,
			transactions = excluded.transactions,
			mean_satisfaction = excluded.mean_satisfaction,
			departed_genuine = excluded.departed_genuine,
			departed_fraud = excluded.departed_fraud,
			arrived_genuine = excluded.arrived_genuine,
			arrived_fraud = excluded.arrived_fraud
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range ticks {
		_, err := stmt.ExecContext(ctx,
			runID, s.Tick, s.GlobalTime.UTC(), s.Customers, s.Fraudsters, s.Transactions,
			s.MeanSatisfaction, s.Departed.Genuine, s.Departed.Fraud,
			s.Arrived.Genuine, s.Arrived.Fraud,
		)
		if err != nil {
			return fmt.Errorf("failed to insert tick %d: %w", s.Tick, err)
		}
	}

	return tx.Commit()
}

// ListTickSummaries returns the model-level log of a run ordered by tick.
func (r *SQLRepository) ListTickSummaries(ctx context.Context, runID string) ([]domain.TickSummary, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: run ID is required", ErrInvalidInput)
	}

	query := `
		SELECT tick, global_time, customers, fraudsters, transactions,
			   mean_satisfaction, departed_genuine, departed_fraud,
			   arrived_genuine, arrived_fraud
		FROM tick_summaries
		WHERE run_id = ?
		ORDER BY tick
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ticks []domain.TickSummary
	for rows.Next() {
		s := domain.TickSummary{RunID: runID}
		if err := rows.Scan(
			&s.Tick, &s.GlobalTime, &s.Customers, &s.Fraudsters, &s.Transactions,
			&s.MeanSatisfaction, &s.Departed.Genuine, &s.Departed.Fraud,
			&s.Arrived.Genuine, &s.Arrived.Fraud,
		); err != nil {
			return nil, err
		}
		s.GlobalTime = s.GlobalTime.UTC()
		ticks = append(ticks, s)
	}
	return ticks, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var sb strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
