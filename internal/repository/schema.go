package repository

// Schema definitions for simulation output.
// Compatible with both SQLite and PostgreSQL.

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    authenticator TEXT NOT NULL,
    seed BIGINT NOT NULL,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    config TEXT NOT NULL,
    ticks BIGINT NOT NULL DEFAULT 0,
    transactions BIGINT NOT NULL DEFAULT 0,
    metrics TEXT,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

// schemaTransactions holds the per-agent log. seq preserves the order in
// which rows were collected within a run.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    run_id TEXT NOT NULL,
    seq BIGINT NOT NULL,
    global_time TIMESTAMP NOT NULL,
    local_time TEXT NOT NULL,
    agent_id BIGINT NOT NULL,
    card_id BIGINT NOT NULL,
    merchant_id TEXT NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    currency TEXT NOT NULL,
    country TEXT NOT NULL,
    fraud INTEGER NOT NULL,
    auth_steps INTEGER NOT NULL,
    cancelled INTEGER NOT NULL,
    authorized INTEGER NOT NULL,
    PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_transactions_card ON transactions(run_id, card_id);
CREATE INDEX IF NOT EXISTS idx_transactions_fraud ON transactions(run_id, fraud);
`

const schemaTickSummaries = `
CREATE TABLE IF NOT EXISTS tick_summaries (
    run_id TEXT NOT NULL,
    tick BIGINT NOT NULL,
    global_time TIMESTAMP NOT NULL,
    customers INTEGER NOT NULL,
    fraudsters INTEGER NOT NULL,
    transactions INTEGER NOT NULL,
    mean_satisfaction DOUBLE PRECISION NOT NULL,
    departed_genuine INTEGER NOT NULL,
    departed_fraud INTEGER NOT NULL,
    arrived_genuine INTEGER NOT NULL,
    arrived_fraud INTEGER NOT NULL,
    PRIMARY KEY (run_id, tick)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRuns,
		schemaTransactions,
		schemaTickSummaries,
	}
}
