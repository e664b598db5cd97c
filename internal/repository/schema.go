package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    rate_table_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    rows_total INTEGER NOT NULL,
    cards INTEGER NOT NULL,
    train_rows INTEGER NOT NULL,
    eval_rows INTEGER NOT NULL,
    scored_rows INTEGER NOT NULL,
    alerts INTEGER NOT NULL,
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_rate_table ON runs(rate_table_id);
`

// schemaRateTables stores each fitted table as a JSON document. Tables are
// written once and never updated.
const schemaRateTables = `
CREATE TABLE IF NOT EXISTS rate_tables (
    id TEXT PRIMARY KEY,
    fitted_at TIMESTAMP NOT NULL,
    train_rows INTEGER NOT NULL,
    global_rate REAL NOT NULL,
    payload TEXT NOT NULL
);
`

const schemaEvidence = `
CREATE TABLE IF NOT EXISTS evidence_records (
    run_id TEXT NOT NULL,
    alert_id TEXT NOT NULL,
    risk_score REAL NOT NULL,
    card_id INTEGER NOT NULL,
    generated_at TIMESTAMP NOT NULL,
    payload TEXT NOT NULL,
    PRIMARY KEY (run_id, alert_id)
);

CREATE INDEX IF NOT EXISTS idx_evidence_run ON evidence_records(run_id);
CREATE INDEX IF NOT EXISTS idx_evidence_risk ON evidence_records(run_id, risk_score);
CREATE INDEX IF NOT EXISTS idx_evidence_card ON evidence_records(run_id, card_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRuns,
		schemaRateTables,
		schemaEvidence,
	}
}
