// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
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

	// Configure connection pool
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

	// Run migrations
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

// SaveEvidence stores an evidence record under its run.
func (r *SQLRepository) SaveEvidence(ctx context.Context, runID string, rec *domain.EvidenceRecord) error {
	if runID == "" {
		return fmt.Errorf("%w: runID is required", ErrInvalidInput)
	}
	if rec == nil || rec.AlertID() == "" {
		return fmt.Errorf("%w: evidence record with alert ID is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode evidence %s: %w", rec.AlertID(), err)
	}

	query := `
		INSERT INTO evidence_records (run_id, alert_id, risk_score, card_id, generated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		runID, rec.AlertID(), rec.RiskScore(), rec.Transaction().CardID,
		rec.GeneratedAt(), string(payload),
	)
	return err
}

// GetEvidence retrieves one evidence record of a run.
func (r *SQLRepository) GetEvidence(ctx context.Context, runID string, alertID string) (*domain.EvidenceRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: runID is required", ErrInvalidInput)
	}

	query := `SELECT payload FROM evidence_records WHERE run_id = ? AND alert_id = ?`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), runID, alertID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec := &domain.EvidenceRecord{}
	if err := json.Unmarshal([]byte(payload), rec); err != nil {
		return nil, fmt.Errorf("failed to parse evidence %s: %w", alertID, err)
	}
	return rec, nil
}

// ListEvidence retrieves every evidence record of a run, highest risk first.
func (r *SQLRepository) ListEvidence(ctx context.Context, runID string) ([]*domain.EvidenceRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: runID is required", ErrInvalidInput)
	}

	query := `
		SELECT payload FROM evidence_records
		WHERE run_id = ?
		ORDER BY risk_score DESC, alert_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.EvidenceRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		rec := &domain.EvidenceRecord{}
		if err := json.Unmarshal([]byte(payload), rec); err != nil {
			return nil, fmt.Errorf("failed to parse evidence record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// SaveRateTable stores a fitted rate table.
func (r *SQLRepository) SaveRateTable(ctx context.Context, table *domain.RateTable) error {
	if table == nil || table.ID() == "" {
		return fmt.Errorf("%w: rate table with ID is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to encode rate table %s: %w", table.ID(), err)
	}

	query := `
		INSERT INTO rate_tables (id, fitted_at, train_rows, global_rate, payload)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		table.ID(), table.FittedAt(), table.TrainRows(), table.GlobalRate(), string(payload),
	)
	return err
}

// GetRateTable retrieves a fitted rate table by ID.
func (r *SQLRepository) GetRateTable(ctx context.Context, tableID string) (*domain.RateTable, error) {
	query := `SELECT payload FROM rate_tables WHERE id = ?`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tableID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	table := &domain.RateTable{}
	if err := json.Unmarshal([]byte(payload), table); err != nil {
		return nil, fmt.Errorf("failed to parse rate table %s: %w", tableID, err)
	}
	return table, nil
}

// SaveRun stores a run summary.
func (r *SQLRepository) SaveRun(ctx context.Context, run *domain.RunSummary) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run with ID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO runs (
			id, rate_table_id, mode, rows_total, cards, train_rows,
			eval_rows, scored_rows, alerts, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		run.ID, run.RateTableID, run.Mode, run.Rows, run.Cards, run.TrainRows,
		run.EvalRows, run.ScoredRows, run.Alerts, run.StartedAt.UTC(), run.CompletedAt.UTC(),
	)
	return err
}

// GetRun retrieves a run summary by ID.
func (r *SQLRepository) GetRun(ctx context.Context, runID string) (*domain.RunSummary, error) {
	query := `
		SELECT id, rate_table_id, mode, rows_total, cards, train_rows,
			   eval_rows, scored_rows, alerts, started_at, completed_at
		FROM runs
		WHERE id = ?
	`

	var run domain.RunSummary
	err := r.db.QueryRowContext(ctx, r.rebind(query), runID).Scan(
		&run.ID, &run.RateTableID, &run.Mode, &run.Rows, &run.Cards, &run.TrainRows,
		&run.EvalRows, &run.ScoredRows, &run.Alerts, &run.StartedAt, &run.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
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

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
