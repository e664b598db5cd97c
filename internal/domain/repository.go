// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// Evidence records are scoped by the run that produced them.
type Repository interface {
	// Evidence operations
	SaveEvidence(ctx context.Context, runID string, rec *EvidenceRecord) error
	GetEvidence(ctx context.Context, runID string, alertID string) (*EvidenceRecord, error)
	ListEvidence(ctx context.Context, runID string) ([]*EvidenceRecord, error)

	// Rate table operations
	SaveRateTable(ctx context.Context, table *RateTable) error
	GetRateTable(ctx context.Context, tableID string) (*RateTable, error)

	// Run operations
	SaveRun(ctx context.Context, run *RunSummary) error
	GetRun(ctx context.Context, runID string) (*RunSummary, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "none"
	Driver string `koanf:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}
