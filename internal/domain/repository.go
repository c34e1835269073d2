package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Decision records
	SaveDecision(ctx context.Context, tenantID string, d *Decision) error
	GetDecision(ctx context.Context, tenantID string, decisionID string) (*Decision, error)

	// Training run history
	SaveTrainingRun(ctx context.Context, tenantID string, run *TrainingRun) error
	ListTrainingRuns(ctx context.Context, tenantID string, limit int) ([]*TrainingRun, error)
	GetTrainingHistory(ctx context.Context, tenantID string) (*TrainingHistory, error)

	// Policy overlay configurations
	SavePolicyConfig(ctx context.Context, tenantID string, policy *PolicyConfig) error
	ListPolicyConfigs(ctx context.Context, tenantID string) ([]*PolicyConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
