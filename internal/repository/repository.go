// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// historyWindow bounds how many recent runs feed the rolling training
// history the anomaly guard compares new batches against.
const historyWindow = 20

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, driver, err := open(cfg)
	if err != nil {
		return nil, err
	}

	repo := &SQLRepository{
		db:     db,
		driver: driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func open(cfg domain.RepositoryConfig) (*sql.DB, string, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, "", fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
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

	return db, cfg.Driver, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveDecision stores a scoring decision with tenant isolation.
func (r *SQLRepository) SaveDecision(ctx context.Context, tenantID string, d *domain.Decision) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	orders, _ := json.Marshal(d.Orders)
	metadata, _ := json.Marshal(d.Metadata)

	query := `
		INSERT INTO decisions (
			id, tenant_id, candidate, classification_risk, abnormality_risk,
			domain_risk, final_risk, ood_zone, outcome, reason_code,
			ensemble_reason, orders, model_version, timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		d.ID, tenantID, d.Candidate,
		d.ClassificationRisk, d.AbnormalityRisk,
		d.DomainRisk, d.FinalRisk,
		d.OODZone, d.Outcome, d.ReasonCode,
		d.EnsembleReason, string(orders),
		d.ModelVersion, d.Timestamp, string(metadata),
	)
	return err
}

// GetDecision retrieves a decision by ID with tenant isolation.
func (r *SQLRepository) GetDecision(ctx context.Context, tenantID string, decisionID string) (*domain.Decision, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, candidate, classification_risk, abnormality_risk,
			   domain_risk, final_risk, ood_zone, outcome, reason_code,
			   ensemble_reason, orders, model_version, timestamp, metadata
		FROM decisions
		WHERE tenant_id = ? AND id = ?
	`

	var d domain.Decision
	var orders, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, decisionID).Scan(
		&d.ID, &d.TenantID, &d.Candidate,
		&d.ClassificationRisk, &d.AbnormalityRisk,
		&d.DomainRisk, &d.FinalRisk,
		&d.OODZone, &d.Outcome, &d.ReasonCode,
		&d.EnsembleReason, &orders,
		&d.ModelVersion, &d.Timestamp, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if orders != "" {
		json.Unmarshal([]byte(orders), &d.Orders)
	}
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &d.Metadata)
	}

	return &d, nil
}

// SaveTrainingRun stores a training run record with tenant isolation.
func (r *SQLRepository) SaveTrainingRun(ctx context.Context, tenantID string, run *domain.TrainingRun) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var anomaly, metrics []byte
	if run.AnomalyReport != nil {
		anomaly, _ = json.Marshal(run.AnomalyReport)
	}
	if run.Metrics != nil {
		metrics, _ = json.Marshal(run.Metrics)
	}

	query := `
		INSERT INTO training_runs (
			id, tenant_id, started_at, finished_at, status,
			legit_count, fraud_count, anomaly_report, metrics, bundle_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		run.ID, tenantID, run.StartedAt, run.FinishedAt, run.Status,
		run.LegitCount, run.FraudCount,
		string(anomaly), string(metrics), run.BundleVersion,
	)
	return err
}

// ListTrainingRuns retrieves recent training runs, newest first.
func (r *SQLRepository) ListTrainingRuns(ctx context.Context, tenantID string, limit int) ([]*domain.TrainingRun, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = historyWindow
	}

	query := `
		SELECT id, tenant_id, started_at, finished_at, status,
			   legit_count, fraud_count, anomaly_report, metrics, bundle_version
		FROM training_runs
		WHERE tenant_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.TrainingRun
	for rows.Next() {
		var run domain.TrainingRun
		var anomaly, metrics string

		if err := rows.Scan(
			&run.ID, &run.TenantID, &run.StartedAt, &run.FinishedAt, &run.Status,
			&run.LegitCount, &run.FraudCount,
			&anomaly, &metrics, &run.BundleVersion,
		); err != nil {
			return nil, err
		}

		if anomaly != "" {
			json.Unmarshal([]byte(anomaly), &run.AnomalyReport)
		}
		if metrics != "" {
			json.Unmarshal([]byte(metrics), &run.Metrics)
		}
		runs = append(runs, &run)
	}

	return runs, rows.Err()
}

// GetTrainingHistory computes the rolling averages over recent promoted runs.
// Rejected runs are excluded: a flood of anomalous batches must not drag the
// baseline toward itself.
func (r *SQLRepository) GetTrainingHistory(ctx context.Context, tenantID string) (*domain.TrainingHistory, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT legit_count, fraud_count
		FROM training_runs
		WHERE tenant_id = ? AND status = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, domain.RunStatusPromoted, historyWindow)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := &domain.TrainingHistory{}
	var totalSamples, ratioSum float64
	for rows.Next() {
		var legit, fraud int
		if err := rows.Scan(&legit, &fraud); err != nil {
			return nil, err
		}
		total := legit + fraud
		if total == 0 {
			continue
		}
		totalSamples += float64(total)
		ratioSum += float64(legit) / float64(total)
		history.RunCount++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if history.RunCount > 0 {
		history.AverageSampleCount = totalSamples / float64(history.RunCount)
		history.ExpectedLegitRatio = ratioSum / float64(history.RunCount)
	}

	return history, nil
}

// SavePolicyConfig upserts a policy overlay configuration.
func (r *SQLRepository) SavePolicyConfig(ctx context.Context, tenantID string, policy *domain.PolicyConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if policy.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	createdAt := policy.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO policy_configs (
			id, tenant_id, name, description, expression, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		policy.ID, tenantID, policy.Name, policy.Description,
		policy.Expression, policy.Reason, enabled,
		createdAt, now,
	)
	return err
}

// ListPolicyConfigs retrieves all policy overlays for a tenant, including
// disabled ones; the engine decides what to load.
func (r *SQLRepository) ListPolicyConfigs(ctx context.Context, tenantID string) ([]*domain.PolicyConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, expression, reason, enabled, created_at, updated_at
		FROM policy_configs
		WHERE tenant_id = ?
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.PolicyConfig
	for rows.Next() {
		var cfg domain.PolicyConfig
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
			&cfg.Expression, &cfg.Reason, &enabled,
			&cfg.CreatedAt, &cfg.UpdatedAt,
		); err != nil {
			return nil, err
		}

		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
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
	return rebindFor(r.driver, query)
}

func rebindFor(driver, query string) string {
	if driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
