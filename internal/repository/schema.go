package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    candidate TEXT NOT NULL,
    classification_risk REAL NOT NULL,
    abnormality_risk REAL NOT NULL,
    domain_risk REAL NOT NULL,
    final_risk REAL NOT NULL,
    ood_zone TEXT NOT NULL,
    outcome TEXT NOT NULL,
    reason_code TEXT NOT NULL,
    ensemble_reason TEXT,
    orders TEXT,
    model_version INTEGER NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_decisions_tenant ON decisions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions(tenant_id, outcome);
CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(tenant_id, timestamp);
`

const schemaTrainingRuns = `
CREATE TABLE IF NOT EXISTS training_runs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL,
    status TEXT NOT NULL,
    legit_count INTEGER NOT NULL DEFAULT 0,
    fraud_count INTEGER NOT NULL DEFAULT 0,
    anomaly_report TEXT,
    metrics TEXT,
    bundle_version INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_training_runs_tenant ON training_runs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_training_runs_status ON training_runs(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_training_runs_started ON training_runs(tenant_id, started_at);
`

const schemaPolicyConfigs = `
CREATE TABLE IF NOT EXISTS policy_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    reason TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_policy_configs_tenant ON policy_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_policy_configs_enabled ON policy_configs(tenant_id, enabled);
`

// schemaModelBundles backs the model registry. One row per slot; promotion
// rewrites the production and backup rows in a single transaction.
const schemaModelBundles = `
CREATE TABLE IF NOT EXISTS model_bundles (
    tenant_id TEXT NOT NULL,
    slot TEXT NOT NULL,
    version INTEGER NOT NULL,
    payload TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, slot)
);

CREATE INDEX IF NOT EXISTS idx_model_bundles_tenant ON model_bundles(tenant_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaDecisions,
		schemaTrainingRuns,
		schemaPolicyConfigs,
		schemaModelBundles,
	}
}
