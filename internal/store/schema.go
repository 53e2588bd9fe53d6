package store

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    amount REAL NOT NULL,
    merchant TEXT NOT NULL,
    merchant_category TEXT NOT NULL,
    location TEXT,
    timestamp TIMESTAMP NOT NULL,
    payment_method TEXT NOT NULL,
    device_fingerprint TEXT,
    description TEXT NOT NULL,
    embedding TEXT,
    fraud_label INTEGER,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(tenant_id, user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_device ON transactions(tenant_id, device_fingerprint, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_merchant ON transactions(tenant_id, merchant, timestamp);
`

const schemaUsers = `
CREATE TABLE IF NOT EXISTS user_profiles (
    user_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    average_amount REAL NOT NULL DEFAULT 0,
    common_categories TEXT NOT NULL DEFAULT '[]',
    home_location TEXT,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, tenant_id)
);
`

const schemaMerchants = `
CREATE TABLE IF NOT EXISTS merchant_profiles (
    name TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    fraud_rate REAL NOT NULL DEFAULT 0,
    total_txns INTEGER NOT NULL DEFAULT 0,
    embedding TEXT,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (name, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_merchant_profiles_rate ON merchant_profiles(tenant_id, fraud_rate);
`

const schemaFraudRings = `
CREATE TABLE IF NOT EXISTS fraud_rings (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    shared_identifier TEXT NOT NULL,
    merchant TEXT,
    member_users TEXT NOT NULL DEFAULT '[]',
    member_tx_ids TEXT NOT NULL DEFAULT '[]',
    victim_count INTEGER NOT NULL DEFAULT 0,
    total_amount REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'ACTIVE',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, shared_identifier)
);

CREATE INDEX IF NOT EXISTS idx_fraud_rings_status ON fraud_rings(tenant_id, status);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    agent_scores TEXT NOT NULL,
    risk_score REAL NOT NULL,
    decision TEXT NOT NULL,
    confidence REAL NOT NULL,
    ring_detected INTEGER NOT NULL DEFAULT 0,
    ring_id TEXT,
    reasoning TEXT NOT NULL,
    degraded_agents TEXT,
    latency_ms INTEGER NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL,
    UNIQUE (tenant_id, tx_id)
);

CREATE INDEX IF NOT EXISTS idx_assessments_tenant ON assessments(tenant_id);
CREATE INDEX IF NOT EXISTS idx_assessments_decision ON assessments(tenant_id, decision);
`

const schemaPolicies = `
CREATE TABLE IF NOT EXISTS policies (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    escalate_to TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_policies_enabled ON policies(tenant_id, enabled);
`

// AllSchemas returns schemas in dependency order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaUsers,
		schemaMerchants,
		schemaFraudRings,
		schemaAssessments,
		schemaPolicies,
	}
}
