package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the entitle store (SQLite).
var Migrations = migrate.NewGroup("entitle")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_entitle_catalog",
			Version: "20260101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_plans (
    id                 TEXT PRIMARY KEY,
    slug               TEXT NOT NULL UNIQUE,
    name               TEXT NOT NULL DEFAULT '',
    tier               TEXT NOT NULL DEFAULT '',
    tier_rank          INTEGER NOT NULL DEFAULT 0,
    status             TEXT NOT NULL DEFAULT 'active',
    current_version_id TEXT NOT NULL DEFAULT '',
    current_version    INTEGER NOT NULL DEFAULT 0,
    metadata           TEXT NOT NULL DEFAULT '{}',
    revision           INTEGER NOT NULL DEFAULT 1,
    created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entitle_plan_versions (
    id             TEXT PRIMARY KEY,
    plan_id        TEXT NOT NULL,
    number         INTEGER NOT NULL,
    features       TEXT NOT NULL DEFAULT '{}',
    limits         TEXT NOT NULL DEFAULT '{}',
    effective_from DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    published_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (plan_id, number)
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS entitle_plan_versions;
DROP TABLE IF EXISTS entitle_plans;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_tenant_terms",
			Version: "20260101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_assignments (
    tenant_id      TEXT PRIMARY KEY,
    id             TEXT NOT NULL,
    plan_id        TEXT NOT NULL,
    version_id     TEXT NOT NULL,
    billing_anchor DATETIME NOT NULL,
    revision       INTEGER NOT NULL DEFAULT 1,
    created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entitle_overrides (
    tenant_id  TEXT NOT NULL,
    key        TEXT NOT NULL,
    id         TEXT NOT NULL,
    value      TEXT NOT NULL,
    revision   INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (tenant_id, key)
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS entitle_overrides;
DROP TABLE IF EXISTS entitle_assignments;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_subscriptions",
			Version: "20260101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_subscriptions (
    id                   TEXT PRIMARY KEY,
    external_id          TEXT NOT NULL UNIQUE,
    tenant_id            TEXT NOT NULL,
    plan_id              TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL,
    current_period_start DATETIME NOT NULL,
    current_period_end   DATETIME NOT NULL,
    canceled_at          DATETIME,
    last_event_id        TEXT NOT NULL DEFAULT '',
    last_event_at        DATETIME NOT NULL,
    revision             INTEGER NOT NULL DEFAULT 1,
    created_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_entitle_subscriptions_tenant ON entitle_subscriptions (tenant_id, status);

CREATE TABLE IF NOT EXISTS entitle_processed_events (
    event_id     TEXT PRIMARY KEY,
    processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS entitle_processed_events;
DROP TABLE IF EXISTS entitle_subscriptions;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_usage",
			Version: "20260101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_usage_counters (
    tenant_id    TEXT NOT NULL,
    usage_type   TEXT NOT NULL,
    period_start DATETIME NOT NULL,
    quantity     INTEGER NOT NULL DEFAULT 0,
    updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (tenant_id, usage_type, period_start)
);

CREATE TABLE IF NOT EXISTS entitle_usage_keys (
    tenant_id       TEXT NOT NULL,
    usage_type      TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    claimed_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (tenant_id, usage_type, idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_entitle_usage_keys_claimed ON entitle_usage_keys (claimed_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS entitle_usage_keys;
DROP TABLE IF EXISTS entitle_usage_counters;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_credits",
			Version: "20260101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_credit_balances (
    tenant_id  TEXT PRIMARY KEY,
    amount     TEXT NOT NULL DEFAULT '0',
    revision   INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entitle_credit_transactions (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    amount          TEXT NOT NULL,
    type            TEXT NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    reference_id    TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL DEFAULT '',
    balance_after   TEXT NOT NULL,
    expires_at      DATETIME,
    created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_entitle_credit_tx_tenant ON entitle_credit_transactions (tenant_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entitle_credit_tx_key ON entitle_credit_transactions (tenant_id, idempotency_key)
    WHERE idempotency_key != '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS entitle_credit_transactions;
DROP TABLE IF EXISTS entitle_credit_balances;
`)
				return err
			},
		},
	)
}
