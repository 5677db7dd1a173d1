package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the metarelay store.
// It can be registered with the grove extension for orchestrated migration
// management (locking, version tracking, rollback support).
var Migrations = migrate.NewGroup("metarelay")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_metarelay_nonces",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS metarelay_nonces (
    identity    TEXT PRIMARY KEY,
    next        BIGINT NOT NULL DEFAULT 0 CHECK (next >= 0),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS metarelay_nonces`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_metarelay_submissions",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS metarelay_submissions (
    id              TEXT PRIMARY KEY,
    request_hash    TEXT NOT NULL,
    from_addr       TEXT NOT NULL,
    to_addr         TEXT NOT NULL,
    relayer         TEXT NOT NULL,
    gas             BIGINT NOT NULL,
    nonce           BIGINT NOT NULL,
    tx_handle       TEXT NOT NULL DEFAULT '',
    state           TEXT NOT NULL DEFAULT 'pending',
    success         BOOLEAN NOT NULL DEFAULT FALSE,
    return_data     BYTEA,
    gas_price       TEXT NOT NULL DEFAULT '',
    cost_in_native  TEXT NOT NULL DEFAULT '',
    transactor_fee  TEXT NOT NULL DEFAULT '',
    error           TEXT NOT NULL DEFAULT '',
    code            TEXT NOT NULL DEFAULT '',
    swap_error      TEXT NOT NULL DEFAULT '',
    checks          INT NOT NULL DEFAULT 0,
    next_check_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    confirmed_at    TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_metarelay_submissions_due ON metarelay_submissions (next_check_at) WHERE state = 'pending';
CREATE INDEX IF NOT EXISTS idx_metarelay_submissions_from ON metarelay_submissions (from_addr);
CREATE INDEX IF NOT EXISTS idx_metarelay_submissions_state ON metarelay_submissions (state);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS metarelay_submissions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_metarelay_operations",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS metarelay_operations (
    id              TEXT PRIMARY KEY,
    from_addr       TEXT NOT NULL,
    to_addr         TEXT NOT NULL,
    gas             BIGINT NOT NULL,
    data            BYTEA,
    nonce           BIGINT NOT NULL DEFAULT 0,
    state           TEXT NOT NULL DEFAULT 'building',
    relayer_index   INT NOT NULL DEFAULT 0,
    rejections      INT NOT NULL DEFAULT 0,
    request         JSONB,
    attempt_id      TEXT,
    handle          TEXT NOT NULL DEFAULT '',
    deadline        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    next_check_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    success         BOOLEAN NOT NULL DEFAULT FALSE,
    return_data     BYTEA,
    error           TEXT NOT NULL DEFAULT '',
    code            TEXT NOT NULL DEFAULT '',
    completed_at    TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_metarelay_operations_due ON metarelay_operations (next_check_at) WHERE state NOT IN ('confirmed', 'failed');
CREATE INDEX IF NOT EXISTS idx_metarelay_operations_from ON metarelay_operations (from_addr);
CREATE UNIQUE INDEX IF NOT EXISTS idx_metarelay_operations_active ON metarelay_operations (from_addr) WHERE state NOT IN ('confirmed', 'failed');

CREATE TABLE IF NOT EXISTS metarelay_attempts (
    id              TEXT PRIMARY KEY,
    operation_id    TEXT NOT NULL REFERENCES metarelay_operations (id) ON DELETE CASCADE,
    request_hash    TEXT NOT NULL,
    relayer         TEXT NOT NULL,
    endpoint        TEXT NOT NULL DEFAULT '',
    handle          TEXT NOT NULL DEFAULT '',
    submitted_at    TIMESTAMPTZ NOT NULL,
    status          TEXT NOT NULL DEFAULT 'submitted',
    error           TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_metarelay_attempts_operation ON metarelay_attempts (operation_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS metarelay_attempts;
DROP TABLE IF EXISTS metarelay_operations;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_metarelay_dlq",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS metarelay_dlq (
    id                  TEXT PRIMARY KEY,
    operation_id        TEXT NOT NULL,
    from_addr           TEXT NOT NULL,
    nonce               BIGINT NOT NULL,
    to_addr             TEXT NOT NULL,
    gas                 BIGINT NOT NULL,
    data                BYTEA,
    relayer             TEXT NOT NULL DEFAULT '',
    error               TEXT NOT NULL DEFAULT '',
    code                TEXT NOT NULL DEFAULT '',
    attempt_count       INT NOT NULL DEFAULT 0,
    replayed_at         TIMESTAMPTZ,
    replay_operation_id TEXT,
    failed_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_metarelay_dlq_from ON metarelay_dlq (from_addr);
CREATE INDEX IF NOT EXISTS idx_metarelay_dlq_failed ON metarelay_dlq (failed_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS metarelay_dlq`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "add_metarelay_operations_attempt_unsaved",
			Version: "20250101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
ALTER TABLE metarelay_operations ADD COLUMN IF NOT EXISTS attempt_unsaved BOOLEAN NOT NULL DEFAULT FALSE;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `ALTER TABLE metarelay_operations DROP COLUMN IF EXISTS attempt_unsaved`)
				return err
			},
		},
	)
}
