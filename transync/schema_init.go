// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InitSchema creates the transync tables if they don't exist. All statements
// are idempotent; calling it on every startup is the intended usage. Several
// replicas racing at boot can deadlock on the DDL locks, so the transaction
// retries.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return pgTxWithRetry(ctx, pool, func(tx pgx.Tx) error {
		return initSchemaInTx(ctx, tx)
	})
}

func initSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated schema keeps sync state apart from application tables.
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS transync`,

		// 1) Content-addressed blocks. The cid is the hash of payload bytes;
		// ref_count==0 marks a block collectable.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS transync.content_blocks (
			cid         TEXT        PRIMARY KEY,
			payload     BYTEA       NOT NULL,
			size        BIGINT      NOT NULL,
			compression TEXT        NOT NULL DEFAULT 'none',
			ref_count   BIGINT      NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS content_blocks_orphan_idx
			ON transync.content_blocks(created_at) WHERE ref_count = 0`,

		// 2) Translation entries, the merge target. uida_hash correlates
		// entries across systems; (language_file_uid, key) is the positional
		// fallback identity.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS transync.translation_entries (
			uid               UUID        PRIMARY KEY,
			uida_keys_b64     TEXT,
			uida_hash         TEXT,
			key               TEXT        NOT NULL,
			src_text          TEXT        NOT NULL DEFAULT '',
			dst_text          TEXT        NOT NULL DEFAULT '',
			status            TEXT        NOT NULL DEFAULT 'new',
			language_file_uid TEXT        NOT NULL DEFAULT '',
			qa_flags          JSON,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (language_file_uid, key)
		)`,
		`CREATE INDEX IF NOT EXISTS translation_entries_uida_idx
			ON transync.translation_entries(uida_hash) WHERE uida_hash IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS translation_entries_status_idx
			ON transync.translation_entries(status)`,

		// 3) Lease-based work queue for post-commit processing.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS transync.work_queue (
			id               BIGSERIAL   PRIMARY KEY,
			type             TEXT        NOT NULL,
			payload          JSON        NOT NULL,
			state            TEXT        NOT NULL DEFAULT 'pending'
				CHECK (state IN ('pending','leased','done','err','dead')),
			priority         INT         NOT NULL DEFAULT 0,
			not_before       TIMESTAMPTZ,
			dedupe_key       TEXT,
			attempt          INT         NOT NULL DEFAULT 0,
			last_error       TEXT,
			lease_owner      TEXT,
			lease_expires_at TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		// Dedupe is scoped to tasks that still owe work; done/dead tasks must
		// not block re-enqueueing the same key.
		`CREATE UNIQUE INDEX IF NOT EXISTS work_queue_dedupe_idx
			ON transync.work_queue(dedupe_key)
			WHERE dedupe_key IS NOT NULL AND state IN ('pending','leased','err')`,
		`CREATE INDEX IF NOT EXISTS work_queue_lease_idx
			ON transync.work_queue(state, priority DESC, created_at)
			WHERE state IN ('pending','leased')`,
	}

	for i, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("schema migration %d failed: %w", i, err)
		}
	}
	return nil
}
