// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGBlobStore is the Postgres-backed content-addressed store. Writes are
// idempotent on cid, so concurrent uploads of the same block converge on one
// row.
type PGBlobStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPGBlobStore(pool *pgxpool.Pool, logger *slog.Logger) *PGBlobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGBlobStore{pool: pool, logger: logger}
}

func (s *PGBlobStore) Put(ctx context.Context, data []byte, compression string) (ContentBlock, error) {
	if compression == "" {
		compression = CompressionNone
	}
	cid := ComputeCID(data)

	_, err := s.pool.Exec(ctx, /*language=postgresql*/ `
		INSERT INTO transync.content_blocks (cid, payload, size, compression)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cid) DO NOTHING`,
		cid, data, int64(len(data)), compression)
	if err != nil {
		return ContentBlock{}, fmt.Errorf("put block %s: %w", cid, err)
	}

	var block ContentBlock
	err = s.pool.QueryRow(ctx, /*language=postgresql*/ `
		SELECT cid, size, compression, ref_count, created_at
		FROM transync.content_blocks WHERE cid = $1`, cid).
		Scan(&block.CID, &block.Size, &block.Compression, &block.RefCount, &block.CreatedAt)
	if err != nil {
		return ContentBlock{}, fmt.Errorf("read back block %s: %w", cid, err)
	}
	return block, nil
}

func (s *PGBlobStore) Get(ctx context.Context, cid string) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, /*language=postgresql*/ `
		SELECT payload FROM transync.content_blocks WHERE cid = $1`, cid).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, cid)
	}
	if err != nil {
		return nil, fmt.Errorf("get block %s: %w", cid, err)
	}
	return payload, nil
}

func (s *PGBlobStore) Has(ctx context.Context, cid string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, /*language=postgresql*/ `
		SELECT EXISTS (SELECT 1 FROM transync.content_blocks WHERE cid = $1)`, cid).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check block %s: %w", cid, err)
	}
	return exists, nil
}

func (s *PGBlobStore) ListCIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, /*language=postgresql*/ `
		SELECT cid FROM transync.content_blocks ORDER BY cid`)
	if err != nil {
		return nil, fmt.Errorf("list cids: %w", err)
	}
	defer rows.Close()

	var cids []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, err
		}
		cids = append(cids, cid)
	}
	return cids, rows.Err()
}

func (s *PGBlobStore) AddRef(ctx context.Context, cid string) error {
	tag, err := s.pool.Exec(ctx, /*language=postgresql*/ `
		UPDATE transync.content_blocks SET ref_count = ref_count + 1 WHERE cid = $1`, cid)
	if err != nil {
		return fmt.Errorf("add ref %s: %w", cid, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, cid)
	}
	return nil
}

func (s *PGBlobStore) Release(ctx context.Context, cid string) error {
	tag, err := s.pool.Exec(ctx, /*language=postgresql*/ `
		UPDATE transync.content_blocks
		SET ref_count = GREATEST(ref_count - 1, 0) WHERE cid = $1`, cid)
	if err != nil {
		return fmt.Errorf("release %s: %w", cid, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, cid)
	}
	return nil
}

func (s *PGBlobStore) CollectGarbage(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, /*language=postgresql*/ `
		DELETE FROM transync.content_blocks
		WHERE ref_count = 0 AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("collect garbage: %w", err)
	}
	removed := int(tag.RowsAffected())
	if removed > 0 {
		s.logger.Info("Collected orphan content blocks", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

func (s *PGBlobStore) Stats(ctx context.Context) (BlobStats, error) {
	var stats BlobStats
	err := s.pool.QueryRow(ctx, /*language=postgresql*/ `
		SELECT COUNT(*), COALESCE(SUM(size), 0), COUNT(*) FILTER (WHERE ref_count = 0)
		FROM transync.content_blocks`).
		Scan(&stats.Blocks, &stats.TotalBytes, &stats.Orphans)
	if err != nil {
		return BlobStats{}, fmt.Errorf("blob stats: %w", err)
	}
	return stats, nil
}
