// Package transqlite provides a SQLite-backed client for go-transync
// synchronization: it stages delta payloads in a local content-addressed
// index and pushes them to a transync server over the Bloom-handshake /
// chunked-upload / commit protocol.
//
// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/transhub/go-transync/transync"
)

// Client manages the local SQLite CID index and sync operations against one
// server.
type Client struct {
	DB       *sql.DB
	BaseURL  string
	ClientID string
	HTTP     *http.Client
	config   *Config
	logger   *slog.Logger
	writeMu  sync.Mutex // serialize sync operations to prevent SQLite locking issues
}

// Config holds configuration for the SQLite sync client.
type Config struct {
	ChunkSizeBytes      int // upload chunk size; the handshake response may shrink it
	MaxConcurrentChunks int // parallel CID uploads per sync
	BloomBits           int
	BloomHashes         int
	ConflictResolution  string        // sent with commit; empty defers to the server default
	MaxRetries          int           // retries per HTTP request after the first attempt
	BackoffMin          time.Duration // 1s
	BackoffMax          time.Duration // 60s
}

// DefaultConfig returns the client defaults matching the server's advertised
// transfer geometry.
func DefaultConfig() *Config {
	return &Config{
		ChunkSizeBytes:      transync.DefaultChunkSizeBytes,
		MaxConcurrentChunks: transync.DefaultMaxConcurrentChunks,
		BloomBits:           transync.DefaultBloomBits,
		BloomHashes:         transync.DefaultBloomHashes,
		MaxRetries:          5,
		BackoffMin:          1 * time.Second,
		BackoffMax:          60 * time.Second,
	}
}

// NewClient creates a SQLite sync client and initializes the local sync
// tables.
func NewClient(db *sql.DB, baseURL, clientID string, config *Config, logger *slog.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Client{
		DB:       db,
		BaseURL:  baseURL,
		ClientID: clientID,
		HTTP:     &http.Client{Timeout: 120 * time.Second},
		config:   config,
		logger:   logger,
	}, nil
}

// EnsureClientID generates and persists a client ID if not already present.
func EnsureClientID(db *sql.DB) (string, error) {
	if err := initializeDatabase(db); err != nil {
		return "", err
	}
	var clientID string
	err := db.QueryRow(`SELECT client_id FROM _sync_client_info LIMIT 1`).Scan(&clientID)
	if errors.Is(err, sql.ErrNoRows) {
		clientID = uuid.New().String()
		if _, err := db.Exec(`INSERT INTO _sync_client_info (client_id) VALUES (?)`, clientID); err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
		return clientID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return clientID, nil
}

// initializeDatabase creates the local sync metadata tables.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	tables := []string{
		// Client identity (one row).
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			client_id     TEXT NOT NULL PRIMARY KEY,
			last_sync_at  TEXT
		)`,

		// Local content-addressed index of staged delta payloads. synced_at
		// NULL marks a payload that still needs uploading.
		`CREATE TABLE IF NOT EXISTS _sync_cid_index (
			cid        TEXT NOT NULL PRIMARY KEY,
			payload    BLOB NOT NULL,
			size       INTEGER NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			synced_at  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS cid_index_pending_idx
			ON _sync_cid_index(created_at) WHERE synced_at IS NULL`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// StagePayload stores raw payload bytes in the local index under their CID.
// Staging identical bytes twice is a no-op.
func (c *Client) StagePayload(ctx context.Context, data []byte) (string, error) {
	cid := transync.ComputeCID(data)
	_, err := c.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO _sync_cid_index (cid, payload, size) VALUES (?, ?, ?)
	`, cid, data, len(data))
	if err != nil {
		return "", fmt.Errorf("failed to stage payload: %w", err)
	}
	return cid, nil
}

// StageEntries encodes deltas into the versioned wire payload and stages it.
func (c *Client) StageEntries(ctx context.Context, deltas []transync.EntryDelta) (string, error) {
	codec := transync.NewDeltaCodec(c.logger)
	data, err := codec.EncodePayload(deltas)
	if err != nil {
		return "", err
	}
	return c.StagePayload(ctx, data)
}

// LocalCIDs returns every CID in the local index, synced or not. This is the
// set inserted into the handshake Bloom filter.
func (c *Client) LocalCIDs(ctx context.Context) ([]string, error) {
	return c.queryCIDs(ctx, `SELECT cid FROM _sync_cid_index ORDER BY created_at`)
}

// PendingCIDs returns the CIDs staged but not yet acknowledged by a commit.
func (c *Client) PendingCIDs(ctx context.Context) ([]string, error) {
	return c.queryCIDs(ctx, `SELECT cid FROM _sync_cid_index WHERE synced_at IS NULL ORDER BY created_at`)
}

func (c *Client) queryCIDs(ctx context.Context, query string) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query cid index: %w", err)
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

// GetPayload returns the staged bytes for cid.
func (c *Client) GetPayload(ctx context.Context, cid string) ([]byte, error) {
	var payload []byte
	err := c.DB.QueryRowContext(ctx, `SELECT payload FROM _sync_cid_index WHERE cid = ?`, cid).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payload not staged: %s", cid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payload %s: %w", cid, err)
	}
	return payload, nil
}

// markSynced stamps the given CIDs as acknowledged by the server.
func (c *Client) markSynced(ctx context.Context, cids []string) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, cid := range cids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_cid_index SET synced_at = ? WHERE cid = ?
		`, now, cid); err != nil {
			return fmt.Errorf("failed to mark %s synced: %w", cid, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE _sync_client_info SET last_sync_at = ?`, now); err != nil {
		return fmt.Errorf("failed to update last_sync_at: %w", err)
	}
	return tx.Commit()
}
