// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transqlite

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/transhub/go-transync/transync"
)

// SyncResult reports the outcome of one SyncOnce pass.
type SyncResult struct {
	SessionID string
	// MissingCIDs lists content the server holds that this client does not;
	// the application decides whether and how to fetch it.
	MissingCIDs  []string
	UploadedCIDs []string
	Commit       *transync.CommitResponse
}

// BuildFilter inserts every locally indexed CID into a Bloom filter sized per
// the client configuration.
func (c *Client) BuildFilter(ctx context.Context) (*transync.BloomFilter, error) {
	filter, err := transync.NewBloomFilter(c.config.BloomBits, c.config.BloomHashes)
	if err != nil {
		return nil, err
	}
	cids, err := c.LocalCIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, cid := range cids {
		filter.Add(cid)
	}
	return filter, nil
}

// SyncOnce performs a single full sync pass: handshake, chunked upload of
// every pending payload, then commit. Uploads of distinct CIDs run in
// parallel up to the server's advertised max_concurrent_chunks.
func (c *Client) SyncOnce(ctx context.Context) (*SyncResult, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	pending, err := c.PendingCIDs(ctx)
	if err != nil {
		return nil, err
	}

	handshake, err := c.handshake(ctx)
	if err != nil {
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	result := &SyncResult{
		SessionID:   handshake.SessionID,
		MissingCIDs: handshake.MissingCIDs,
	}
	if len(pending) == 0 {
		c.logger.Debug("Nothing staged to upload", "session_id", handshake.SessionID)
		return result, nil
	}

	chunkSize := c.config.ChunkSizeBytes
	if handshake.ChunkSizeBytes > 0 && handshake.ChunkSizeBytes < chunkSize {
		chunkSize = handshake.ChunkSizeBytes
	}
	parallel := c.config.MaxConcurrentChunks
	if handshake.MaxConcurrentChunks > 0 && handshake.MaxConcurrentChunks < parallel {
		parallel = handshake.MaxConcurrentChunks
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, cid := range pending {
		cid := cid
		g.Go(func() error {
			return c.uploadPayload(gctx, handshake.SessionID, cid, chunkSize)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("chunk upload failed: %w", err)
	}

	commit, err := c.commit(ctx, handshake.SessionID, pending)
	if err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}
	if err := c.markSynced(ctx, pending); err != nil {
		return nil, err
	}

	c.logger.Info("Sync pass completed",
		"session_id", handshake.SessionID,
		"uploaded_cids", len(pending),
		"entries_processed", commit.TotalEntriesProcessed,
		"conflicts", commit.EntriesConflicts,
		"errors", commit.EntriesErrors)

	result.UploadedCIDs = pending
	result.Commit = commit
	return result, nil
}

func (c *Client) handshake(ctx context.Context) (*transync.HandshakeResponse, error) {
	filter, err := c.BuildFilter(ctx)
	if err != nil {
		return nil, err
	}
	req := &transync.HandshakeRequest{
		ProtocolVersion: transync.ProtocolVersion,
		ClientID:        c.ClientID,
		BloomBits:       filter.Bits(),
		BloomHashes:     filter.Hashes(),
		BloomFilter:     filter.EncodeBase64(),
	}
	var resp transync.HandshakeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync/handshake", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// uploadPayload sends every chunk of one staged payload. The server's
// next_chunk_index points at the lowest unfilled slot, so a rerun after an
// interruption skips what already landed.
func (c *Client) uploadPayload(ctx context.Context, sessionID, cid string, chunkSize int) error {
	payload, err := c.GetPayload(ctx, cid)
	if err != nil {
		return err
	}
	chunks := SplitChunks(payload, chunkSize)

	next := 0
	for next < len(chunks) {
		chunk := chunks[next]
		req := &transync.ChunkUploadRequest{
			SessionID:   sessionID,
			CID:         cid,
			ChunkIndex:  chunk.Index,
			TotalChunks: len(chunks),
			Data:        base64.StdEncoding.EncodeToString(chunk.Data),
			DataSize:    chunk.Size,
			ChunkHash:   chunk.Hash,
		}
		var resp transync.ChunkUploadResponse
		if err := c.doJSON(ctx, http.MethodPut, "/sync/chunk", req, &resp); err != nil {
			return fmt.Errorf("chunk %d of %s: %w", chunk.Index, cid, err)
		}
		if resp.Status == transync.ChunkCompleted || resp.NextChunkIndex == nil {
			return nil
		}
		next = *resp.NextChunkIndex
		if next < 0 || next >= len(chunks) {
			return fmt.Errorf("server requested chunk %d of %s, have %d chunks", next, cid, len(chunks))
		}
	}
	return nil
}

func (c *Client) commit(ctx context.Context, sessionID string, cids []string) (*transync.CommitResponse, error) {
	req := &transync.CommitRequest{
		SessionID:          sessionID,
		CompletedCIDs:      cids,
		MergeStrategy:      transync.MergeStrategy3Way,
		ConflictResolution: c.config.ConflictResolution,
	}
	var resp transync.CommitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync/commit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// doJSON performs one JSON request with exponential backoff on transport
// errors and 5xx responses. 4xx responses are not retried: the request is
// wrong, not the network.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	backoff := c.config.BackoffMin
	if backoff <= 0 {
		backoff = time.Second
	}
	attempts := c.config.MaxRetries + 1 // first attempt plus MaxRetries retries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("Retrying request", "path", path, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if c.config.BackoffMax > 0 && backoff > c.config.BackoffMax {
				backoff = c.config.BackoffMax
			}
		}

		retryable, err := c.attemptJSON(ctx, method, path, encoded, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return lastErr
}

func (c *Client) attemptJSON(ctx context.Context, method, path string, body []byte, out any) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return true, fmt.Errorf("server error: %s %s returned %d", method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var errResp transync.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Error != "" {
			return false, fmt.Errorf("%s %s returned %d: %s: %s",
				method, path, resp.StatusCode, errResp.Error, errResp.Message)
		}
		return false, fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return false, nil
}
