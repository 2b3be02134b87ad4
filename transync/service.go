// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"
)

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	AppName string

	// Transfer geometry advertised in handshake responses.
	ChunkSizeBytes      int
	MaxConcurrentChunks int
	SessionTTL          time.Duration

	// Bloom parameters are negotiated per handshake; these are the values
	// suggested when the client sends zeros, and MaxBloomBits caps what a
	// client may request.
	BloomBits    int
	BloomHashes  int
	MaxBloomBits int

	// DefaultConflictResolution applies when a commit omits one.
	DefaultConflictResolution string

	// MaxListedConflicts bounds the conflict/error listings in batch results.
	MaxListedConflicts int

	// Optional stage timing hooks.
	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

func (c *ServiceConfig) normalize() {
	if c.AppName == "" {
		c.AppName = "go-transync"
	}
	if c.ChunkSizeBytes <= 0 {
		c.ChunkSizeBytes = DefaultChunkSizeBytes
	}
	if c.MaxConcurrentChunks <= 0 {
		c.MaxConcurrentChunks = DefaultMaxConcurrentChunks
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.BloomBits <= 0 {
		c.BloomBits = DefaultBloomBits
	}
	if c.BloomHashes <= 0 {
		c.BloomHashes = DefaultBloomHashes
	}
	if c.MaxBloomBits <= 0 {
		c.MaxBloomBits = MaxBloomBits
	}
	if c.DefaultConflictResolution == "" {
		c.DefaultConflictResolution = ResolveMarkForReview
	}
	if c.MaxListedConflicts <= 0 {
		c.MaxListedConflicts = DefaultMaxListedConflicts
	}
}

// Dependencies are the stores the service orchestrates. Queue is optional;
// without it no follow-on tasks are enqueued.
type Dependencies struct {
	Blobs   BlobStore
	Entries EntryStore
	Queue   TaskQueue
}

// SyncService is the core synchronization engine: Bloom handshake, chunked
// content-addressed transfer, delta merge and follow-on task dispatch. It is
// the main SDK component embedding applications integrate.
type SyncService struct {
	logger   *slog.Logger
	config   *ServiceConfig
	sessions *SessionStore
	blobs    BlobStore
	entries  EntryStore
	queue    TaskQueue
	codec    *DeltaCodec
	merge    *MergeEngine
}

// NewSyncService wires the engine from its dependencies. Blobs and Entries
// are required.
func NewSyncService(deps Dependencies, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if deps.Blobs == nil {
		return nil, fmt.Errorf("transync: BlobStore is required")
	}
	if deps.Entries == nil {
		return nil, fmt.Errorf("transync: EntryStore is required")
	}
	if config == nil {
		config = &ServiceConfig{}
	}
	config.normalize()
	if logger == nil {
		logger = slog.Default()
	}

	return &SyncService{
		logger:   logger,
		config:   config,
		sessions: NewSessionStore(config.SessionTTL, logger),
		blobs:    deps.Blobs,
		entries:  deps.Entries,
		queue:    deps.Queue,
		codec:    NewDeltaCodec(logger),
		merge:    NewMergeEngine(deps.Entries, config.MaxListedConflicts, logger),
	}, nil
}

// Sessions exposes the owned session store, e.g. for periodic sweeping.
func (s *SyncService) Sessions() *SessionStore { return s.sessions }

// Handshake decodes the client's Bloom filter, diffs it against the stored
// CID set and opens a session for the transfer of the missing blocks.
func (s *SyncService) Handshake(ctx context.Context, req *HandshakeRequest) (*HandshakeResponse, error) {
	start := s.stageStart()

	if req.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("%w: %q (server speaks %s)", ErrUnsupportedProtocol, req.ProtocolVersion, ProtocolVersion)
	}

	bits := req.BloomBits
	if bits == 0 {
		bits = s.config.BloomBits
	}
	hashes := req.BloomHashes
	if hashes == 0 {
		hashes = s.config.BloomHashes
	}
	if bits > s.config.MaxBloomBits {
		return nil, fmt.Errorf("%w: %d bits exceeds limit %d", ErrBloomTooLarge, bits, s.config.MaxBloomBits)
	}

	filter, err := DecodeBloomFilter(req.BloomFilter, bits, hashes)
	if err != nil {
		return nil, err
	}

	serverCIDs, err := s.blobs.ListCIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list server CIDs: %w", err)
	}
	missing := MissingCIDs(filter, serverCIDs)

	session := s.sessions.Create(req.ClientID, req.SessionID, s.config.ChunkSizeBytes)
	s.sessions.SetTotalCIDs(session.ID, len(missing))

	s.logger.Info("Bloom handshake completed",
		"session_id", session.ID,
		"client_id", req.ClientID,
		"server_cids", len(serverCIDs),
		"missing_cids", len(missing),
		"bloom_bits", bits,
		"bloom_hashes", hashes,
		"scope", req.SyncScope)
	s.observeStage(ctx, MetricsOpHandshake, MetricsStageTotal, start, len(serverCIDs), false)

	return &HandshakeResponse{
		SessionID:             session.ID,
		ServerProtocolVersion: ProtocolVersion,
		MissingCIDs:           missing,
		ServerInfo: map[string]any{
			"app_name":          s.config.AppName,
			"server_time":       time.Now().UTC(),
			"total_server_cids": len(serverCIDs),
		},
		ChunkSizeBytes:      session.ChunkSize,
		MaxConcurrentChunks: s.config.MaxConcurrentChunks,
		SessionExpiresAt:    session.ExpiresAt,
	}, nil
}

// UploadChunk verifies and buffers one chunk. The chunk hash only proves
// per-chunk transit integrity; the full content is re-verified against the
// declared CID at commit time.
func (s *SyncService) UploadChunk(ctx context.Context, req *ChunkUploadRequest) (*ChunkUploadResponse, error) {
	start := s.stageStart()

	if _, _, err := ParseCID(req.CID); err != nil {
		return nil, err
	}
	chunk, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk data is not valid base64: %v", ErrBadEncoding, err)
	}
	if req.DataSize != int64(len(chunk)) {
		return nil, fmt.Errorf("%w: declared data_size %d, got %d bytes", ErrBadEncoding, req.DataSize, len(chunk))
	}
	if actual := ComputeCID(chunk); actual != req.ChunkHash {
		return nil, fmt.Errorf("%w: chunk %d of %s", ErrChunkHashMismatch, req.ChunkIndex, req.CID)
	}

	progress, err := s.sessions.WriteChunk(req.SessionID, req.CID, req.ChunkIndex, req.TotalChunks, chunk)
	if err != nil {
		return nil, err
	}

	status := ChunkReceived
	// total_bytes is only known once every slot is filled; chunks may differ
	// in size, so no estimate is reported while the transfer is in progress.
	var totalBytes int64
	if progress.complete {
		status = ChunkCompleted
		totalBytes = progress.bytesReceived
		s.logger.Info("Chunk transfer completed",
			"session_id", req.SessionID, "cid", req.CID, "total_bytes", totalBytes)
	} else {
		s.logger.Debug("Chunk received",
			"session_id", req.SessionID, "cid", req.CID,
			"chunk_index", req.ChunkIndex,
			"progress", fmt.Sprintf("%d/%d", progress.received, progress.totalChunks))
	}
	s.observeStage(ctx, MetricsOpChunk, MetricsStageTotal, start, 1, false)

	resp := &ChunkUploadResponse{
		SessionID:     req.SessionID,
		CID:           req.CID,
		ChunkIndex:    req.ChunkIndex,
		Status:        status,
		BytesReceived: progress.bytesReceived,
		TotalBytes:    totalBytes,
	}
	if progress.nextIndex >= 0 {
		next := progress.nextIndex
		resp.NextChunkIndex = &next
	}
	return resp, nil
}

// Commit verifies that every listed CID is fully assembled and matches its
// declared content hash, stores the blocks, decodes and merges the delta
// payloads, completes the session and enqueues follow-on processing.
func (s *SyncService) Commit(ctx context.Context, req *CommitRequest) (*CommitResponse, error) {
	start := s.stageStart()

	// Claim the session so cancels, chunk writes and concurrent commits are
	// rejected while merge effects are being applied; a failed commit releases
	// the claim and leaves the session active.
	if err := s.sessions.BeginCommit(req.SessionID); err != nil {
		return nil, err
	}
	defer s.sessions.EndCommit(req.SessionID)

	assembleStart := s.stageStart()
	payloads := make(map[string][]byte, len(req.CompletedCIDs))
	var incomplete []string
	for _, cid := range req.CompletedCIDs {
		data, ok := s.sessions.Assemble(req.SessionID, cid)
		if !ok {
			if len(incomplete) < 5 {
				incomplete = append(incomplete, cid)
			}
			continue
		}
		payloads[cid] = data
	}
	s.observeStage(ctx, MetricsOpCommit, MetricsStageAssemble, assembleStart, len(req.CompletedCIDs), len(incomplete) > 0)
	if len(incomplete) > 0 {
		return nil, &IncompleteTransferError{CIDs: incomplete}
	}

	// Per-chunk hashes only proved transit integrity; the declared CID must
	// match the reassembled bytes or the commit fails hard for that CID.
	verifyStart := s.stageStart()
	for _, cid := range req.CompletedCIDs {
		if err := VerifyCID(cid, payloads[cid]); err != nil {
			s.observeStage(ctx, MetricsOpCommit, MetricsStageVerify, verifyStart, len(payloads), true)
			return nil, err
		}
	}
	s.observeStage(ctx, MetricsOpCommit, MetricsStageVerify, verifyStart, len(payloads), false)

	decodeStart := s.stageStart()
	var allDeltas []EntryDelta
	totalSkipped := 0
	for _, cid := range req.CompletedCIDs {
		deltas, skipped, err := s.codec.DecodePayload(payloads[cid])
		if err != nil {
			return nil, fmt.Errorf("decode payload for %s: %w", cid, err)
		}
		totalSkipped += skipped
		allDeltas = append(allDeltas, deltas...)
	}
	s.observeStage(ctx, MetricsOpCommit, MetricsStageDecode, decodeStart, len(allDeltas), false)

	// Persist the verified blocks before merging so a merge failure never
	// loses transferred content.
	for _, cid := range req.CompletedCIDs {
		if _, err := s.blobs.Put(ctx, payloads[cid], CompressionNone); err != nil {
			return nil, fmt.Errorf("store block %s: %w", cid, err)
		}
		if err := s.blobs.AddRef(ctx, cid); err != nil {
			return nil, fmt.Errorf("reference block %s: %w", cid, err)
		}
	}

	resolution := req.ConflictResolution
	if resolution == "" {
		resolution = s.config.DefaultConflictResolution
	}
	mergeStart := s.stageStart()
	batch := s.merge.ApplyDeltas(ctx, allDeltas, resolution)
	batch.Errors += totalSkipped
	s.observeStage(ctx, MetricsOpCommit, MetricsStageMerge, mergeStart, batch.Processed, batch.Errors > 0)

	if err := s.sessions.Complete(req.SessionID, len(req.CompletedCIDs)); err != nil {
		return nil, err
	}
	s.enqueueFollowUp(ctx, req.SessionID, len(allDeltas))

	completedAt := time.Now().UTC()
	s.logger.Info("Sync commit completed",
		"session_id", req.SessionID,
		"cids", len(req.CompletedCIDs),
		"processed", batch.Processed,
		"conflicts", batch.Conflicts,
		"errors", batch.Errors)
	s.observeStage(ctx, MetricsOpCommit, MetricsStageTotal, start, batch.Processed, false)

	return &CommitResponse{
		SessionID:             req.SessionID,
		TotalEntriesProcessed: batch.Processed,
		EntriesMerged:         batch.Merged,
		EntriesCreated:        batch.Created,
		EntriesUpdated:        batch.Updated,
		EntriesDeleted:        batch.Deleted,
		EntriesConflicts:      batch.Conflicts,
		EntriesErrors:         batch.Errors,
		ConflictEntries:       batch.ConflictEntries,
		CompletedAt:           completedAt,
	}, nil
}

// enqueueFollowUp schedules asynchronous post-commit processing. A duplicate
// dedupe key means the work is already queued, which is fine.
func (s *SyncService) enqueueFollowUp(ctx context.Context, sessionID string, entryCount int) {
	if s.queue == nil || entryCount == 0 {
		return
	}
	payload := map[string]any{
		"session_id":  sessionID,
		"entry_count": entryCount,
	}
	_, err := s.queue.Enqueue(ctx, TaskTypeReindexEntries, payload, EnqueueOptions{
		DedupeKey: "reindex:" + sessionID,
	})
	if err != nil && !IsDuplicateTask(err) {
		// Follow-on work is at-least-once via the next commit; losing one
		// enqueue is logged, not fatal to the commit.
		s.logger.Error("Failed to enqueue follow-up task", "session_id", sessionID, "error", err)
	}
}

// CancelSession cancels an active session, rejecting further chunk writes
// and releasing its buffered chunk data.
func (s *SyncService) CancelSession(_ context.Context, sessionID string) error {
	return s.sessions.Cancel(sessionID)
}

// SessionInfo returns a snapshot of a session regardless of state.
func (s *SyncService) SessionInfo(_ context.Context, sessionID string) (SyncSession, bool) {
	return s.sessions.Snapshot(sessionID)
}

// Statistics returns a point-in-time operational snapshot.
func (s *SyncService) Statistics(ctx context.Context) (*SyncStatistics, error) {
	blobStats, err := s.blobs.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats := &SyncStatistics{
		ActiveSessions: s.sessions.ActiveCount(),
		Blobs:          blobStats,
		Timestamp:      time.Now().UTC(),
	}
	if s.queue != nil {
		depth, err := s.queue.Stats(ctx)
		if err != nil {
			return nil, err
		}
		stats.QueueDepth = depth
	}
	return stats, nil
}
