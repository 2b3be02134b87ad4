// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import "time"

// REST/JSON models for the sync protocol surface. These are the wire types
// consumed and produced by the HTTP handlers and the client package.

// HandshakeRequest opens a sync session. The client inserts its entire local
// CID set into a Bloom filter and ships the serialized bit vector together
// with its (bits, hashes) parameters.
type HandshakeRequest struct {
	ProtocolVersion string            `json:"protocol_version"`
	ClientID        string            `json:"client_id"`
	SessionID       string            `json:"session_id,omitempty"`
	BloomBits       int               `json:"bloom_bits"`
	BloomHashes     int               `json:"bloom_hashes"`
	BloomFilter     string            `json:"bloom_filter"` // base64 bit vector
	Capabilities    []string          `json:"capabilities,omitempty"`
	SyncScope       map[string]string `json:"sync_scope,omitempty"`
}

// HandshakeResponse reports the CIDs the client is definitely missing plus
// the transfer geometry for the session.
type HandshakeResponse struct {
	SessionID             string         `json:"session_id"`
	ServerProtocolVersion string         `json:"server_protocol_version"`
	MissingCIDs           []string       `json:"missing_cids"`
	ServerInfo            map[string]any `json:"server_info,omitempty"`
	ChunkSizeBytes        int            `json:"chunk_size_bytes"`
	MaxConcurrentChunks   int            `json:"max_concurrent_chunks"`
	SessionExpiresAt      time.Time      `json:"session_expires_at"`
}

// ChunkUploadRequest carries one chunk of a content block.
type ChunkUploadRequest struct {
	SessionID      string `json:"session_id"`
	CID            string `json:"cid"`
	ChunkIndex     int    `json:"chunk_index"`
	TotalChunks    int    `json:"total_chunks"`
	Data           string `json:"data"` // base64 chunk bytes
	DataSize       int64  `json:"data_size"`
	ChunkHash      string `json:"chunk_hash"` // CID of this chunk's bytes
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ChunkUploadResponse reports per-CID assembly progress. NextChunkIndex is
// the lowest unfilled slot and supports resuming interrupted uploads.
type ChunkUploadResponse struct {
	SessionID      string `json:"session_id"`
	CID            string `json:"cid"`
	ChunkIndex     int    `json:"chunk_index"`
	Status         string `json:"status"` // received | completed
	BytesReceived  int64  `json:"bytes_received"`
	TotalBytes     int64  `json:"total_bytes,omitempty"` // set once the transfer completes
	NextChunkIndex *int   `json:"next_chunk_index,omitempty"`
}

// CommitRequest finalizes a session: every listed CID must be fully
// assembled.
type CommitRequest struct {
	SessionID          string   `json:"session_id"`
	CompletedCIDs      []string `json:"completed_cids"`
	MergeStrategy      string   `json:"merge_strategy,omitempty"`      // default "3way"
	ConflictResolution string   `json:"conflict_resolution,omitempty"` // default "mark_for_review"
}

// CommitResponse reports batch merge accounting. Partial success is normal:
// non-zero conflict or error counts do not make the commit a failure.
type CommitResponse struct {
	SessionID             string           `json:"session_id"`
	TotalEntriesProcessed int              `json:"total_entries_processed"`
	EntriesMerged         int              `json:"entries_merged"`
	EntriesCreated        int              `json:"entries_created"`
	EntriesUpdated        int              `json:"entries_updated"`
	EntriesDeleted        int              `json:"entries_deleted"`
	EntriesConflicts      int              `json:"entries_conflicts"`
	EntriesErrors         int              `json:"entries_errors"`
	ConflictEntries       []ConflictRecord `json:"conflict_entries,omitempty"`
	CompletedAt           time.Time        `json:"completed_at"`
}

// SyncStatistics is a point-in-time snapshot for the statistics endpoint.
type SyncStatistics struct {
	ActiveSessions int            `json:"active_sessions"`
	Blobs          BlobStats      `json:"blobs"`
	QueueDepth     map[string]int `json:"queue_depth,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
