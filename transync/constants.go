// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import "time"

// Protocol version constants
const (
	ProtocolVersion      = "1.0"
	PayloadFormatVersion = "1.0"
)

// Operation constants for entry deltas
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Conflict resolution policies for commit requests
const (
	ResolveMarkForReview = "mark_for_review"
	ResolveTakeRemote    = "take_remote"
	ResolveTakeLocal     = "take_local"
)

// Merge strategy constants
const (
	MergeStrategy3Way = "3way"
)

// Session state constants
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
	SessionExpired   = "expired"
)

// Chunk upload status constants
const (
	ChunkReceived  = "received"
	ChunkCompleted = "completed"
)

// Work queue task state constants
const (
	TaskPending = "pending"
	TaskLeased  = "leased"
	TaskDone    = "done"
	TaskErr     = "err"
	TaskDead    = "dead"
)

// Entry status used when a merge conflict is marked for review
const StatusConflict = "conflict"

// Task type enqueued after a successful commit
const TaskTypeReindexEntries = "reindex_entries"

// Protocol defaults. Bloom sizing and chunk geometry are negotiable per
// handshake; these are the values advertised when the client sends zeros.
const (
	DefaultBloomBits           = 8388608 // 1 MiB bit vector
	DefaultBloomHashes         = 7
	DefaultChunkSizeBytes      = 2097152 // 2 MiB
	DefaultMaxConcurrentChunks = 4
	DefaultSessionTTL          = time.Hour
	DefaultLeaseDuration       = 5 * time.Minute
	DefaultMaxAttempts         = 5
	DefaultMaxListedConflicts  = 100

	// MaxBloomBits caps client-supplied filter sizes so a handshake cannot
	// force an arbitrary allocation.
	MaxBloomBits = 1 << 27
)
