// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"context"
	"time"
)

// CompressionNone is the only compression label the engine writes. The label
// is stored and echoed but never applied: the CID is the hash of the exact
// stored bytes, so transparent recompression would change identity.
const CompressionNone = "none"

// BlobStore is content-addressed storage: blocks are stored and retrieved by
// the hash of their bytes, deduplicated on write, and reference counted so
// orphans can be collected.
type BlobStore interface {
	// Put stores data under its computed CID. Re-putting identical bytes is
	// idempotent and returns the existing block.
	Put(ctx context.Context, data []byte, compression string) (ContentBlock, error)

	// Get returns the payload bytes for cid, or ErrBlockNotFound.
	Get(ctx context.Context, cid string) ([]byte, error)

	// Has reports whether cid is stored.
	Has(ctx context.Context, cid string) (bool, error)

	// ListCIDs returns every stored CID. The handshake diffs this set
	// against the client's Bloom filter.
	ListCIDs(ctx context.Context) ([]string, error)

	// AddRef increments the block's reference count.
	AddRef(ctx context.Context, cid string) error

	// Release decrements the reference count, flooring at zero.
	Release(ctx context.Context, cid string) error

	// CollectGarbage deletes blocks with ref_count==0 created before cutoff
	// and returns how many were removed.
	CollectGarbage(ctx context.Context, cutoff time.Time) (int, error)

	// Stats returns block count and total stored bytes.
	Stats(ctx context.Context) (BlobStats, error)
}

// BlobStats summarizes a BlobStore.
type BlobStats struct {
	Blocks     int64 `json:"blocks"`
	TotalBytes int64 `json:"total_bytes"`
	Orphans    int64 `json:"orphans"`
}

// EntryStore is the persistence seam consumed by the merge engine. Lookups
// return (nil, nil) when no entry matches.
type EntryStore interface {
	FindByUID(ctx context.Context, uid string) (*TranslationEntry, error)
	FindByUIDAHash(ctx context.Context, uidaHash string) (*TranslationEntry, error)
	FindByFileKey(ctx context.Context, languageFileUID, key string) (*TranslationEntry, error)
	Create(ctx context.Context, entry *TranslationEntry) error
	Update(ctx context.Context, entry *TranslationEntry) error
	Delete(ctx context.Context, uid string) error
}
