// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import "time"

// TranslationEntry is the persisted form of one translatable string. UIDA
// fields correlate entries across systems independently of local uids.
type TranslationEntry struct {
	UID             string         `json:"uid"`
	UIDAKeysB64     string         `json:"uida_keys_b64,omitempty"`
	UIDAHash        string         `json:"uida_hash,omitempty"`
	Key             string         `json:"key"`
	SrcText         string         `json:"src_text"`
	DstText         string         `json:"dst_text"`
	Status          string         `json:"status"`
	LanguageFileUID string         `json:"language_file_uid"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	QAFlags         map[string]any `json:"qa_flags,omitempty"`
}

// Clone returns a deep-enough copy for merge bookkeeping (QAFlags map is
// copied one level deep).
func (e *TranslationEntry) Clone() *TranslationEntry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.QAFlags != nil {
		cp.QAFlags = make(map[string]any, len(e.QAFlags))
		for k, v := range e.QAFlags {
			cp.QAFlags[k] = v
		}
	}
	return &cp
}

// EntryDelta is one proposed change (create/update/delete) to a single
// translation entry, in the wire form used for batch transfer. Identity is
// resolved by entry_uid, else uida_hash, else (language_file_uid, key).
type EntryDelta struct {
	EntryUID        string         `json:"entry_uid,omitempty"`
	UIDAKeysB64     string         `json:"uida_keys_b64,omitempty"`
	UIDAHash        string         `json:"uida_hash,omitempty"`
	Operation       string         `json:"operation"`
	Key             string         `json:"key"`
	SrcText         string         `json:"src_text"`
	DstText         string         `json:"dst_text"`
	Status          string         `json:"status"`
	LanguageFileUID string         `json:"language_file_uid,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
	QAFlags         map[string]any `json:"qa_flags,omitempty"`
}

// DeltaPayload is the versioned wire envelope for a batch of entry deltas.
type DeltaPayload struct {
	FormatVersion string       `json:"format_version"`
	CreatedAt     time.Time    `json:"created_at"`
	Entries       []EntryDelta `json:"entries"`
}

// MergeResult is produced per EntryDelta by the merge engine. A nil Merged
// with Success=true means the outcome is a delete.
type MergeResult struct {
	Success         bool
	Merged          *TranslationEntry
	HasConflict     bool
	ConflictType    string
	ConflictDetails map[string]any
	ErrorMessage    string
}

// ConflictRecord identifies one conflicting entry in a batch result.
type ConflictRecord struct {
	EntryUID     string         `json:"entry_uid,omitempty"`
	UIDAHash     string         `json:"uida_hash,omitempty"`
	ConflictType string         `json:"conflict_type"`
	Details      map[string]any `json:"details,omitempty"`
}

// ErrorRecord identifies one failed entry in a batch result.
type ErrorRecord struct {
	EntryUID string `json:"entry_uid,omitempty"`
	UIDAHash string `json:"uida_hash,omitempty"`
	Reason   string `json:"reason"`
}

// MergeBatchResult is the accounting returned for one ApplyDeltas call.
// Per-entry failures are accumulated in-band; non-zero error or conflict
// counts do not make the batch a total failure.
type MergeBatchResult struct {
	Processed int `json:"processed"`
	Merged    int `json:"merged"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`

	// Bounded listings; see ServiceConfig.MaxListedConflicts.
	ConflictEntries []ConflictRecord `json:"conflict_entries,omitempty"`
	ErrorEntries    []ErrorRecord    `json:"error_entries,omitempty"`
}

// ContentBlock describes one stored content-addressed payload. The CID is a
// pure function of the content bytes; ref_count==0 makes the block eligible
// for garbage collection.
type ContentBlock struct {
	CID         string    `json:"cid"`
	Size        int64     `json:"size"`
	Compression string    `json:"compression"`
	RefCount    int64     `json:"ref_count"`
	CreatedAt   time.Time `json:"created_at"`
}
