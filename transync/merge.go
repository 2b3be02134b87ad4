// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ConflictTypeContent is the only conflict type the engine currently emits.
const ConflictTypeContent = "content_conflict"

// MergeInput carries the three sides of one merge decision. Base is the
// last-synced common ancestor. No separate ancestor store is kept, so batch
// processing approximates: value merges run two-way (Base nil, decided by the
// local/remote equality check plus the conflict policy) and delete deltas use
// the local row as Base. The field stays distinct so a snapshot store can be
// added without touching the decision procedure.
type MergeInput struct {
	Base       *TranslationEntry
	Local      *TranslationEntry
	Remote     *TranslationEntry
	Resolution string
}

// MergeEngine applies the three-way merge and conflict policy per entry
// delta against persisted state.
type MergeEngine struct {
	entries   EntryStore
	logger    *slog.Logger
	maxListed int
}

func NewMergeEngine(entries EntryStore, maxListedConflicts int, logger *slog.Logger) *MergeEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if maxListedConflicts <= 0 {
		maxListedConflicts = DefaultMaxListedConflicts
	}
	return &MergeEngine{entries: entries, logger: logger, maxListed: maxListedConflicts}
}

// entriesEqual compares by value: key, src_text, dst_text and status.
// Identifiers and timestamps are ignored.
func entriesEqual(a, b *TranslationEntry) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Key == b.Key &&
		a.SrcText == b.SrcText &&
		a.DstText == b.DstText &&
		a.Status == b.Status
}

// Merge evaluates the decision table in strict order; the first matching
// case wins.
func (m *MergeEngine) Merge(in MergeInput) MergeResult {
	base, local, remote := in.Base, in.Local, in.Remote

	switch {
	case base == nil && local == nil && remote == nil:
		// Remote delete of an entry that never existed locally: no-op.
		return MergeResult{Success: true}

	case base == nil && local == nil && remote != nil:
		return MergeResult{Success: true, Merged: remote.Clone()}

	case base == nil && local != nil && remote == nil:
		return MergeResult{Success: true, Merged: local.Clone()}

	case base != nil && local != nil && remote == nil && entriesEqual(base, local):
		// Remote deleted, local unchanged: accept the delete.
		return MergeResult{Success: true, Merged: nil}

	case base != nil && local != nil && remote != nil && entriesEqual(base, local):
		// Remote modified, local unchanged: accept remote.
		return MergeResult{Success: true, Merged: remote.Clone()}

	case base != nil && local != nil && remote != nil && entriesEqual(base, remote):
		// Local modified, remote unchanged: keep local.
		return MergeResult{Success: true, Merged: local.Clone()}

	case local != nil && remote != nil && entriesEqual(local, remote):
		// Both sides landed on the same value.
		return MergeResult{Success: true, Merged: local.Clone()}
	}

	return m.resolveConflict(in)
}

func (m *MergeEngine) resolveConflict(in MergeInput) MergeResult {
	local, remote := in.Local, in.Remote

	switch in.Resolution {
	case ResolveTakeRemote:
		var merged *TranslationEntry
		if remote != nil {
			merged = remote.Clone()
		}
		return MergeResult{Success: true, Merged: merged}
	case ResolveTakeLocal:
		var merged *TranslationEntry
		if local != nil {
			merged = local.Clone()
		}
		return MergeResult{Success: true, Merged: merged}
	}

	// mark_for_review (default): never drop data. The merged entry keeps the
	// remote payload (or local, on a delete conflict), is flagged with status
	// "conflict" and embeds both destination texts for review.
	source := remote
	if source == nil {
		source = local
	}
	merged := source.Clone()
	merged.Status = StatusConflict
	if merged.QAFlags == nil {
		merged.QAFlags = make(map[string]any)
	}
	var localDst, remoteDst any
	if local != nil {
		localDst = local.DstText
	}
	if remote != nil {
		remoteDst = remote.DstText
	}
	merged.QAFlags["merge_conflict"] = map[string]any{
		"local_dst_text":       localDst,
		"remote_dst_text":      remoteDst,
		"conflict_detected_at": time.Now().UTC().Format(time.RFC3339),
	}

	details := map[string]any{}
	if local != nil {
		details["local_version"] = local.Clone()
	}
	if remote != nil {
		details["remote_version"] = remote.Clone()
	}

	return MergeResult{
		Success:         true,
		Merged:          merged,
		HasConflict:     true,
		ConflictType:    ConflictTypeContent,
		ConflictDetails: details,
	}
}

// resolveLocal locates the existing local counterpart for a delta, in strict
// identity order: explicit entry_uid, else uida_hash, else
// (language_file_uid, key).
func (m *MergeEngine) resolveLocal(ctx context.Context, d EntryDelta) (*TranslationEntry, error) {
	if d.EntryUID != "" {
		if entry, err := m.entries.FindByUID(ctx, d.EntryUID); err != nil || entry != nil {
			return entry, err
		}
	}
	if d.UIDAHash != "" {
		if entry, err := m.entries.FindByUIDAHash(ctx, d.UIDAHash); err != nil || entry != nil {
			return entry, err
		}
	}
	if d.LanguageFileUID != "" && d.Key != "" {
		return m.entries.FindByFileKey(ctx, d.LanguageFileUID, d.Key)
	}
	return nil, nil
}

// ApplyDeltas merges a batch of deltas against persisted state and applies
// each result immediately. Entries are independent; a per-entry failure is
// recorded and never aborts the batch.
func (m *MergeEngine) ApplyDeltas(ctx context.Context, deltas []EntryDelta, resolution string) MergeBatchResult {
	if resolution == "" {
		resolution = ResolveMarkForReview
	}
	var result MergeBatchResult

	for _, delta := range deltas {
		result.Processed++

		local, err := m.resolveLocal(ctx, delta)
		if err != nil {
			m.recordError(&result, delta, fmt.Sprintf("lookup failed: %v", err))
			continue
		}

		var remote, base *TranslationEntry
		if delta.Operation != OpDelete {
			remote = entryFromDelta(delta)
		} else {
			// A delete with an unchanged-vs-base counterpart removes the row;
			// without an ancestor store the local row stands in for base.
			base = local
		}

		merged := m.Merge(MergeInput{
			Base:       base,
			Local:      local,
			Remote:     remote,
			Resolution: resolution,
		})
		if !merged.Success {
			m.recordError(&result, delta, merged.ErrorMessage)
			continue
		}

		if merged.HasConflict {
			result.Conflicts++
			if len(result.ConflictEntries) < m.maxListed {
				result.ConflictEntries = append(result.ConflictEntries, ConflictRecord{
					EntryUID:     delta.EntryUID,
					UIDAHash:     delta.UIDAHash,
					ConflictType: merged.ConflictType,
					Details:      merged.ConflictDetails,
				})
			}
		}

		if err := m.applyResult(ctx, local, merged, &result); err != nil {
			m.recordError(&result, delta, fmt.Sprintf("apply failed: %v", err))
			continue
		}
		result.Merged++
	}

	m.logger.Info("Delta batch merged",
		"processed", result.Processed, "merged", result.Merged,
		"created", result.Created, "updated", result.Updated, "deleted", result.Deleted,
		"conflicts", result.Conflicts, "errors", result.Errors)
	return result
}

// applyResult persists one merge outcome: nil merged deletes the local
// counterpart if present, otherwise the entry is created or updated. On
// update the identifier is preserved from the local record, not the delta.
func (m *MergeEngine) applyResult(ctx context.Context, local *TranslationEntry, merged MergeResult, result *MergeBatchResult) error {
	switch {
	case merged.Merged == nil:
		if local != nil {
			if err := m.entries.Delete(ctx, local.UID); err != nil {
				return err
			}
			result.Deleted++
		}
	case local == nil:
		entry := merged.Merged
		if entry.UID == "" {
			entry.UID = uuid.NewString()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		if err := m.entries.Create(ctx, entry); err != nil {
			return err
		}
		result.Created++
	default:
		entry := merged.Merged
		entry.UID = local.UID
		entry.CreatedAt = local.CreatedAt
		if err := m.entries.Update(ctx, entry); err != nil {
			return err
		}
		result.Updated++
	}
	return nil
}

func (m *MergeEngine) recordError(result *MergeBatchResult, delta EntryDelta, reason string) {
	result.Errors++
	m.logger.Warn("Entry delta failed",
		"entry_uid", delta.EntryUID, "operation", delta.Operation, "reason", reason)
	if len(result.ErrorEntries) < m.maxListed {
		result.ErrorEntries = append(result.ErrorEntries, ErrorRecord{
			EntryUID: delta.EntryUID,
			UIDAHash: delta.UIDAHash,
			Reason:   reason,
		})
	}
}
