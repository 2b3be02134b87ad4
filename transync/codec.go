// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// DeltaCodec serializes batches of entry deltas to and from the versioned
// wire payload. Decoding applies the partial-failure policy: an unknown
// format_version fails the whole batch closed, while individually malformed
// records are skipped with a logged reason and the rest still process.
type DeltaCodec struct {
	logger *slog.Logger
}

func NewDeltaCodec(logger *slog.Logger) *DeltaCodec {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeltaCodec{logger: logger}
}

// EncodePayload wraps deltas in the wire envelope and renders compact JSON.
func (c *DeltaCodec) EncodePayload(deltas []EntryDelta) ([]byte, error) {
	payload := DeltaPayload{
		FormatVersion: PayloadFormatVersion,
		CreatedAt:     time.Now().UTC(),
		Entries:       deltas,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode delta payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses a wire payload, returning the valid deltas and the
// number of malformed entries that were skipped.
func (c *DeltaCodec) DecodePayload(data []byte) (deltas []EntryDelta, skipped int, err error) {
	var envelope struct {
		FormatVersion string            `json:"format_version"`
		CreatedAt     time.Time         `json:"created_at"`
		Entries       []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, 0, fmt.Errorf("%w: payload is not valid JSON: %v", ErrBadEncoding, err)
	}
	if envelope.FormatVersion != PayloadFormatVersion {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnsupportedFormatVersion, envelope.FormatVersion)
	}

	deltas = make([]EntryDelta, 0, len(envelope.Entries))
	for i, raw := range envelope.Entries {
		var delta EntryDelta
		if err := json.Unmarshal(raw, &delta); err != nil {
			c.logger.Warn("Skipping malformed entry delta", "index", i, "error", err)
			skipped++
			continue
		}
		if reason := validateDelta(&delta); reason != "" {
			c.logger.Warn("Skipping invalid entry delta",
				"index", i, "entry_uid", delta.EntryUID, "reason", reason)
			skipped++
			continue
		}
		deltas = append(deltas, delta)
	}
	return deltas, skipped, nil
}

// validateDelta returns a non-empty reason when the delta cannot be merged.
func validateDelta(d *EntryDelta) string {
	switch d.Operation {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Sprintf("unsupported operation %q", d.Operation)
	}
	if d.EntryUID == "" && d.UIDAHash == "" && (d.LanguageFileUID == "" || d.Key == "") {
		return "no resolvable identity (entry_uid, uida_hash or language_file_uid+key)"
	}
	if d.Operation != OpDelete && d.Key == "" {
		return "missing key"
	}
	return ""
}

// DeltaFromEntry serializes a persisted entry into its wire delta form.
func DeltaFromEntry(entry *TranslationEntry, operation string) EntryDelta {
	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return EntryDelta{
		EntryUID:        entry.UID,
		UIDAKeysB64:     entry.UIDAKeysB64,
		UIDAHash:        entry.UIDAHash,
		Operation:       operation,
		Key:             entry.Key,
		SrcText:         entry.SrcText,
		DstText:         entry.DstText,
		Status:          entry.Status,
		LanguageFileUID: entry.LanguageFileUID,
		UpdatedAt:       updatedAt,
		QAFlags:         entry.QAFlags,
	}
}

// entryFromDelta materializes the remote side of a merge from a delta.
func entryFromDelta(d EntryDelta) *TranslationEntry {
	return &TranslationEntry{
		UID:             d.EntryUID,
		UIDAKeysB64:     d.UIDAKeysB64,
		UIDAHash:        d.UIDAHash,
		Key:             d.Key,
		SrcText:         d.SrcText,
		DstText:         d.DstText,
		Status:          d.Status,
		LanguageFileUID: d.LanguageFileUID,
		UpdatedAt:       d.UpdatedAt,
		QAFlags:         d.QAFlags,
	}
}
