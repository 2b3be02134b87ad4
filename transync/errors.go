// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"errors"
	"fmt"
	"strings"
)

// Validation error sentinels. These indicate a malformed request and carry no
// implied retry; the caller must fix the input.
var (
	ErrBadCID                   = errors.New("bad_cid")
	ErrBadEncoding              = errors.New("bad_encoding")
	ErrChunkHashMismatch        = errors.New("chunk_hash_mismatch")
	ErrChunkIndexOutOfRange     = errors.New("chunk_index_out_of_range")
	ErrChunkCountMismatch       = errors.New("chunk_count_mismatch")
	ErrUnsupportedFormatVersion = errors.New("unsupported_format_version")
	ErrUnsupportedProtocol      = errors.New("unsupported_protocol_version")
	ErrBloomTooLarge            = errors.New("bloom_filter_too_large")
)

// Session error sentinels. The caller must re-handshake.
var (
	ErrSessionNotFound  = errors.New("session_not_found")
	ErrSessionNotActive = errors.New("session_not_active")
	ErrSessionExpired   = errors.New("session_expired")
)

// Content store errors.
var (
	ErrBlockNotFound   = errors.New("content_block_not_found")
	ErrContentMismatch = errors.New("content_hash_mismatch")
)

// Work queue errors.
var (
	ErrTaskNotFound  = errors.New("task_not_found")
	ErrLeaseConflict = errors.New("task_lease_conflict")
	ErrDuplicateTask = errors.New("duplicate_task")
	ErrTaskDead      = errors.New("task_dead")
)

// IsValidationError reports whether err belongs to the validation class of
// the error taxonomy (malformed input, no implied retry).
func IsValidationError(err error) bool {
	for _, sentinel := range []error{
		ErrBadCID, ErrBadEncoding, ErrChunkHashMismatch, ErrChunkIndexOutOfRange,
		ErrChunkCountMismatch, ErrUnsupportedFormatVersion, ErrUnsupportedProtocol,
		ErrBloomTooLarge,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// IsDuplicateTask reports whether err is the dedupe-key rejection.
func IsDuplicateTask(err error) bool {
	return errors.Is(err, ErrDuplicateTask)
}

// IsSessionError reports whether err requires the caller to re-handshake.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionNotActive) ||
		errors.Is(err, ErrSessionExpired)
}

// IncompleteTransferError is returned by Commit when one or more of the
// requested CIDs still has unfilled chunk slots. The caller resumes chunk
// upload for the listed CIDs; at most five offenders are reported.
type IncompleteTransferError struct {
	CIDs []string
}

func (e *IncompleteTransferError) Error() string {
	return fmt.Sprintf("incomplete transfer for CIDs: %s", strings.Join(e.CIDs, ", "))
}
