// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"encoding/hex"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// CIDAlgoBlake3 is the only hash scheme the engine currently emits. Parsing
// accepts only this scheme; an unrecognized prefix is a validation error,
// not a fatal one.
const CIDAlgoBlake3 = "blake3"

const blake3HexLen = 64

// ComputeCID returns the content identifier for data: the hash-scheme prefix
// plus the hex digest of the exact content bytes. Identical bytes always
// yield an identical CID.
func ComputeCID(data []byte) string {
	sum := blake3.Sum256(data)
	return CIDAlgoBlake3 + ":" + hex.EncodeToString(sum[:])
}

// ParseCID validates a CID of the form "<algo>:<hex-digest>" and returns its
// parts. Errors wrap ErrBadCID.
func ParseCID(cid string) (algo, digest string, err error) {
	algo, digest, ok := strings.Cut(cid, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: missing scheme prefix in %q", ErrBadCID, cid)
	}
	if algo != CIDAlgoBlake3 {
		return "", "", fmt.Errorf("%w: unrecognized scheme %q", ErrBadCID, algo)
	}
	if len(digest) != blake3HexLen {
		return "", "", fmt.Errorf("%w: digest must be %d hex chars, got %d", ErrBadCID, blake3HexLen, len(digest))
	}
	if _, decErr := hex.DecodeString(digest); decErr != nil {
		return "", "", fmt.Errorf("%w: digest is not hex: %v", ErrBadCID, decErr)
	}
	return algo, digest, nil
}

// VerifyCID recomputes the full-content hash of data and compares it against
// the declared CID. A mismatch wraps ErrContentMismatch and must be treated
// as a hard error for that CID.
func VerifyCID(cid string, data []byte) error {
	if _, _, err := ParseCID(cid); err != nil {
		return err
	}
	if actual := ComputeCID(data); actual != cid {
		return fmt.Errorf("%w: declared %s, computed %s", ErrContentMismatch, cid, actual)
	}
	return nil
}
